// Package storage persists user API keys, encrypted at rest, and resolves
// them for the relay.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"flowrelay/config"
	"flowrelay/model"
)

// ErrKeyNotFound indicates the referenced key record does not exist for the
// user.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey is the stored-key view returned to callers. The secret itself
// never leaves the store except through Resolve.
type APIKey struct {
	ID         string           `json:"id"`
	UserID     string           `json:"-"`
	Provider   model.ProviderID `json:"provider"`
	Name       string           `json:"name"`
	KeyPreview string           `json:"keyPreview"`
	IsActive   bool             `json:"isActive"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// KeyStore is a sqlite-backed credential store. It implements
// model.CredentialResolver for the relay and the management operations the
// settings endpoints need.
type KeyStore struct {
	db     *sql.DB
	cipher *config.KeyCipher
}

// NewKeyStore opens (or creates) the key database under dataDir.
func NewKeyStore(dataDir string, cipher *config.KeyCipher) (*KeyStore, error) {
	dbPath := filepath.Join(dataDir, "keys.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &KeyStore{db: db, cipher: cipher}
	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (s *KeyStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		name TEXT NOT NULL,
		key_cipher BLOB NOT NULL,
		key_preview TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_user_provider ON api_keys(user_id, provider);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *KeyStore) Close() error {
	return s.db.Close()
}

// Add encrypts and stores a key for the user+provider and returns its
// record. Key validation against the vendor is the caller's job; the store
// only persists.
func (s *KeyStore) Add(ctx context.Context, userID string, provider model.ProviderID, name, apiKey string) (*APIKey, error) {
	if userID == "" || provider == "" || apiKey == "" {
		return nil, errors.New("userID, provider and apiKey are required")
	}

	sealed, err := s.cipher.Encrypt([]byte(apiKey))
	if err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}

	now := time.Now().UTC()
	record := &APIKey{
		ID:         uuid.New().String(),
		UserID:     userID,
		Provider:   provider,
		Name:       name,
		KeyPreview: keyPreview(apiKey),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, provider, name, key_cipher, key_preview, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		record.ID, record.UserID, string(record.Provider), record.Name,
		sealed, record.KeyPreview, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return record, nil
}

// List returns the user's key records, newest first, previews only.
func (s *KeyStore) List(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider, name, key_preview, is_active, created_at, updated_at
		 FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var providerStr string
		if err := rows.Scan(&k.ID, &k.UserID, &providerStr, &k.Name,
			&k.KeyPreview, &k.IsActive, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.Provider = model.ProviderID(providerStr)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes the key record if it belongs to the user.
func (s *KeyStore) Delete(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return nil
}

// SetActive toggles whether a key participates in resolution.
func (s *KeyStore) SetActive(ctx context.Context, userID, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		active, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return nil
}

// Resolve implements model.CredentialResolver: the newest active key for
// the user+provider, decrypted, or model.ErrNoCredential.
func (s *KeyStore) Resolve(ctx context.Context, userID string, provider model.ProviderID) (string, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT key_cipher FROM api_keys
		 WHERE user_id = ? AND provider = ? AND is_active = 1
		 ORDER BY created_at DESC LIMIT 1`,
		userID, string(provider)).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("query api key: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt api key: %w", err)
	}
	return string(plaintext), nil
}

// keyPreview keeps the last four characters for display, never the key.
func keyPreview(apiKey string) string {
	if len(apiKey) <= 4 {
		return "..." + apiKey
	}
	return "..." + apiKey[len(apiKey)-4:]
}
