package model

import (
	"context"
	"errors"
)

// ErrNoCredential is returned by a CredentialResolver when the user has no
// active key for the provider. The relay treats it as a terminal
// request-level failure and never retries.
var ErrNoCredential = errors.New("no credential for provider")

// StreamParams carries everything an adapter needs for one vendor stream.
// APIKey is held only for the duration of the call; adapters construct their
// vendor client per invocation and never retain the key.
type StreamParams struct {
	Model    string
	Messages []Message
	Options  *Options
	APIKey   string
}

// Adapter is the per-vendor streaming contract.
//
// OpenStream validates its inputs synchronously and returns an error only
// for malformed parameters (empty model, empty messages, missing key for a
// vendor that requires one). Everything that can go wrong on the wire
// (connect failures, auth rejections, mid-stream vendor errors) is reported
// as a terminal StreamEvent with Err set, so callers have a single place to
// watch for failure once a stream is open.
//
// The returned channel delivers events in vendor order and is closed after
// the final event. Cancelling ctx tears down the vendor connection; the
// producer then closes the channel promptly, possibly without a final event.
// The channel is exclusively owned by the caller; no other component reads
// from it.
type Adapter interface {
	// ID reports which vendor this adapter speaks to.
	ID() ProviderID

	// OpenStream opens one vendor connection and streams normalized events.
	OpenStream(ctx context.Context, params StreamParams) (<-chan StreamEvent, error)

	// ValidateKey reports whether the key authenticates against the vendor,
	// using the cheapest call available. It never returns an error: network
	// and auth failures both report false.
	ValidateKey(ctx context.Context, apiKey string) bool

	// RequiresKey reports whether this vendor needs a credential at all.
	// Local vendors (ollama) return false and skip credential resolution.
	RequiresKey() bool
}

// CredentialResolver supplies a usable decrypted secret for a user+provider
// pair, or ErrNoCredential when none is active. Implemented by the settings
// subsystem; the relay only ever consumes it.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, provider ProviderID) (string, error)
}
