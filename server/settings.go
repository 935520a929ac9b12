package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"flowrelay/model"
	"flowrelay/storage"
)

type addKeyRequest struct {
	Provider model.ProviderID `json:"provider"`
	Name     string           `json:"name"`
	APIKey   string           `json:"apiKey"`
}

type updateKeyRequest struct {
	IsActive *bool `json:"isActive"`
}

// handleAddKey validates a new API key against its vendor before storing
// it. The same adapters that serve streaming do the validation, so a key
// that stores successfully will also stream.
func (s *Server) handleAddKey(c echo.Context) error {
	var req addKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Provider == "" || req.APIKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider and apiKey are required")
	}

	adapter, err := s.registry.Adapter(req.Provider)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown provider")
	}
	if !adapter.ValidateKey(c.Request().Context(), req.APIKey) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid api key")
	}

	record, err := s.keys.Add(c.Request().Context(), userID(c), req.Provider, req.Name, req.APIKey)
	if err != nil {
		s.logger.Error("store api key", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store api key")
	}
	return c.JSON(http.StatusCreated, record)
}

func (s *Server) handleListKeys(c echo.Context) error {
	keys, err := s.keys.List(c.Request().Context(), userID(c))
	if err != nil {
		s.logger.Error("list api keys", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list api keys")
	}
	if keys == nil {
		keys = []storage.APIKey{}
	}
	return c.JSON(http.StatusOK, keys)
}

func (s *Server) handleDeleteKey(c echo.Context) error {
	err := s.keys.Delete(c.Request().Context(), userID(c), c.Param("id"))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "api key not found")
	}
	if err != nil {
		s.logger.Error("delete api key", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete api key")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUpdateKey(c echo.Context) error {
	var req updateKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.IsActive == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "isActive is required")
	}

	err := s.keys.SetActive(c.Request().Context(), userID(c), c.Param("id"), *req.IsActive)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "api key not found")
	}
	if err != nil {
		s.logger.Error("update api key", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update api key")
	}
	return c.NoContent(http.StatusNoContent)
}
