package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/catalog"
	"github.com/pyamooz/pyamooz-chat/internal/db"
)

// ModelResponse is a catalog entry with its capabilities decoded.
type ModelResponse struct {
	*db.ModelRecord
	Features catalog.Capabilities `json:"features"`
}

func toModelResponse(m *db.ModelRecord) ModelResponse {
	return ModelResponse{ModelRecord: m, Features: catalog.DecodeCapabilities(m)}
}

func boolParam(r *http.Request, name string) (*bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, errors.New(name + " must be true or false")
	}
	return &b, nil
}

// ListModels handles GET /models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.Filter{
		Tier:     strings.ToLower(q.Get("tier")),
		Provider: q.Get("provider"),
	}
	var err error
	if f.Vision, err = boolParam(r, "vision"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.FunctionCalling, err = boolParam(r, "function_calling"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	models, err := h.catalog.Available(r.Context(), auth.IdentityFromContext(r.Context()), f)
	if err != nil {
		h.internalError(w, r, "list_models", err)
		return
	}
	out := make([]ModelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, toModelResponse(m))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetModel handles GET /models/{id}
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.catalog.Get(r.Context(), auth.IdentityFromContext(r.Context()), mux.Vars(r)["id"])
	if errors.Is(err, catalog.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Model not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "get_model", err)
		return
	}
	respondJSON(w, http.StatusOK, toModelResponse(m))
}

// SyncModels handles POST /models/sync
func (h *Handler) SyncModels(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	stats, err := h.catalog.Sync(r.Context(), force)
	if err != nil {
		h.logger.Warn("Model sync failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, "Model sync failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GrantModel handles POST /models/{id}/grants
func (h *Handler) GrantModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string     `json:"user_id"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		respondError(w, http.StatusBadRequest, "expires_at must be in the future")
		return
	}

	admin := auth.IdentityFromContext(r.Context())
	grant, err := h.catalog.Grant(r.Context(), admin, req.UserID, mux.Vars(r)["id"], req.ExpiresAt)
	if errors.Is(err, catalog.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Model not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "grant_model", err)
		return
	}
	respondJSON(w, http.StatusCreated, grant)
}

// ListProviders handles GET /providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"default":   h.providers.Default(),
		"providers": h.providers.Names(),
	})
}

// Me handles GET /auth/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": id.IsAuthenticated(),
		"user_id":       id.UserID,
		"username":      id.Username,
		"role":          id.Role,
		"is_admin":      id.IsAdmin(),
	})
}
