// Package rest serves the JSON API under /api/v1: conversation history,
// the model catalog, provider listing and the caller's identity.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/audit"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/catalog"
	"github.com/pyamooz/pyamooz-chat/internal/db"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxTitleRunes   = 255
)

// ConversationStore is the persistence the REST layer reads and edits.
type ConversationStore interface {
	GetConversation(ctx context.Context, id int64) (*db.ConversationRecord, error)
	ListConversations(ctx context.Context, ownerID, guestSession string, limit, offset int) ([]*db.ConversationRecord, error)
	RenameConversation(ctx context.Context, id int64, title string) error
	DeleteConversation(ctx context.Context, id int64) error
	ListMessages(ctx context.Context, conversationID int64, limit, offset int) ([]*db.MessageRecord, error)
}

// Catalog is the model catalog service.
type Catalog interface {
	Available(ctx context.Context, id auth.Identity, f catalog.Filter) ([]*db.ModelRecord, error)
	Get(ctx context.Context, id auth.Identity, modelID string) (*db.ModelRecord, error)
	Sync(ctx context.Context, force bool) (catalog.SyncStats, error)
	Grant(ctx context.Context, admin auth.Identity, userID, modelID string, expires *time.Time) (*db.PermissionRecord, error)
}

// Providers lists the registered provider names.
type Providers interface {
	Names() []string
	Default() string
}

// Handler manages HTTP request handlers
type Handler struct {
	store     ConversationStore
	catalog   Catalog
	providers Providers
	audit     audit.Logger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(store ConversationStore, cat Catalog, providers Providers, auditLog audit.Logger, logger *zap.Logger) *Handler {
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, catalog: cat, providers: providers, audit: auditLog, logger: logger}
}

// SetupRoutes configures API routes on the /api/v1 subrouter. adminOnly
// wraps the catalog management endpoints.
func SetupRoutes(router *mux.Router, h *Handler, adminOnly func(http.Handler) http.Handler) {
	// Conversation routes
	router.HandleFunc("/conversations", h.ListConversations).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id:[0-9]+}", h.GetConversation).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id:[0-9]+}", h.RenameConversation).Methods(http.MethodPatch)
	router.HandleFunc("/conversations/{id:[0-9]+}", h.DeleteConversation).Methods(http.MethodDelete)
	router.HandleFunc("/conversations/{id:[0-9]+}/messages", h.ListMessages).Methods(http.MethodGet)

	// Model catalog routes; sync is registered before {id} so it wins.
	router.Handle("/models/sync", adminOnly(http.HandlerFunc(h.SyncModels))).Methods(http.MethodPost)
	router.HandleFunc("/models", h.ListModels).Methods(http.MethodGet)
	router.HandleFunc("/models/{id}", h.GetModel).Methods(http.MethodGet)
	router.Handle("/models/{id}/grants", adminOnly(http.HandlerFunc(h.GrantModel))).Methods(http.MethodPost)

	router.HandleFunc("/providers", h.ListProviders).Methods(http.MethodGet)
	router.HandleFunc("/auth/me", h.Me).Methods(http.MethodGet)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// internalError logs err and answers with a generic 500.
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("Request failed", zap.String("op", op), zap.String("path", r.URL.Path), zap.Error(err))
	respondError(w, http.StatusInternalServerError, "Internal server error")
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

// page reads limit and offset query parameters.
func page(r *http.Request) (limit, offset int, err error) {
	limit, offset = defaultPageSize, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
