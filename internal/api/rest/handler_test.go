package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyamooz/pyamooz-chat/internal/api/middleware"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/catalog"
	"github.com/pyamooz/pyamooz-chat/internal/db"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider/avalai"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider/fake"
)

const secret = "rest-secret"

type staticSource []avalai.RemoteModel

func (s staticSource) Fetch(context.Context, bool) ([]avalai.RemoteModel, error) { return s, nil }

type testEnv struct {
	router *mux.Router
	store  *db.SQLStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	src := staticSource{
		{ID: "gpt-4o-mini", OwnedBy: "openai", SupportsVision: true},
		{ID: "gpt-4", OwnedBy: "openai", MinTier: 2},
	}
	cat := catalog.NewService(store, src, nil, nil)

	reg := provider.NewRegistry(fake.Name)
	reg.Register(fake.Name, func() (provider.Provider, error) { return fake.New(0), nil })

	h := NewHandler(store, cat, reg, nil, nil)
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(auth.Resolver{Mode: auth.ModeOptional, Secret: secret}))
	SetupRoutes(api, h, middleware.RequireAdmin)
	return &testEnv{router: router, store: store}
}

type caller struct {
	token string
	guest string
}

func userCaller(t *testing.T, id, role string) caller {
	t.Helper()
	tok, err := auth.IssueAccessToken(secret, id, id, role, time.Hour)
	require.NoError(t, err)
	return caller{token: tok}
}

func guestCaller(session string) caller { return caller{guest: session} }

func (e *testEnv) do(t *testing.T, c caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.guest != "" {
		req.AddCookie(&http.Cookie{Name: auth.GuestCookie, Value: c.guest})
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) conversation(t *testing.T, owner, guest, title string) int64 {
	t.Helper()
	rec := &db.ConversationRecord{OwnerID: owner, GuestSession: guest, Title: title}
	require.NoError(t, e.store.CreateConversation(context.Background(), rec))
	return rec.ID
}

const (
	guestA = "0b8d0a3e-6f3c-4b7e-9d6a-1f2e3c4d5e6f"
	guestB = "7c1e2d3f-4a5b-4c6d-8e9f-0a1b2c3d4e5f"
)

func TestConversationsAreScopedToCaller(t *testing.T) {
	env := newTestEnv(t)
	mine := env.conversation(t, "", guestA, "mine")
	env.conversation(t, "", guestB, "theirs")
	env.conversation(t, "u-1", "", "user owned")

	rec := env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]db.ConversationRecord](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, mine, list[0].ID)

	rec = env.do(t, userCaller(t, "u-1", ""), http.MethodGet, "/api/v1/conversations", nil)
	list = decode[[]db.ConversationRecord](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "user owned", list[0].Title)

	rec = env.do(t, guestCaller(guestB), http.MethodGet, "/api/v1/conversations/"+itoa(mine), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign conversations look missing")

	rec = env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/conversations/"+itoa(mine), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConversationListEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/conversations?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenameConversation(t *testing.T) {
	env := newTestEnv(t)
	id := env.conversation(t, "", guestA, "old")

	rec := env.do(t, guestCaller(guestA), http.MethodPatch, "/api/v1/conversations/"+itoa(id), map[string]string{"title": "  New   name "})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "New name", decode[db.ConversationRecord](t, rec).Title)

	conv, err := env.store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "New name", conv.Title)

	rec = env.do(t, guestCaller(guestA), http.MethodPatch, "/api/v1/conversations/"+itoa(id), map[string]string{"title": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, guestCaller(guestB), http.MethodPatch, "/api/v1/conversations/"+itoa(id), map[string]string{"title": "hijack"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteConversationAndMessages(t *testing.T) {
	env := newTestEnv(t)
	id := env.conversation(t, "", guestA, "t")
	_, err := env.store.InsertMessage(context.Background(), map[string]any{
		"conversation_id": id, "role": "user", "content": "hello", "status": "done",
	})
	require.NoError(t, err)

	rec := env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/conversations/"+itoa(id)+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]db.MessageRecord](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	rec = env.do(t, guestCaller(guestB), http.MethodDelete, "/api/v1/conversations/"+itoa(id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, guestCaller(guestA), http.MethodDelete, "/api/v1/conversations/"+itoa(id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/conversations/"+itoa(id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModelsByRole(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	models := decode[[]ModelResponse](t, rec)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-4o-mini", models[0].ModelID)
	assert.True(t, models[0].Features.SupportsVision)

	rec = env.do(t, userCaller(t, "admin-1", auth.RoleAdmin), http.MethodGet, "/api/v1/models", nil)
	assert.Len(t, decode[[]ModelResponse](t, rec), 2)

	rec = env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/models/gpt-4", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/models?vision=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrantModel(t *testing.T) {
	env := newTestEnv(t)
	admin := userCaller(t, "admin-1", auth.RoleAdmin)
	user := userCaller(t, "u-7", "")

	// Populate the catalog.
	rec := env.do(t, admin, http.MethodPost, "/api/v1/models/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[catalog.SyncStats](t, rec).Total)

	rec = env.do(t, user, http.MethodPost, "/api/v1/models/gpt-4/grants", map[string]string{"user_id": "u-7"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, admin, http.MethodPost, "/api/v1/models/gpt-4/grants", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, admin, http.MethodPost, "/api/v1/models/nope/grants", map[string]string{"user_id": "u-7"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, admin, http.MethodPost, "/api/v1/models/gpt-4/grants", map[string]string{"user_id": "u-7"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, user, http.MethodGet, "/api/v1/models/gpt-4", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, guestCaller(guestA), http.MethodPost, "/api/v1/models/sync", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProvidersAndMe(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"default":"fake","providers":["fake"]}`, rec.Body.String())

	rec = env.do(t, userCaller(t, "u-1", ""), http.MethodGet, "/api/v1/auth/me", nil)
	me := decode[map[string]any](t, rec)
	assert.Equal(t, true, me["authenticated"])
	assert.Equal(t, "u-1", me["user_id"])

	rec = env.do(t, guestCaller(guestA), http.MethodGet, "/api/v1/auth/me", nil)
	me = decode[map[string]any](t, rec)
	assert.Equal(t, false, me["authenticated"])
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
