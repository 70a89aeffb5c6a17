package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stores returns the SQLite store plus a PostgreSQL one when
// PYAMOOZ_TEST_POSTGRES_DSN points at a disposable database.
func stores(t *testing.T) map[string]*SQLStore {
	t.Helper()
	out := map[string]*SQLStore{"sqlite": newTestStore(t)}
	if dsn := os.Getenv("PYAMOOZ_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStore(context.Background(), dsn)
		require.NoError(t, err)
		for _, table := range []string{"user_model_permissions", "ai_models", "messages", "conversations"} {
			_, err := pg.DB().Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = pg.Close() })
		out["postgres"] = pg
	}
	return out
}

// ─── Schema ───────────────────────────────────────────────────────────────────

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	require.NoError(t, s.migrate(ctx))
	v2, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestTableColumns(t *testing.T) {
	s := newTestStore(t)
	cols, err := s.TableColumns(context.Background(), "messages")
	require.NoError(t, err)
	assert.Contains(t, cols, "latency_ms")
	assert.Contains(t, cols, "model_name")

	cols, err = s.TableColumns(context.Background(), "conversations")
	require.NoError(t, err)
	assert.Contains(t, cols, "model_name")

	_, err = s.TableColumns(context.Background(), "messages; DROP TABLE messages")
	assert.Error(t, err)
}

// ─── Conversations ────────────────────────────────────────────────────────────

func TestConversationCRUD(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			owned := &ConversationRecord{OwnerID: "u1", Title: "Hello there"}
			require.NoError(t, s.CreateConversation(ctx, owned))
			assert.NotZero(t, owned.ID)
			assert.False(t, owned.CreatedAt.IsZero())

			guest := &ConversationRecord{GuestSession: "g1", Title: ""}
			require.NoError(t, s.CreateConversation(ctx, guest))

			got, err := s.GetConversation(ctx, owned.ID)
			require.NoError(t, err)
			assert.Equal(t, "u1", got.OwnerID)
			assert.Equal(t, "", got.GuestSession)
			assert.Equal(t, "Hello there", got.Title)

			got, err = s.GetConversation(ctx, guest.ID)
			require.NoError(t, err)
			assert.Equal(t, "", got.OwnerID)
			assert.Equal(t, "g1", got.GuestSession)

			_, err = s.GetConversation(ctx, 999999)
			assert.True(t, errors.Is(err, ErrNotFound))

			list, err := s.ListConversations(ctx, "u1", "", 10, 0)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, owned.ID, list[0].ID)

			list, err = s.ListConversations(ctx, "", "g1", 10, 0)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, guest.ID, list[0].ID)

			require.NoError(t, s.RenameConversation(ctx, owned.ID, "Renamed"))
			assert.ErrorIs(t, s.RenameConversation(ctx, 999999, "x"), ErrNotFound)

			require.NoError(t, s.DeleteConversation(ctx, owned.ID))
			_, err = s.GetConversation(ctx, owned.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.DeleteConversation(ctx, owned.ID), ErrNotFound)
		})
	}
}

func TestUpdateTitleIf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ConversationRecord{OwnerID: "u1", Title: "quick"}
	require.NoError(t, s.CreateConversation(ctx, rec))

	ok, err := s.UpdateTitleIf(ctx, rec.ID, "quick", "Smart title")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second writer still expecting the quick title loses.
	ok, err = s.UpdateTitleIf(ctx, rec.ID, "quick", "Other title")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetConversation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Smart title", got.Title)
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &ConversationRecord{OwnerID: "u1", Title: "first"}
	second := &ConversationRecord{OwnerID: "u1", Title: "second"}
	require.NoError(t, s.CreateConversation(ctx, first))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.CreateConversation(ctx, second))
	time.Sleep(5 * time.Millisecond)

	_, err := s.InsertMessage(ctx, map[string]any{"conversation_id": first.ID, "role": "user", "content": "bump"})
	require.NoError(t, err)

	list, err := s.ListConversations(ctx, "u1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func TestMessages(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := &ConversationRecord{GuestSession: "g"}
			require.NoError(t, s.CreateConversation(ctx, conv))

			tokens, latency := 12, 340
			_, err := s.InsertMessage(ctx, map[string]any{
				"conversation_id": conv.ID, "role": "user", "content": "hi", "status": "done",
			})
			require.NoError(t, err)
			id, err := s.InsertMessage(ctx, map[string]any{
				"conversation_id": conv.ID, "role": "assistant", "content": "echo: hi", "status": "done",
				"provider": "fake", "model_name": "fake-1", "tokens_output": tokens, "latency_ms": latency,
			})
			require.NoError(t, err)
			assert.NotZero(t, id)
			_, err = s.InsertMessage(ctx, map[string]any{
				"conversation_id": conv.ID, "role": "system", "content": "note",
			})
			require.NoError(t, err)

			msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "user", msgs[0].Role)
			assert.Nil(t, msgs[0].LatencyMS)
			require.NotNil(t, msgs[1].LatencyMS)
			assert.Equal(t, 340, *msgs[1].LatencyMS)
			assert.Equal(t, "fake-1", msgs[1].ModelName)

			n, err := s.CountMessages(ctx, conv.ID, "user", "assistant")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			n, err = s.CountMessages(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			recent, err := s.RecentMessages(ctx, conv.ID, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "assistant", recent[0].Role)
			assert.Equal(t, "system", recent[1].Role)

			first, err := s.FirstMessage(ctx, conv.ID, "user")
			require.NoError(t, err)
			assert.Equal(t, "hi", first.Content)

			_, err = s.FirstMessage(ctx, conv.ID, "nobody")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestInsertMessageRejectsUnknownColumns(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertMessage(context.Background(), map[string]any{
		"conversation_id": 1, "role": "user", "content": "x", "evil; --": 1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown column")

	_, err = s.InsertMessage(context.Background(), map[string]any{"role": "user"})
	assert.Error(t, err)
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := &ConversationRecord{OwnerID: "u"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	_, err := s.InsertMessage(ctx, map[string]any{"conversation_id": conv.ID, "role": "user", "content": "x"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))
	n, err := s.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

func TestModelCatalog(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, err := s.UpsertModel(ctx, &ModelRecord{
				ModelID: "gpt-4o-mini", DisplayName: "GPT 4o Mini", Provider: "openai", Tier: "free", IsActive: true,
				Capabilities: types.JSONText(`{"vision":true}`),
			})
			require.NoError(t, err)
			assert.True(t, created)

			created, err = s.UpsertModel(ctx, &ModelRecord{
				ModelID: "gpt-4o-mini", DisplayName: "GPT 4o Mini", Provider: "openai", Tier: "basic", IsActive: true,
			})
			require.NoError(t, err)
			assert.False(t, created)

			_, err = s.UpsertModel(ctx, &ModelRecord{ModelID: "gpt-4", DisplayName: "GPT 4", Provider: "openai", Tier: "premium", IsActive: true})
			require.NoError(t, err)
			_, err = s.UpsertModel(ctx, &ModelRecord{ModelID: "claude-3", DisplayName: "CLAUDE 3", Provider: "anthropic", Tier: "enterprise", IsActive: true})
			require.NoError(t, err)

			m, err := s.GetModel(ctx, "gpt-4o-mini")
			require.NoError(t, err)
			assert.Equal(t, "basic", m.Tier)
			assert.JSONEq(t, `{}`, string(m.Capabilities), "update replaces capabilities")

			n, err := s.DeactivateModelsExcept(ctx, "openai", []string{"gpt-4o-mini"})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			active, err := s.ListModels(ctx, ModelFilter{ActiveOnly: true})
			require.NoError(t, err)
			assert.Len(t, active, 2)

			basic, err := s.ListModels(ctx, ModelFilter{Tiers: []string{"basic", "free"}})
			require.NoError(t, err)
			require.Len(t, basic, 1)
			assert.Equal(t, "gpt-4o-mini", basic[0].ModelID)

			none, err := s.ListModels(ctx, ModelFilter{Tiers: []string{}})
			require.NoError(t, err)
			assert.Empty(t, none)

			count, err := s.CountModels(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, count)

			_, err = s.GetModel(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestModelGrants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertModel(ctx, &ModelRecord{ModelID: "gpt-4", DisplayName: "GPT 4", Provider: "openai", Tier: "premium", IsActive: true})
	require.NoError(t, err)
	_, err = s.UpsertModel(ctx, &ModelRecord{ModelID: "o1", DisplayName: "O1", Provider: "openai", Tier: "enterprise", IsActive: true})
	require.NoError(t, err)

	require.NoError(t, s.GrantModel(ctx, &PermissionRecord{UserID: "u1", ModelID: "gpt-4", GrantedBy: "admin", IsActive: true}))
	past := Timestamp{time.Now().Add(-time.Hour).UTC()}
	require.NoError(t, s.GrantModel(ctx, &PermissionRecord{UserID: "u1", ModelID: "o1", IsActive: true, ExpiresAt: &past}))

	ids, err := s.GrantedModelIDs(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4"}, ids)

	// Re-granting refreshes the expiry instead of failing on the unique key.
	future := Timestamp{time.Now().Add(time.Hour).UTC()}
	require.NoError(t, s.GrantModel(ctx, &PermissionRecord{UserID: "u1", ModelID: "o1", IsActive: true, ExpiresAt: &future}))
	ids, err = s.GrantedModelIDs(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4", "o1"}, ids)

	assert.ErrorIs(t, s.GrantModel(ctx, &PermissionRecord{UserID: "u1", ModelID: "nope"}), ErrNotFound)
}

func TestTimestampScan(t *testing.T) {
	var ts Timestamp
	require.NoError(t, ts.Scan("2025-03-01 10:20:30.5+00:00"))
	assert.Equal(t, 2025, ts.Year())
	require.NoError(t, ts.Scan([]byte("2025-03-01T10:20:30Z")))
	assert.Equal(t, 20, ts.Minute())
	require.NoError(t, ts.Scan(nil))
	assert.True(t, ts.IsZero())
	assert.Error(t, ts.Scan("yesterday"))
	assert.Error(t, ts.Scan(3.14))
}
