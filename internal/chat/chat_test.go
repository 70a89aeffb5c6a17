package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyamooz/pyamooz-chat/internal/db"
)

type recordingQueue struct {
	mu   sync.Mutex
	ids  []int64
	full bool
}

func (q *recordingQueue) Enqueue(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

type fixedCounter int

func (c fixedCounter) Count(string) int { return int(c) }

func newStore(t *testing.T) *db.SQLStore {
	t.Helper()
	s, err := db.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestQuickTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"first sentence", "Hello there. More text.", "Hello there"},
		{"first line", "Line one\nline two", "Line one"},
		{"question", "What is Go? Tell me.", "What is Go"},
		{"arabic question mark", "سلام؟ خوبی", "سلام"},
		{"collapses whitespace", "  many    spaces\there  ", "many spaces here"},
		{"leading terminator", ".hidden file names", ".hidden file names"},
		{"empty", "", UntitledTitle},
		{"blank", "   \n  ", UntitledTitle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QuickTitle(tt.in))
		})
	}
}

func TestQuickTitleTruncates(t *testing.T) {
	long := strings.Repeat("word ", 30)
	got := QuickTitle(long)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), MaxTitleRunes)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.False(t, strings.HasSuffix(strings.TrimSuffix(got, "…"), " "))

	exact := strings.Repeat("a", MaxTitleRunes)
	assert.Equal(t, exact, QuickTitle(exact))
}

func TestGatewayConversations(t *testing.T) {
	g := NewStoreGateway(newStore(t), nil, nil, nil)
	ctx := context.Background()

	conv, err := g.CreateConversation(ctx, NewConversationV1{Version: SchemaV1, GuestSession: "g1", Title: "Hi"})
	require.NoError(t, err)
	assert.NotZero(t, conv.ID)
	assert.Equal(t, "g1", conv.GuestSession)

	got, err := g.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi", got.Title)

	_, err = g.GetConversation(ctx, 424242)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = g.CreateConversation(ctx, NewConversationV1{Version: 2})
	assert.Error(t, err)
}

func TestGatewayOwnedConversationDropsGuestSession(t *testing.T) {
	g := NewStoreGateway(newStore(t), nil, nil, nil)
	conv, err := g.CreateConversation(context.Background(), NewConversationV1{
		Version: SchemaV1, OwnerID: "u1", GuestSession: "g1",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", conv.OwnerID)
	assert.Empty(t, conv.GuestSession)
}

func TestGatewayCreateMessageFillsTelemetry(t *testing.T) {
	store := newStore(t)
	g := NewStoreGateway(store, nil, fixedCounter(7), nil)
	ctx := context.Background()

	conv, err := g.CreateConversation(ctx, NewConversationV1{Version: SchemaV1, OwnerID: "u"})
	require.NoError(t, err)

	_, err = g.CreateMessage(ctx, NewMessageV1{Version: SchemaV1, ConversationID: conv.ID, Role: RoleUser, Content: "hi"})
	require.NoError(t, err)
	latency := 25
	_, err = g.CreateMessage(ctx, NewMessageV1{
		Version: SchemaV1, ConversationID: conv.ID, Role: RoleAssistant, Content: "echo: hi",
		Provider: "fake", Model: "fake-1", LatencyMS: &latency,
	})
	require.NoError(t, err)

	msgs, err := store.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, StatusDone, msgs[0].Status)
	require.NotNil(t, msgs[0].TokensInput)
	assert.Equal(t, 7, *msgs[0].TokensInput)
	assert.Nil(t, msgs[0].TokensOutput)

	require.NotNil(t, msgs[1].TokensOutput)
	assert.Equal(t, 7, *msgs[1].TokensOutput)
	require.NotNil(t, msgs[1].LatencyMS)
	assert.Equal(t, 25, *msgs[1].LatencyMS)
	assert.Equal(t, "fake", msgs[1].Provider)
	assert.Equal(t, "fake-1", msgs[1].ModelName)

	turns, err := g.History(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []Turn{{RoleUser, "hi"}, {RoleAssistant, "echo: hi"}}, turns)
}

func TestGatewayToleratesSchemaDrift(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, err := store.DB().ExecContext(ctx, `ALTER TABLE messages DROP COLUMN latency_ms`)
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx, `ALTER TABLE messages DROP COLUMN model_name`)
	require.NoError(t, err)

	g := NewStoreGateway(store, nil, nil, nil)
	conv, err := g.CreateConversation(ctx, NewConversationV1{Version: SchemaV1, GuestSession: "g"})
	require.NoError(t, err)

	latency := 10
	_, err = g.CreateMessage(ctx, NewMessageV1{
		Version: SchemaV1, ConversationID: conv.ID, Role: RoleAssistant, Content: "x",
		Model: "m", LatencyMS: &latency,
	})
	require.NoError(t, err)

	n, err := store.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGatewayStoresModelHint(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	g := NewStoreGateway(store, nil, nil, nil)

	conv, err := g.CreateConversation(ctx, NewConversationV1{Version: SchemaV1, GuestSession: "g", ModelHint: "gpt-4o-mini"})
	require.NoError(t, err)

	var model string
	require.NoError(t, store.DB().GetContext(ctx, &model, `SELECT model_name FROM conversations WHERE id = ?`, conv.ID))
	assert.Equal(t, "gpt-4o-mini", model)
}

func TestGatewayModelHintWithoutColumn(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, err := store.DB().ExecContext(ctx, `ALTER TABLE conversations DROP COLUMN model_name`)
	require.NoError(t, err)

	g := NewStoreGateway(store, nil, nil, nil)
	conv, err := g.CreateConversation(ctx, NewConversationV1{Version: SchemaV1, GuestSession: "g", ModelHint: "m"})
	require.NoError(t, err)
	assert.NotZero(t, conv.ID)
}

func TestGatewayEnqueueTitleJob(t *testing.T) {
	q := &recordingQueue{}
	g := NewStoreGateway(newStore(t), q, nil, nil)
	g.EnqueueTitleJob(5)
	q.full = true
	g.EnqueueTitleJob(6)
	assert.Equal(t, []int64{5}, q.ids)

	// No queue configured is a no-op.
	NewStoreGateway(newStore(t), nil, nil, nil).EnqueueTitleJob(1)
}
