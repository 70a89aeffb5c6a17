package titles

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/chat"
	"github.com/pyamooz/pyamooz-chat/internal/db"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
)

type titleProvider struct {
	reply string
	err   error
	mu    sync.Mutex
	calls int
}

func (p *titleProvider) Name() string         { return "stub" }
func (p *titleProvider) DefaultModel() string { return "stub-1" }
func (p *titleProvider) Generate(ctx context.Context, req provider.Request) (provider.Stream, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &provider.SliceStream{Events: []provider.Event{
		{Type: provider.EventStarted},
		provider.Token(p.reply, 0),
		provider.Done("stop"),
	}}, nil
}

type registry struct{ p provider.Provider }

func (r registry) Resolve(string) (provider.Provider, error) { return r.p, nil }

type notification struct {
	owner auth.Identity
	id    int64
	title string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) TitleUpdated(owner auth.Identity, id int64, title string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{owner, id, title})
}

func setup(t *testing.T, reply string) (*Worker, *db.SQLStore, *titleProvider, *recordingNotifier) {
	t.Helper()
	store, err := db.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := &titleProvider{reply: reply}
	n := &recordingNotifier{}
	w := NewWorker(Config{Workers: 2, QueueSize: 4, Timeout: time.Second}, store, registry{p}, n, nil, nil)
	return w, store, p, n
}

func seed(t *testing.T, store *db.SQLStore, title string, turns ...string) int64 {
	t.Helper()
	ctx := context.Background()
	conv := &db.ConversationRecord{OwnerID: "u1", Title: title}
	require.NoError(t, store.CreateConversation(ctx, conv))
	for i, content := range turns {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		_, err := store.InsertMessage(ctx, map[string]any{"conversation_id": conv.ID, "role": role, "content": content})
		require.NoError(t, err)
	}
	return conv.ID
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"Go Concurrency Basics."`, "Go Concurrency Basics"},
		{"'Quoted' ", "Quoted"},
		{"آموزش زبان گو؟", "آموزش زبان گو"},
		{"Title with trailing dash —", "Title with trailing dash"},
		{"one two three four five six seven eight nine", "one two three four five six seven"},
		{"zero\u200cwidth\u200f marks", "zerowidth marks"},
		{"   ", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanTitle(tt.in), "input %q", tt.in)
	}
}

func TestOverwritable(t *testing.T) {
	assert.True(t, overwritable("", "Hello"))
	assert.True(t, overwritable("Hello  there", "Hello there"))
	assert.True(t, overwritable("Untitled Chat", "x"))
	assert.True(t, overwritable("بدون عنوان", "x"))
	assert.False(t, overwritable("My renamed chat", "Hello there"))
}

func TestProcessUpdatesQuickTitle(t *testing.T) {
	w, store, _, n := setup(t, `"Greeting Exchange."`)
	id := seed(t, store, "Hello there", "Hello there. How are you?", "echo: Hello there")

	res, err := w.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, res)

	conv, err := store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Greeting Exchange", conv.Title)

	require.Len(t, n.sent, 1)
	assert.Equal(t, "user:u1", n.sent[0].owner.Key())
	assert.Equal(t, id, n.sent[0].id)
	assert.Equal(t, "Greeting Exchange", n.sent[0].title)
}

func TestProcessKeepsEditedTitle(t *testing.T) {
	w, store, p, n := setup(t, "Whatever")
	id := seed(t, store, "Renamed by user", "Hello there", "echo")

	res, err := w.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
	assert.Zero(t, p.calls)
	assert.Empty(t, n.sent)
}

func TestProcessSkipsIneligibleCounts(t *testing.T) {
	w, store, p, _ := setup(t, "Title")
	id := seed(t, store, "", "a", "b", "c")

	res, err := w.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
	assert.Zero(t, p.calls)

	res, err = w.Process(context.Background(), 999)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
}

func TestProcessFallsBackWhenProviderFails(t *testing.T) {
	w, store, p, _ := setup(t, "")
	p.err = errors.New("upstream down")
	id := seed(t, store, "", "What is a goroutine? Explain.", "answer")

	res, err := w.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, res)

	conv, err := store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "What is a goroutine", conv.Title)
}

func TestProcessUsesFinalFallback(t *testing.T) {
	w, store, _, _ := setup(t, "!!!")
	id := seed(t, store, "untitled")
	_, err := store.InsertMessage(context.Background(), map[string]any{"conversation_id": id, "role": chat.RoleAssistant, "content": "hi"})
	require.NoError(t, err)

	res, err := w.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, res)

	conv, err := store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, FallbackTitle, conv.Title)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := NewWorker(Config{QueueSize: 1}, nil, nil, nil, nil, nil)
	assert.True(t, w.Enqueue(1))
	assert.False(t, w.Enqueue(2))
}

func TestRunDrainsQueue(t *testing.T) {
	w, store, _, n := setup(t, "Background Title")
	id := seed(t, store, "", "first question", "first answer")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.True(t, w.Enqueue(id))
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
