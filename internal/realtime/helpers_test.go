package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/chat"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider/fake"
)

const waitFor = 3 * time.Second

// recordingSink collects events in order.
type recordingSink struct {
	events chan Event
	fail   atomic.Bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan Event, 512)}
}

func (s *recordingSink) Send(e Event) error {
	if s.fail.Load() {
		return errors.New("sink closed")
	}
	s.events <- e
	return nil
}

func (s *recordingSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// until reads events up to and including the first one of a type in types.
func (s *recordingSink) until(t *testing.T, types ...string) []Event {
	t.Helper()
	var out []Event
	for {
		e := s.next(t)
		out = append(out, e)
		for _, typ := range types {
			if e.Type == typ {
				return out
			}
		}
	}
}

func (s *recordingSink) empty(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-s.events:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(d):
	}
}

func guestSession(sink Sink) *Session {
	return NewSession("s-1", auth.Guest("guest-1"), "127.0.0.1", sink)
}

// memGateway is an in-memory chat.Gateway that counts writes.
type memGateway struct {
	mu        sync.Mutex
	nextID    int64
	convs     map[int64]*chat.Conversation
	messages  []chat.NewMessageV1
	titleJobs []int64
	calls     int

	createErr  error
	messageErr error
}

func newMemGateway() *memGateway {
	return &memGateway{convs: make(map[int64]*chat.Conversation)}
}

func (g *memGateway) CreateConversation(_ context.Context, c chat.NewConversationV1) (*chat.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.nextID++
	conv := &chat.Conversation{ID: g.nextID, OwnerID: c.OwnerID, GuestSession: c.GuestSession, Title: c.Title}
	if conv.OwnerID != "" {
		conv.GuestSession = ""
	}
	g.convs[conv.ID] = conv
	return conv, nil
}

func (g *memGateway) GetConversation(_ context.Context, id int64) (*chat.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	conv, ok := g.convs[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (g *memGateway) CreateMessage(_ context.Context, m chat.NewMessageV1) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.messageErr != nil {
		return 0, g.messageErr
	}
	g.messages = append(g.messages, m)
	return int64(len(g.messages)), nil
}

func (g *memGateway) History(_ context.Context, id int64, limit int) ([]chat.Turn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var turns []chat.Turn
	for _, m := range g.messages {
		if m.ConversationID == id {
			turns = append(turns, chat.Turn{Role: m.Role, Content: m.Content})
		}
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (g *memGateway) EnqueueTitleJob(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.titleJobs = append(g.titleJobs, id)
}

func (g *memGateway) writes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *memGateway) saved(role string) []chat.NewMessageV1 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []chat.NewMessageV1
	for _, m := range g.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func (g *memGateway) jobs() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.titleJobs...)
}

// providerMap resolves from a fixed set, "" meaning fake.
type providerMap map[string]provider.Provider

func (m providerMap) Resolve(name string) (provider.Provider, error) {
	if name == "" {
		name = fake.Name
	}
	p, ok := m[name]
	if !ok {
		return nil, provider.ErrUnknownProvider
	}
	return p, nil
}

// scriptedProvider replays fixed events.
type scriptedProvider struct {
	name    string
	events  []provider.Event
	err     error // returned by Next after events
	genErr  error
	streams chan *trackedStream

	genPanic  any // Generate panics with this
	nextPanic any // Next panics with this after events
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return "scripted-1" }

func (p *scriptedProvider) Generate(context.Context, provider.Request) (provider.Stream, error) {
	if p.genPanic != nil {
		panic(p.genPanic)
	}
	if p.genErr != nil {
		return nil, p.genErr
	}
	s := &trackedStream{events: p.events, err: p.err, panic: p.nextPanic}
	if p.streams != nil {
		p.streams <- s
	}
	return s, nil
}

type trackedStream struct {
	events []provider.Event
	err    error
	panic  any
	pos    int
	closed atomic.Bool
}

func (s *trackedStream) Next() (provider.Event, error) {
	if s.pos >= len(s.events) {
		if s.panic != nil {
			panic(s.panic)
		}
		if s.err != nil {
			return provider.Event{}, s.err
		}
		return provider.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *trackedStream) Close() error {
	s.closed.Store(true)
	return nil
}

func newHandler(t *testing.T, gw chat.Gateway, providers ProviderResolver, timeout time.Duration) *MessageHandler {
	t.Helper()
	require.NotNil(t, gw)
	return NewMessageHandler(HandlerConfig{StreamTimeout: timeout, MaxPromptChars: 100, HistoryLimit: 10}, gw, providers, nil, nil)
}
