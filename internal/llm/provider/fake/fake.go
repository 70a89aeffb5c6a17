// Package fake is an offline provider that echoes the last user message back
// word by word. It needs no credentials and is the default in development.
package fake

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
)

const (
	Name         = "fake"
	DefaultModel = "fake-1"
)

// Provider echoes prompts. Delay, when set, is waited before each token.
type Provider struct {
	Delay time.Duration
}

// New returns a fake provider with the given per-token delay.
func New(delay time.Duration) *Provider {
	return &Provider{Delay: delay}
}

func (p *Provider) Name() string         { return Name }
func (p *Provider) DefaultModel() string { return DefaultModel }

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Stream, error) {
	prompt := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content
			break
		}
	}
	text := strings.TrimSpace("echo: " + prompt)

	words := strings.Split(text, " ")
	events := make([]provider.Event, 0, len(words)+2)
	events = append(events, provider.Event{Type: provider.EventStarted})
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		events = append(events, provider.Token(w, i))
	}
	events = append(events, provider.Done("stop"))

	return &stream{ctx: ctx, events: events, delay: p.Delay}, nil
}

type stream struct {
	ctx    context.Context
	events []provider.Event
	pos    int
	delay  time.Duration
	closed atomic.Bool
}

func (s *stream) Next() (provider.Event, error) {
	if s.closed.Load() || s.pos >= len(s.events) {
		return provider.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	if ev.Type == provider.EventToken && s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return provider.Event{}, s.ctx.Err()
		case <-t.C:
		}
	}
	s.pos++
	return ev, nil
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}
