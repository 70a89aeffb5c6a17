// Package provider defines the LLM backend capability consumed by the
// realtime core and the title worker.
//
// A Provider turns a list of role/content messages into a Stream of events:
// an optional "started", zero or more "token" events, and a terminal "done"
// or "error". Streams are pull based; Next blocks until the next event is
// available and returns io.EOF once the stream is exhausted.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Event types.
const (
	EventStarted = "started"
	EventToken   = "token"
	EventDone    = "done"
	EventError   = "error"
)

// Message is one role/content pair sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation request.
type Request struct {
	Messages []Message
	Model    string
	Params   map[string]any
	Stream   bool
}

// Event is one item of a provider stream.
type Event struct {
	Type         string `json:"type"`
	Delta        string `json:"delta,omitempty"`
	Seq          *int   `json:"seq,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
}

// Stream is a lazy, finite, non-restartable sequence of events.
type Stream interface {
	// Next blocks for the next event. It returns io.EOF when exhausted.
	Next() (Event, error)
	// Close releases the underlying resources. It is safe to call twice.
	// Callers do not call Close while a Next is still running.
	Close() error
}

// Provider is a pluggable LLM backend.
type Provider interface {
	Name() string
	DefaultModel() string
	Generate(ctx context.Context, req Request) (Stream, error)
}

// Token builds a token event with a sequence number.
func Token(delta string, seq int) Event {
	return Event{Type: EventToken, Delta: delta, Seq: &seq}
}

// Done builds a terminal done event.
func Done(reason string) Event {
	return Event{Type: EventDone, FinishReason: reason}
}

// Collect drains a stream into a single string. It stops at the first done
// event and turns a provider error event into an error.
func Collect(ctx context.Context, s Stream) (string, error) {
	defer s.Close()

	var b strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
		switch ev.Type {
		case EventToken:
			b.WriteString(ev.Delta)
		case EventDone:
			return b.String(), nil
		case EventError:
			return "", fmt.Errorf("provider error: %s", ev.Error)
		}
	}
}

// SliceStream replays a fixed list of events. Useful for tests and for
// providers that produce their whole answer up front.
type SliceStream struct {
	Events []Event
	Err    error // returned after Events, instead of io.EOF, when set
	closed bool
	pos    int
}

func (s *SliceStream) Next() (Event, error) {
	if s.closed {
		return Event{}, io.EOF
	}
	if s.pos >= len(s.Events) {
		if s.Err != nil {
			return Event{}, s.Err
		}
		return Event{}, io.EOF
	}
	ev := s.Events[s.pos]
	s.pos++
	return ev, nil
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool { return s.closed }
