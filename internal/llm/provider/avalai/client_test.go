package avalai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
)

func sseServer(t *testing.T, lines ...string) (*httptest.Server, <-chan map[string]any) {
	t.Helper()
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var got map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		bodies <- got
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, bodies
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient("test-key", "", nil)
	require.NoError(t, err)
	c.SetBaseURL(baseURL)
	return c
}

func collectEvents(t *testing.T, s provider.Stream) ([]provider.Event, error) {
	t.Helper()
	var out []provider.Event
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("", "gpt-4o", nil)
	assert.Error(t, err)

	c, err := NewClient("k", "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, c.DefaultModel())
	assert.Equal(t, Name, c.Name())
}

func TestStreamTokensUntilFinishReason(t *testing.T) {
	srv, bodies := sseServer(t,
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: not json`,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"length"}]}`,
		`data: {"choices":[{"delta":{"content":"never"}}]}`,
		`data: [DONE]`,
	)
	c := newTestClient(t, srv.URL)

	s, err := c.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o-mini",
		Params:   map[string]any{"temperature": "0.3", "logit_bias": 1},
	})
	require.NoError(t, err)
	defer s.Close()

	events, err := collectEvents(t, s)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, provider.EventStarted, events[0].Type)
	assert.Equal(t, "Hel", events[1].Delta)
	assert.Equal(t, 0, *events[1].Seq)
	assert.Equal(t, "lo", events[2].Delta)
	assert.Equal(t, 1, *events[2].Seq)
	assert.Equal(t, provider.Done("length"), events[3])

	body := <-bodies
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, 0.3, body["temperature"])
	assert.NotContains(t, body, "logit_bias")
}

func TestStreamDoneMarkerWithoutFinishReason(t *testing.T) {
	srv, _ := sseServer(t,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
	)
	s, err := newTestClient(t, srv.URL).Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	events, err := collectEvents(t, s)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, provider.Done("stop"), events[2])
}

func TestStreamNon200FailsNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	s, err := newTestClient(t, srv.URL).Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, provider.EventStarted, ev.Type)

	_, err = s.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "invalid api key")

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

type countingTransport struct {
	calls atomic.Int32
}

func (t *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

func TestSetTransportKeepsAuthorization(t *testing.T) {
	srv, _ := sseServer(t, `data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`)
	c := newTestClient(t, srv.URL)
	base := &countingTransport{}
	c.SetTransport(base)

	s, err := c.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer s.Close()

	events, err := collectEvents(t, s)
	require.NoError(t, err)
	assert.Equal(t, provider.Done("stop"), events[len(events)-1])
	assert.Equal(t, int32(1), base.calls.Load())
}

func TestGenerateRequiresMessages(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")
	_, err := c.Generate(context.Background(), provider.Request{})
	assert.Error(t, err)
}

func TestCloseUnblocksNext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := newTestClient(t, srv.URL).Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	_, err = s.Next()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Next()
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestModelsClientCachesList(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"id":"gpt-4o-mini","owned_by":"openai","min_tier":0,"pricing":{"input":0.00015},"supports_vision":true},
			{"owned_by":"nobody"},
			{"id":"claude-3-opus","owned_by":"anthropic","min_tier":3}
		]}`))
	}))
	defer srv.Close()

	c := NewModelsClient(srv.URL, time.Minute, nil)
	models, err := c.Fetch(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o-mini", models[0].ID)
	assert.True(t, models[0].SupportsVision)
	assert.InDelta(t, 0.00015, models[0].InputPrice(), 1e-9)
	assert.NotEmpty(t, models[0].Raw)

	_, err = c.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = c.Fetch(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestModelsClientRejectsBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"error"}`))
	}))
	defer srv.Close()

	_, err := NewModelsClient(srv.URL, 0, nil).Fetch(context.Background(), false)
	assert.Error(t, err)
}
