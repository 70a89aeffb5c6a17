// Package avalai implements the AvalAI provider, an OpenAI-compatible chat
// completions API, plus a client for its public model list.
package avalai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
)

const (
	Name            = "avalai"
	DefaultBaseURL  = "https://api.avalai.ir/v1"
	DefaultModel    = "gpt-4o-mini"
	DefaultTimeout  = 300 * time.Second
	maxSSELineBytes = 1 << 20
)

// SupportedModels lists the chat models this provider is known to serve.
var SupportedModels = []string{"gpt-4o-mini", "gpt-4o", "gpt-4", "gpt-3.5-turbo"}

// Client implements provider.Provider for AvalAI.
type Client struct {
	token      oauth2.TokenSource
	model      string
	baseURL    string
	httpClient *http.Client
	params     *provider.ParameterHandler
	logger     *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates an AvalAI client. The API key is required.
func NewClient(apiKey, model string, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("AVALAI_API_KEY is not set")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		// The API key is a static bearer token.
		token:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"}),
		model:   model,
		baseURL: DefaultBaseURL,
		params:  provider.NewParameterHandler(Name),
		logger:  logger.Named(Name),
	}
	c.SetTransport(nil)
	return c, nil
}

// SetBaseURL overrides the API base URL. Used in tests and for proxies.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

// SetTransport sets the round tripper under the authorizing transport, for
// example an otelhttp one. nil means http.DefaultTransport.
func (c *Client) SetTransport(base http.RoundTripper) {
	c.httpClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: &oauth2.Transport{Source: c.token, Base: base},
	}
}

func (c *Client) Name() string         { return Name }
func (c *Client) DefaultModel() string { return c.model }

// Generate prepares the request. Nothing is sent until the first Next call
// after the started event, so construction never blocks on the network.
func (c *Client) Generate(ctx context.Context, req provider.Request) (provider.Stream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	payload := c.params.Normalize(model, req.Params)
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	payload["model"] = model
	payload["messages"] = msgs
	payload["stream"] = true

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint, err := url.JoinPath(c.baseURL, "chat/completions")
	if err != nil {
		return nil, fmt.Errorf("join url path: %w", err)
	}
	c.logger.Debug("prepared chat completion", zap.String("model", model), zap.Int("messages", len(msgs)))
	return &sseStream{ctx: ctx, client: c, endpoint: endpoint, body: body}, nil
}

type sseStream struct {
	ctx      context.Context
	client   *Client
	endpoint string
	body     []byte

	// resp and closed are touched by Close, which may run while Next is
	// blocked reading the body.
	resp   atomic.Pointer[http.Response]
	closed atomic.Bool

	mu      sync.Mutex
	started bool
	scanner *bufio.Scanner
	pending []provider.Event
	seq     int
	done    bool
}

func (s *sseStream) Next() (provider.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.done || s.closed.Load() {
		return provider.Event{}, io.EOF
	}
	if !s.started {
		s.started = true
		return provider.Event{Type: provider.EventStarted}, nil
	}
	if s.scanner == nil {
		if err := s.open(); err != nil {
			s.done = true
			return provider.Event{}, err
		}
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return provider.Done("stop"), nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.client.logger.Debug("skipping undecodable stream line", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, provider.Token(choice.Delta.Content, s.seq))
			s.seq++
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			s.pending = append(s.pending, provider.Done(*choice.FinishReason))
			s.done = true
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return provider.Event{}, fmt.Errorf("read stream: %w", err)
	}
	return provider.Done("stop"), nil
}

func (s *sseStream) open() error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.endpoint, bytes.NewReader(s.body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
			msg = ae.Error.Message
		}
		s.client.logger.Warn("chat completion rejected", zap.Int("status", resp.StatusCode), zap.String("error", msg))
		return fmt.Errorf("AvalAI API error (status %d): %s", resp.StatusCode, msg)
	}

	s.resp.Store(resp)
	if s.closed.Load() {
		resp.Body.Close()
		return errors.New("stream closed")
	}
	s.scanner = bufio.NewScanner(resp.Body)
	s.scanner.Buffer(make([]byte, 64<<10), maxSSELineBytes)
	return nil
}

// Close releases the HTTP response. It may be called while Next is blocked;
// closing the body unblocks the read.
func (s *sseStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if resp := s.resp.Load(); resp != nil {
		return resp.Body.Close()
	}
	return nil
}
