package avalai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// DefaultModelsURL is the public, unauthenticated model list.
const DefaultModelsURL = "https://api.avalai.ir/public/models"

const modelsCacheKey = "models"

// RemoteModel is one entry of the public model list. Raw keeps the full
// JSON object for the catalog's metadata column.
type RemoteModel struct {
	ID                      string             `json:"id"`
	OwnedBy                 string             `json:"owned_by"`
	MinTier                 float64            `json:"min_tier"`
	Pricing                 map[string]any     `json:"pricing"`
	MaxTokens               int                `json:"max_tokens"`
	MaxInputTokens          int                `json:"max_input_tokens"`
	MaxOutputTokens         int                `json:"max_output_tokens"`
	MaxRequestsPerMinute    int                `json:"max_requests_per_1_minute"`
	MaxTokensPerMinute      int                `json:"max_tokens_per_1_minute"`
	SupportsVision          bool               `json:"supports_vision"`
	SupportsFunctionCalling bool               `json:"supports_function_calling"`
	SupportsToolChoice      bool               `json:"supports_tool_choice"`
	SupportsResponseSchema  bool               `json:"supports_response_schema"`

	Raw json.RawMessage `json:"-"`
}

// InputPrice returns pricing.input, or 0 when absent or not a number.
func (m RemoteModel) InputPrice() float64 {
	v, _ := m.Pricing["input"].(float64)
	return v
}

type modelList struct {
	Object string            `json:"object"`
	Data   []json.RawMessage `json:"data"`
}

// ModelsClient fetches the model list, caching it for a TTL.
type ModelsClient struct {
	url        string
	httpClient *http.Client
	cache      *expirable.LRU[string, []RemoteModel]
	logger     *zap.Logger
}

// NewModelsClient returns a client caching results for ttl. A ttl of zero
// disables caching.
func NewModelsClient(url string, ttl time.Duration, logger *zap.Logger) *ModelsClient {
	if url == "" {
		url = DefaultModelsURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ModelsClient{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("avalai_models"),
	}
	if ttl > 0 {
		c.cache = expirable.NewLRU[string, []RemoteModel](1, nil, ttl)
	}
	return c
}

// SetHTTPClient replaces the transport.
func (c *ModelsClient) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// Fetch returns the model list, from cache unless force is set.
func (c *ModelsClient) Fetch(ctx context.Context, force bool) ([]RemoteModel, error) {
	if c.cache != nil && !force {
		if models, ok := c.cache.Get(modelsCacheKey); ok {
			c.logger.Debug("models loaded from cache", zap.Int("count", len(models)))
			return models, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pyamooz-chat/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("fetch models: status %d: %s", resp.StatusCode, string(body))
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	if list.Object != "list" {
		return nil, fmt.Errorf("decode models: unexpected object %q", list.Object)
	}

	models := make([]RemoteModel, 0, len(list.Data))
	for _, raw := range list.Data {
		var m RemoteModel
		if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" {
			c.logger.Warn("skipping malformed model entry", zap.ByteString("entry", raw))
			continue
		}
		m.Raw = raw
		models = append(models, m)
	}

	if c.cache != nil {
		c.cache.Add(modelsCacheKey, models)
	}
	c.logger.Info("fetched models", zap.Int("count", len(models)))
	return models, nil
}

// Purge drops the cached list.
func (c *ModelsClient) Purge() {
	if c.cache != nil {
		c.cache.Purge()
	}
}
