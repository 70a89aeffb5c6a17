package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/db"
)

// TokenCounter sizes message content for the tokens_* columns.
type TokenCounter interface {
	Count(text string) int
}

// StoreGateway implements Gateway on a db.Store.
type StoreGateway struct {
	store  db.Store
	titles TitleQueue
	tokens TokenCounter
	logger *zap.Logger

	mu      sync.Mutex
	columns map[string]map[string]bool
}

// NewStoreGateway wires the gateway. titles and tokens may be nil.
func NewStoreGateway(store db.Store, titles TitleQueue, tokens TokenCounter, logger *zap.Logger) *StoreGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreGateway{store: store, titles: titles, tokens: tokens, logger: logger}
}

// SetTitleQueue attaches the title worker after construction; the worker
// itself depends on the store, so the two are built in sequence.
func (g *StoreGateway) SetTitleQueue(q TitleQueue) { g.titles = q }

func (g *StoreGateway) CreateConversation(ctx context.Context, c NewConversationV1) (*Conversation, error) {
	if c.Version != SchemaV1 {
		return nil, fmt.Errorf("unsupported conversation shape version %d", c.Version)
	}
	rec := &db.ConversationRecord{OwnerID: c.OwnerID, Title: c.Title}
	if c.OwnerID == "" {
		rec.GuestSession = c.GuestSession
	}
	if c.ModelHint != "" {
		cols, err := g.probe(ctx, "conversations")
		if err != nil {
			return nil, err
		}
		if cols["model_name"] {
			rec.ModelName = c.ModelHint
		}
	}
	if err := g.store.CreateConversation(ctx, rec); err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

func (g *StoreGateway) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	rec, err := g.store.GetConversation(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

func (g *StoreGateway) CreateMessage(ctx context.Context, m NewMessageV1) (int64, error) {
	if m.Version != SchemaV1 {
		return 0, fmt.Errorf("unsupported message shape version %d", m.Version)
	}
	cols, err := g.probe(ctx, "messages")
	if err != nil {
		return 0, err
	}

	fields := map[string]any{
		"conversation_id": m.ConversationID,
		"role":            m.Role,
		"content":         m.Content,
	}
	optional := func(col string, v any) {
		if cols[col] {
			fields[col] = v
		}
	}
	status := m.Status
	if status == "" {
		status = StatusDone
	}
	optional("status", status)
	if m.Provider != "" {
		optional("provider", m.Provider)
	}
	if m.Model != "" {
		optional("model_name", m.Model)
	}
	tokensIn, tokensOut := m.TokensInput, m.TokensOutput
	if g.tokens != nil {
		n := g.tokens.Count(m.Content)
		switch {
		case m.Role == RoleUser && tokensIn == nil:
			tokensIn = &n
		case m.Role == RoleAssistant && tokensOut == nil:
			tokensOut = &n
		}
	}
	if tokensIn != nil {
		optional("tokens_input", *tokensIn)
	}
	if tokensOut != nil {
		optional("tokens_output", *tokensOut)
	}
	if m.LatencyMS != nil {
		optional("latency_ms", *m.LatencyMS)
	}
	return g.store.InsertMessage(ctx, fields)
}

func (g *StoreGateway) History(ctx context.Context, conversationID int64, limit int) ([]Turn, error) {
	recs, err := g.store.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Turn, 0, len(recs))
	for _, r := range recs {
		out = append(out, Turn{Role: r.Role, Content: r.Content})
	}
	return out, nil
}

func (g *StoreGateway) EnqueueTitleJob(conversationID int64) {
	if g.titles == nil {
		return
	}
	if !g.titles.Enqueue(conversationID) {
		g.logger.Warn("title queue full, job dropped", zap.Int64("conversation_id", conversationID))
	}
}

// probe loads the column set of table once. A failed probe is retried on
// the next call.
func (g *StoreGateway) probe(ctx context.Context, table string) (map[string]bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cols, ok := g.columns[table]; ok {
		return cols, nil
	}
	cols, err := g.store.TableColumns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("probe %s columns: %w", table, err)
	}
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c] = true
	}
	if g.columns == nil {
		g.columns = make(map[string]map[string]bool)
	}
	g.columns[table] = set
	g.logger.Debug("probed table columns", zap.String("table", table), zap.Strings("columns", cols))
	return set, nil
}

func fromRecord(rec *db.ConversationRecord) *Conversation {
	return &Conversation{
		ID:           rec.ID,
		OwnerID:      rec.OwnerID,
		GuestSession: rec.GuestSession,
		Title:        rec.Title,
	}
}
