package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/audit"
	"github.com/pyamooz/pyamooz-chat/internal/chat"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

const (
	DefaultStreamTimeout = 120 * time.Second
	DefaultHistoryLimit  = 20
)

// ProviderResolver returns the provider for a name; "" selects the default.
type ProviderResolver interface {
	Resolve(name string) (provider.Provider, error)
}

// HandlerConfig tunes MessageHandler.
type HandlerConfig struct {
	StreamTimeout  time.Duration
	MaxPromptChars int
	// HistoryLimit is how many earlier turns of an existing conversation
	// are sent along with the new message.
	HistoryLimit int
}

// MessageHandler resolves the conversation, saves the user message and
// drives the bridge for one chat request.
type MessageHandler struct {
	gateway   chat.Gateway
	providers ProviderResolver
	bridge    *Bridge
	audit     audit.Logger
	logger    *zap.Logger

	timeout        atomic.Int64
	maxPromptChars int
	historyLimit   int
}

// NewMessageHandler wires a handler.
func NewMessageHandler(cfg HandlerConfig, gateway chat.Gateway, providers ProviderResolver, auditLog audit.Logger, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	h := &MessageHandler{
		gateway:        gateway,
		providers:      providers,
		bridge:         NewBridge(gateway, logger),
		audit:          auditLog,
		logger:         logger,
		maxPromptChars: cfg.MaxPromptChars,
		historyLimit:   cfg.HistoryLimit,
	}
	h.SetStreamTimeout(cfg.StreamTimeout)
	return h
}

// SetStreamTimeout changes the per-request deadline; safe during traffic.
func (h *MessageHandler) SetStreamTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultStreamTimeout
	}
	h.timeout.Store(int64(d))
}

// StreamTimeout returns the current per-request deadline.
func (h *MessageHandler) StreamTimeout() time.Duration {
	return time.Duration(h.timeout.Load())
}

// Handle implements Handler.
func (h *MessageHandler) Handle(ctx context.Context, s *Session, req ChatRequest) {
	log := h.logger.With(zap.String("session_id", s.ID), zap.Uint64("request", req.Seq))

	content := strings.TrimSpace(req.Content)
	model := strings.TrimSpace(req.Model)
	// Cancelled while still queued: nothing is created or saved.
	if ctx.Err() != nil {
		h.fail(ctx, s, log, nil, "", model, 0, context.Cause(ctx))
		return
	}
	if err := h.validate(content, model); err != nil {
		h.fail(ctx, s, log, nil, "", model, 0, err)
		return
	}
	if req.Invalid != nil {
		h.fail(ctx, s, log, nil, "", model, 0, req.Invalid)
		return
	}

	p, err := h.providers.Resolve(req.Provider)
	if err != nil {
		log.Warn("Provider init failed", zap.String("provider", req.Provider), zap.Error(err))
		h.fail(ctx, s, log, nil, "", model, 0,
			streamErr(ErrTypeProviderInit, "Provider init failed: "+err.Error(), err))
		return
	}

	timeout := h.StreamTimeout()
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	defer cancel()

	conv, err := h.resolveConversation(ctx, s, req.ConversationID, content, model)
	if err != nil {
		h.fail(ctx, s, log, p, p.Name(), model, 0, err)
		return
	}
	log = log.With(zap.Int64("conversation_id", conv.ID))

	messages := h.history(ctx, log, req.ConversationID, conv.ID)
	messages = append(messages, provider.Message{Role: chat.RoleUser, Content: content})

	if _, err := h.gateway.CreateMessage(ctx, chat.NewMessageV1{
		Version:        chat.SchemaV1,
		ConversationID: conv.ID,
		Role:           chat.RoleUser,
		Content:        content,
		Status:         chat.StatusDone,
		Provider:       p.Name(),
		Model:          model,
	}); err != nil {
		log.Error("Failed to save user message", zap.Error(err))
	}

	res, err := h.bridge.Run(ctx, s, streamJob{
		ConversationID: conv.ID,
		Provider:       p,
		Model:          model,
		Params:         req.Params,
		Messages:       messages,
	})
	if err != nil {
		h.fail(ctx, s, log, p, p.Name(), model, conv.ID, err)
		return
	}

	metrics.StreamsTotal.WithLabelValues(p.Name(), TypeDone).Inc()
	metrics.StreamDuration.WithLabelValues(p.Name()).Observe(res.Latency.Seconds())
	h.audit.LogStreamCompleted(ctx, conv.ID, p.Name(), model, res.Latency)
	log.Debug("Stream completed",
		zap.Int("tokens", res.Tokens),
		zap.String("finish_reason", res.FinishReason),
		zap.Duration("latency", res.Latency),
	)
}

func (h *MessageHandler) validate(content, model string) error {
	if content == "" {
		return streamErr(ErrTypeInputValidation, "Empty content.", nil)
	}
	if model == "" {
		return streamErr(ErrTypeInputValidation, "No model selected.", nil)
	}
	if h.maxPromptChars > 0 && utf8.RuneCountInString(content) > h.maxPromptChars {
		return streamErr(ErrTypeInputValidation,
			fmt.Sprintf("Message too long (max %d characters).", h.maxPromptChars), nil)
	}
	return nil
}

func (h *MessageHandler) resolveConversation(ctx context.Context, s *Session, id *int64, content, model string) (*chat.Conversation, error) {
	if id != nil {
		conv, err := h.gateway.GetConversation(ctx, *id)
		if errors.Is(err, chat.ErrNotFound) {
			return nil, streamErr(ErrTypeNotFound, "Conversation not found.", err)
		}
		if err != nil {
			return nil, streamErr(ErrTypeDBError, "Could not load conversation.", err)
		}
		// Someone else's conversation looks exactly like a missing one.
		if !s.Identity.CanAccess(conv.OwnerID, conv.GuestSession) {
			return nil, streamErr(ErrTypeNotFound, "Conversation not found.", nil)
		}
		return conv, nil
	}

	conv, err := h.gateway.CreateConversation(ctx, chat.NewConversationV1{
		Version:      chat.SchemaV1,
		OwnerID:      s.Identity.UserID,
		GuestSession: s.Identity.GuestSession,
		ModelHint:    model,
		Title:        chat.QuickTitle(content),
	})
	if err != nil {
		return nil, streamErr(ErrTypeDBError, "Could not create conversation.", err)
	}
	if err := s.Send(Event{Type: TypeConversationCreated, ConversationID: conv.ID, Title: conv.Title}); err != nil {
		return nil, ErrDisconnected
	}
	h.audit.LogConversationCreated(ctx, conv.ID, s.Identity.UserID, s.Identity.GuestSession)
	return conv, nil
}

// history loads earlier turns of an existing conversation. Failures only
// cost context, so they are logged and ignored.
func (h *MessageHandler) history(ctx context.Context, log *zap.Logger, requested *int64, id int64) []provider.Message {
	if requested == nil || h.historyLimit == 0 {
		return nil
	}
	turns, err := h.gateway.History(ctx, id, h.historyLimit)
	if err != nil {
		log.Warn("Failed to load history", zap.Error(err))
		return nil
	}
	msgs := make([]provider.Message, 0, len(turns)+1)
	for _, t := range turns {
		msgs = append(msgs, provider.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// fail reports err as the request's single terminal event. Context causes
// take precedence over whatever error the cancelled work produced.
func (h *MessageHandler) fail(ctx context.Context, s *Session, log *zap.Logger, p provider.Provider, providerName, model string, conversationID int64, err error) {
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}

	var ev Event
	var se *StreamError
	switch {
	case errors.Is(err, ErrDisconnected):
		log.Debug("Client went away during request")
	case errors.Is(err, ErrCancelled):
		ev = ErrorEvent(ErrTypeCancelled, "Generation cancelled.")
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		ev = ErrorEvent(ErrTypeTimeout, fmt.Sprintf("Generation timed out after %s.", h.StreamTimeout()))
	case errors.As(err, &se):
		ev = ErrorEvent(se.Type, se.Message)
	default:
		log.Error("Unexpected error while handling chat message", zap.Error(err))
		ev = ErrorEvent(ErrTypeUnexpected, "Unexpected server error.")
	}

	outcome := ev.ErrorType
	if outcome == "" {
		outcome = "disconnected"
	}
	if providerName == "" {
		providerName = "none"
	}
	metrics.StreamsTotal.WithLabelValues(providerName, outcome).Inc()

	if p != nil {
		h.audit.LogStreamFailed(context.WithoutCancel(ctx), conversationID, providerName, model, outcome, err)
	}
	if ev.Type == "" {
		return
	}
	if sendErr := s.Send(ev); sendErr != nil {
		log.Debug("Failed to send error event", zap.String("error_type", ev.ErrorType), zap.Error(sendErr))
	}
}
