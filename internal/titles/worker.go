// Package titles generates conversation titles in the background.
//
// After a successful reply the realtime core enqueues the conversation id.
// The worker asks an LLM for a short title and stores it only while the
// current title is still blank, the quick title, or a placeholder, so a
// title the user typed is never replaced.
package titles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pyamooz/pyamooz-chat/internal/audit"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/chat"
	"github.com/pyamooz/pyamooz-chat/internal/db"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

const historySize = 5

const prompt = `Analyze the following conversation snippet and generate a short, concise, and relevant title.
The title should be under 7 words and accurately reflect the main topic of the discussion.
Return only the title without quotes or punctuation at the end.
The title must be in the same language as the conversation.

Conversation Snippet:
---
%s
---

Title:`

// Result of processing one job.
type Result string

const (
	ResultUpdated Result = "updated"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
	ResultDropped Result = "dropped"
)

// Store is the slice of persistence the worker needs.
type Store interface {
	GetConversation(ctx context.Context, id int64) (*db.ConversationRecord, error)
	CountMessages(ctx context.Context, conversationID int64, roles ...string) (int, error)
	RecentMessages(ctx context.Context, conversationID int64, n int) ([]*db.MessageRecord, error)
	FirstMessage(ctx context.Context, conversationID int64, role string) (*db.MessageRecord, error)
	UpdateTitleIf(ctx context.Context, id int64, expected, title string) (bool, error)
}

// Resolver picks the provider used for titles.
type Resolver interface {
	Resolve(name string) (provider.Provider, error)
}

// Notifier is told about stored titles so open connections can refresh.
type Notifier interface {
	TitleUpdated(owner auth.Identity, conversationID int64, title string)
}

// Config controls the worker.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Provider  string
	Model     string
}

// Worker runs title jobs from a bounded queue.
type Worker struct {
	cfg       Config
	store     Store
	providers Resolver
	notifier  Notifier
	audit     audit.Logger
	logger    *zap.Logger
	jobs      chan int64
}

// NewWorker builds a worker. notifier and auditLog may be nil.
func NewWorker(cfg Config, store Store, providers Resolver, notifier Notifier, auditLog audit.Logger, logger *zap.Logger) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:       cfg,
		store:     store,
		providers: providers,
		notifier:  notifier,
		audit:     auditLog,
		logger:    logger,
		jobs:      make(chan int64, cfg.QueueSize),
	}
}

// Enqueue schedules a job without blocking. It returns false when the
// queue is full and the job was dropped.
func (w *Worker) Enqueue(conversationID int64) bool {
	select {
	case w.jobs <- conversationID:
		return true
	default:
		metrics.TitleJobsTotal.WithLabelValues(string(ResultDropped)).Inc()
		return false
	}
}

// Run processes jobs until ctx is cancelled, with at most cfg.Workers jobs
// in flight. In-flight jobs finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Workers)
	w.logger.Info("title worker started", zap.Int("workers", w.cfg.Workers))
	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			w.logger.Info("title worker stopped")
			return err
		case id := <-w.jobs:
			g.Go(func() error {
				jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Timeout)
				defer cancel()
				res, err := w.Process(jobCtx, id)
				if err != nil {
					w.logger.Warn("title job failed", zap.Int64("conversation_id", id), zap.Error(err))
				}
				metrics.TitleJobsTotal.WithLabelValues(string(res)).Inc()
				return nil
			})
		}
	}
}

// Process runs one title job synchronously.
func (w *Worker) Process(ctx context.Context, conversationID int64) (Result, error) {
	log := w.logger.With(zap.Int64("conversation_id", conversationID))

	conv, err := w.store.GetConversation(ctx, conversationID)
	if errors.Is(err, db.ErrNotFound) {
		log.Debug("conversation gone, skipping title")
		return ResultSkipped, nil
	}
	if err != nil {
		return ResultFailed, err
	}

	count, err := w.store.CountMessages(ctx, conversationID, chat.RoleUser, chat.RoleAssistant)
	if err != nil {
		return ResultFailed, err
	}
	if count != 1 && count != 2 && count != 5 {
		log.Debug("message count not eligible for a title", zap.Int("count", count))
		return ResultSkipped, nil
	}

	recent, err := w.store.RecentMessages(ctx, conversationID, historySize)
	if err != nil {
		return ResultFailed, err
	}
	history := formatHistory(recent)
	if history == "" {
		return ResultSkipped, nil
	}

	quick := ""
	if first, err := w.store.FirstMessage(ctx, conversationID, chat.RoleUser); err == nil {
		quick = chat.QuickTitle(first.Content)
	} else if !errors.Is(err, db.ErrNotFound) {
		return ResultFailed, err
	}

	if !overwritable(conv.Title, quick) {
		log.Debug("title was edited, keeping it", zap.String("title", conv.Title))
		return ResultSkipped, nil
	}

	raw, err := w.generate(ctx, history)
	if err != nil {
		// A failed model call still upgrades a blank title to the quick one.
		log.Warn("title generation failed, using fallback", zap.Error(err))
		raw = ""
	}
	title := CleanTitle(raw)
	if title == "" {
		title = quick
	}
	if title == "" {
		title = FallbackTitle
	}
	if title == conv.Title {
		return ResultSkipped, nil
	}

	ok, err := w.store.UpdateTitleIf(ctx, conversationID, conv.Title, title)
	if err != nil {
		return ResultFailed, err
	}
	if !ok {
		log.Debug("title changed concurrently, not overwriting")
		return ResultSkipped, nil
	}

	log.Info("title updated", zap.String("title", title))
	_ = w.audit.LogTitleUpdated(ctx, conversationID, title)
	if w.notifier != nil {
		w.notifier.TitleUpdated(auth.Identity{UserID: conv.OwnerID, GuestSession: conv.GuestSession}, conversationID, title)
	}
	return ResultUpdated, nil
}

func (w *Worker) generate(ctx context.Context, history string) (string, error) {
	p, err := w.providers.Resolve(w.cfg.Provider)
	if err != nil {
		return "", err
	}
	model := w.cfg.Model
	if model == "" {
		model = p.DefaultModel()
	}
	stream, err := p.Generate(ctx, provider.Request{
		Messages: []provider.Message{{Role: chat.RoleUser, Content: fmt.Sprintf(prompt, history)}},
		Model:    model,
	})
	if err != nil {
		return "", err
	}
	return provider.Collect(ctx, stream)
}

func formatHistory(msgs []*db.MessageRecord) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		line := strings.TrimSpace(roleLabel(m.Role) + ": " + m.Content)
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func roleLabel(role string) string {
	if role == "" {
		return ""
	}
	return strings.ToUpper(role[:1]) + role[1:]
}
