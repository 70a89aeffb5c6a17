package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pyamooz/pyamooz-chat/internal/logging"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	LogSessionConnected(ctx context.Context, sessionID, userID, guestSession, sourceIP string) error
	LogSessionClosed(ctx context.Context, sessionID, userID, guestSession string, duration time.Duration) error

	LogConversationCreated(ctx context.Context, conversationID int64, userID, guestSession string) error

	LogStreamCompleted(ctx context.Context, conversationID int64, provider, model string, latency time.Duration) error
	LogStreamFailed(ctx context.Context, conversationID int64, provider, model, errorType string, err error) error

	LogTitleUpdated(ctx context.Context, conversationID int64, title string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval bounds how long an event may sit in the buffer.
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100,
		MaxBackups:    10,
		MaxAge:        30,
		Compress:      true,
		FlushInterval: time.Second,
	}
}

const bufferLimit = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	rotator     *lumberjack.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. Marshal failures are reported to app.
func NewLogger(config *Config, app *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if app == nil {
		app = zap.NewNop()
	}
	interval := config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit logs are always INFO level, append-only
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(logging.EncoderConfig()),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   app.Named("audit"),
		auditLogger: zap.New(auditCore),
		rotator:     rotator,
		buffer:      make([]*Event, 0, bufferLimit),
		flushTicker: time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferLimit {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogSessionConnected(ctx context.Context, sessionID, userID, guestSession, sourceIP string) error {
	event := NewEvent(EventSessionConnected).
		WithCorrelationID(sessionID).
		WithUser(userID, guestSession).
		WithSourceIP(sourceIP).
		WithResult(ResultSuccess)
	return l.Log(ctx, event)
}

func (l *auditLogger) LogSessionClosed(ctx context.Context, sessionID, userID, guestSession string, duration time.Duration) error {
	event := NewEvent(EventSessionClosed).
		WithCorrelationID(sessionID).
		WithUser(userID, guestSession).
		WithDuration(duration).
		WithResult(ResultSuccess)
	return l.Log(ctx, event)
}

func (l *auditLogger) LogConversationCreated(ctx context.Context, conversationID int64, userID, guestSession string) error {
	event := NewEvent(EventConversationCreated).
		WithConversation(conversationID).
		WithUser(userID, guestSession).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Conversation %d created", conversationID))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogStreamCompleted(ctx context.Context, conversationID int64, provider, model string, latency time.Duration) error {
	event := NewEvent(EventStreamCompleted).
		WithConversation(conversationID).
		WithModel(provider, model).
		WithDuration(latency).
		WithResult(ResultSuccess)
	return l.Log(ctx, event)
}

// LogStreamFailed records a stream that ended without done. Cancellations
// are recorded as cancelled rather than failed.
func (l *auditLogger) LogStreamFailed(ctx context.Context, conversationID int64, provider, model, errorType string, err error) error {
	event := NewEvent(EventStreamFailed).
		WithConversation(conversationID).
		WithModel(provider, model).
		WithError(err, errorType)
	if errorType == "cancelled" {
		event.WithResult(ResultCancelled)
	}
	return l.Log(ctx, event)
}

func (l *auditLogger) LogTitleUpdated(ctx context.Context, conversationID int64, title string) error {
	event := NewEvent(EventTitleUpdated).
		WithConversation(conversationID).
		WithResult(ResultSuccess).
		WithMetadata("title", title)
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		if err = l.Sync(); err != nil {
			return
		}
		err = l.rotator.Close()
	})
	return err
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
