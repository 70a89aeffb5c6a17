// Package realtime is the streaming chat core: one Actor per WebSocket
// connection serializes chat requests through a bounded inbox while ping and
// cancel frames are answered out of band.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

// Sink delivers events to one client.
type Sink interface {
	Send(Event) error
}

// Session is the identity and outbound channel of one connection.
type Session struct {
	ID         string
	Identity   auth.Identity
	RemoteAddr string

	sink Sink
}

// NewSession binds a sink to a connection identity.
func NewSession(id string, identity auth.Identity, remoteAddr string, sink Sink) *Session {
	return &Session{ID: id, Identity: identity, RemoteAddr: remoteAddr, sink: sink}
}

// Send writes one event to the client.
func (s *Session) Send(e Event) error {
	metrics.WebSocketFramesTotal.WithLabelValues("out", e.Type).Inc()
	return s.sink.Send(e)
}

// Handler executes one chat request. It reports every outcome to the client
// itself; the actor only guarantees ordering and cancellation.
type Handler interface {
	Handle(ctx context.Context, s *Session, req ChatRequest)
}

// Actor owns the inbox and the single runner of a connection.
type Actor struct {
	session *Session
	handler Handler
	logger  *zap.Logger

	inbox  chan ChatRequest
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu           sync.Mutex
	streamCancel context.CancelCauseFunc
	queued       int
	cancelNext   bool

	requests atomic.Uint64
	started  atomic.Bool
	done     chan struct{}
}

// NewActor creates an actor whose work is cancelled when parent is.
func NewActor(parent context.Context, session *Session, handler Handler, inboxSize int, logger *zap.Logger) *Actor {
	if inboxSize <= 0 {
		inboxSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Actor{
		session: session,
		handler: handler,
		logger:  logger.With(zap.String("session_id", session.ID)),
		inbox:   make(chan ChatRequest, inboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start acknowledges the connection and launches the runner.
func (a *Actor) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return fmt.Errorf("actor %s already started", a.session.ID)
	}
	if err := a.session.Send(Event{Type: TypeConnected}); err != nil {
		close(a.done)
		return fmt.Errorf("send connected: %w", err)
	}
	go a.run()
	return nil
}

// HandleFrame dispatches one raw client frame. It never blocks on a running
// generation.
func (a *Actor) HandleFrame(raw []byte) {
	fields, typ, err := frameType(raw)
	if err != nil {
		metrics.WebSocketFramesTotal.WithLabelValues("in", "invalid").Inc()
		a.reply(ErrorEvent(ErrTypeBadPayload, "Invalid JSON payload."))
		return
	}

	switch typ {
	case FramePing:
		metrics.WebSocketFramesTotal.WithLabelValues("in", typ).Inc()
		a.reply(Event{Type: TypePong})

	case FrameCancel:
		metrics.WebSocketFramesTotal.WithLabelValues("in", typ).Inc()
		a.CancelStream()

	case FrameChatMessage:
		metrics.WebSocketFramesTotal.WithLabelValues("in", typ).Inc()
		a.enqueue(decodeChatRequest(a.requests.Add(1), fields))

	default:
		metrics.WebSocketFramesTotal.WithLabelValues("in", "unknown").Inc()
		a.reply(ErrorEvent(ErrTypeUnknownType, fmt.Sprintf("Unknown message type: %q.", typ)))
	}
}

func (a *Actor) enqueue(req ChatRequest) {
	// queued is raised before the send so a cancel racing the runner always
	// sees either the pending request or its stream.
	a.mu.Lock()
	a.queued++
	a.mu.Unlock()

	select {
	case a.inbox <- req:
		metrics.InboxDepth.Inc()
	default:
		a.mu.Lock()
		a.queued--
		a.mu.Unlock()
		a.logger.Warn("Inbox full, rejecting chat message", zap.Uint64("request", req.Seq))
		a.reply(ErrorEvent(ErrTypeInputValidation, "Too many queued messages."))
	}
}

// CancelStream cancels the running request. When nothing is running yet but
// a request is waiting, that request starts already cancelled. It reports
// whether anything was cancelled.
func (a *Actor) CancelStream() bool {
	a.mu.Lock()
	cancel := a.streamCancel
	if cancel == nil && a.queued > 0 {
		a.cancelNext = true
	}
	pending := a.cancelNext
	a.mu.Unlock()
	if cancel == nil {
		return pending
	}
	cancel(ErrCancelled)
	return true
}

// Close cancels the runner and any running request, then waits for the
// runner to exit. Queued requests are discarded.
func (a *Actor) Close() {
	a.cancel(ErrDisconnected)
	if a.started.Load() {
		<-a.done
	}
	for {
		select {
		case <-a.inbox:
			metrics.InboxDepth.Dec()
		default:
			return
		}
	}
}

// Done is closed when the runner has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) reply(e Event) {
	if err := a.session.Send(e); err != nil {
		a.logger.Debug("Failed to send event", zap.String("type", e.Type), zap.Error(err))
	}
}

func (a *Actor) run() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Runner loop crashed", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			return
		case req := <-a.inbox:
			metrics.InboxDepth.Dec()
			if a.ctx.Err() != nil {
				return
			}
			a.process(req)
		}
	}
}

func (a *Actor) process(req ChatRequest) {
	ctx, cancel := context.WithCancelCause(a.ctx)
	a.mu.Lock()
	a.streamCancel = cancel
	a.queued--
	if a.cancelNext {
		a.cancelNext = false
		cancel(ErrCancelled)
	}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.streamCancel = nil
		a.mu.Unlock()
		cancel(nil)
	}()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Chat handler panicked",
				zap.Uint64("request", req.Seq),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if a.ctx.Err() == nil {
				a.reply(ErrorEvent(ErrTypeUnexpected, "Unexpected server error."))
			}
		}
	}()

	a.handler.Handle(ctx, a.session, req)
}
