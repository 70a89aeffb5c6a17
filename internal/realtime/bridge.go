package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/chat"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
	"github.com/pyamooz/pyamooz-chat/internal/metrics"
	"github.com/pyamooz/pyamooz-chat/internal/tracing"
)

// DefaultFinishReason is reported when the provider ends without one.
const DefaultFinishReason = "completed"

// streamJob is everything the bridge needs to run one generation.
type streamJob struct {
	ConversationID int64
	Provider       provider.Provider
	Model          string
	Params         map[string]any
	Messages       []provider.Message
}

// streamResult describes a successfully finished stream.
type streamResult struct {
	Text         string
	FinishReason string
	Latency      time.Duration
	Tokens       int
}

// Bridge drives a blocking provider stream from the request goroutine
// without letting it block on the provider: Generate and every Next run on
// their own goroutine and the bridge waits on them together with ctx.
type Bridge struct {
	gateway chat.Gateway
	logger  *zap.Logger
}

// NewBridge creates a bridge that persists finished replies via gateway.
func NewBridge(gateway chat.Gateway, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{gateway: gateway, logger: logger}
}

// Run emits started, forwards tokens and, on success, persists the reply,
// schedules a title job and emits done. On failure it returns the error
// without emitting a terminal event; the caller reports it.
func (b *Bridge) Run(ctx context.Context, s *Session, job streamJob) (*streamResult, error) {
	ctx, span := tracing.StartSpan(ctx, "realtime.stream",
		attribute.String("provider", job.Provider.Name()),
		attribute.String("model", job.Model),
		attribute.Int64("conversation_id", job.ConversationID),
	)
	defer span.End()

	res, err := b.run(ctx, s, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tokens", res.Tokens), attribute.String("finish_reason", res.FinishReason))
	return res, nil
}

func (b *Bridge) run(ctx context.Context, s *Session, job streamJob) (*streamResult, error) {
	if err := s.Send(Event{Type: TypeStarted}); err != nil {
		return nil, ErrDisconnected
	}
	start := time.Now()

	stream, err := b.open(ctx, job)
	if err != nil {
		return nil, err
	}
	p := &puller{stream: stream, results: make(chan pulled, 1), onPanic: func(r any) error {
		return b.recovered("Next", job.Provider.Name(), r)
	}}
	defer p.close()

	var (
		buf    strings.Builder
		tokens int
		finish string
	)
	providerName := job.Provider.Name()

loop:
	for {
		ev, err := p.next(ctx)
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, streamErr(ErrTypeStreamIteration, "Stream iteration failed: "+err.Error(), err)
		}

		switch ev.Type {
		case provider.EventStarted:
		case provider.EventToken:
			if ev.Delta == "" {
				continue
			}
			seq := tokens
			if ev.Seq != nil {
				seq = *ev.Seq
			}
			buf.WriteString(ev.Delta)
			tokens++
			metrics.StreamTokensTotal.WithLabelValues(providerName).Inc()
			if err := s.Send(Event{Type: TypeToken, Delta: ev.Delta, Seq: &seq}); err != nil {
				return nil, ErrDisconnected
			}
		case provider.EventDone:
			finish = ev.FinishReason
			break loop
		case provider.EventError:
			msg := ev.Error
			if msg == "" {
				msg = "provider reported an error"
			}
			return nil, streamErr(ErrTypeStreamIteration, "Stream iteration failed: "+msg, nil)
		default:
			return nil, streamErr(ErrTypeEventFormat, "Malformed event from provider.", nil)
		}
	}

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if finish == "" {
		finish = DefaultFinishReason
	}
	res := &streamResult{
		Text:         buf.String(),
		FinishReason: finish,
		Latency:      time.Since(start),
		Tokens:       tokens,
	}

	// The reply is committed from here on: a late cancel no longer
	// discards it, but the request deadline still bounds the write.
	b.persist(ctx, job, res)
	b.gateway.EnqueueTitleJob(job.ConversationID)

	if err := s.Send(Event{Type: TypeDone, FinishReason: finish}); err != nil {
		return res, ErrDisconnected
	}
	return res, nil
}

func (b *Bridge) open(ctx context.Context, job streamJob) (provider.Stream, error) {
	type opened struct {
		stream provider.Stream
		err    error
	}
	ch := make(chan opened, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- opened{err: b.recovered("Generate", job.Provider.Name(), r)}
			}
		}()
		st, err := job.Provider.Generate(ctx, provider.Request{
			Messages: job.Messages,
			Model:    job.Model,
			Params:   job.Params,
			Stream:   true,
		})
		ch <- opened{st, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, streamErr(ErrTypeStreamIteration, "Stream iteration failed: "+o.err.Error(), o.err)
		}
		return o.stream, nil
	case <-ctx.Done():
		go func() {
			if o := <-ch; o.stream != nil {
				o.stream.Close()
			}
		}()
		return nil, context.Cause(ctx)
	}
}

// recovered turns a provider panic into an ordinary stream error.
func (b *Bridge) recovered(call, providerName string, r any) error {
	b.logger.Error("Provider panicked",
		zap.String("call", call),
		zap.String("provider", providerName),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
	return fmt.Errorf("provider panic: %v", r)
}

func (b *Bridge) persist(ctx context.Context, job streamJob, res *streamResult) {
	pctx := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		pctx, cancel = context.WithDeadline(pctx, deadline)
		defer cancel()
	}

	latency := int(res.Latency.Milliseconds())
	_, err := b.gateway.CreateMessage(pctx, chat.NewMessageV1{
		Version:        chat.SchemaV1,
		ConversationID: job.ConversationID,
		Role:           chat.RoleAssistant,
		Content:        res.Text,
		Status:         chat.StatusDone,
		Provider:       job.Provider.Name(),
		Model:          job.Model,
		LatencyMS:      &latency,
	})
	if err != nil {
		b.logger.Error("Failed to save assistant message",
			zap.Int64("conversation_id", job.ConversationID),
			zap.Error(err),
		)
	}
}

type pulled struct {
	ev  provider.Event
	err error
}

// puller runs Stream.Next on a goroutine. At most one Next is in flight and
// Close is never called concurrently with it.
type puller struct {
	stream  provider.Stream
	results chan pulled
	pending bool
	onPanic func(any) error
}

func (p *puller) next(ctx context.Context) (provider.Event, error) {
	if !p.pending {
		p.pending = true
		go func() {
			defer func() {
				if r := recover(); r != nil {
					p.results <- pulled{err: p.onPanic(r)}
				}
			}()
			ev, err := p.stream.Next()
			p.results <- pulled{ev, err}
		}()
	}
	select {
	case r := <-p.results:
		p.pending = false
		return r.ev, r.err
	case <-ctx.Done():
		return provider.Event{}, context.Cause(ctx)
	}
}

func (p *puller) close() {
	if !p.pending {
		p.stream.Close()
		return
	}
	// The abandoned Next finishes in the background; its result is dropped.
	go func() {
		<-p.results
		p.stream.Close()
	}()
}
