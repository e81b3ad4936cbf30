package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openmercato/payments/internal/domain/errors"
)

// Handler processes one decoded envelope. Returning an error makes the bus
// redeliver the envelope with backoff until the retry ceiling, after which
// it goes to the subject's dead letter queue.
type Handler func(ctx context.Context, env Envelope) error

// RawHandler is what a Transport invokes with the raw wire bytes.
type RawHandler func(ctx context.Context, payload []byte)

// Transport moves opaque payloads between publishers and subscribers with
// at-least-once semantics. Subscribers in the same group compete for
// messages; an empty group means every subscriber gets its own copy.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject, group string, fn RawHandler) error
	Close() error
}

// Metrics receives delivery outcomes. The observability package provides
// a prometheus-backed implementation.
type Metrics interface {
	EventPublished(subject string)
	EventHandled(subject string, success bool, elapsed time.Duration)
	EventRetried(subject string)
	EventDeadLettered(subject string)
}

type nopMetrics struct{}

func (nopMetrics) EventPublished(string)                    {}
func (nopMetrics) EventHandled(string, bool, time.Duration) {}
func (nopMetrics) EventRetried(string)                      {}
func (nopMetrics) EventDeadLettered(string)                 {}

// RetryPolicy controls redelivery of failed envelopes.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
}

// DefaultRetryPolicy retries three times, starting at one second and
// doubling each time.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Factor:     2,
	}
}

// Delay returns how long to wait before redelivering an envelope that has
// already been retried retryCount times.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < retryCount; i++ {
		d *= p.Factor
	}
	return time.Duration(d)
}

// Bus layers envelopes, retry with backoff and dead lettering on top of a
// Transport.
type Bus struct {
	transport Transport
	source    string
	policy    RetryPolicy
	logger    zerolog.Logger
	metrics   Metrics
	tracer    trace.Tracer
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetryPolicy overrides the default redelivery policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(b *Bus) { b.policy = p }
}

// WithLogger sets the logger the bus reports delivery outcomes with.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics sets the delivery metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New builds a bus on top of the given transport. The source name is
// stamped into every envelope this bus publishes.
func New(transport Transport, source string, opts ...Option) *Bus {
	b := &Bus{
		transport: transport,
		source:    source,
		policy:    DefaultRetryPolicy(),
		logger:    zerolog.Nop(),
		metrics:   nopMetrics{},
		tracer:    otel.Tracer("eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish wraps v in an envelope and sends it on the subject. Correlation
// and causation ids are taken from the context when present.
func (b *Bus) Publish(ctx context.Context, subject string, schemaVersion int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}
	env := NewEnvelope(subject, CorrelationIDFrom(ctx), CausationIDFrom(ctx), b.source, schemaVersion, data)
	return b.publishEnvelope(ctx, env)
}

func (b *Bus) publishEnvelope(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}
	if err := b.transport.Publish(ctx, env.Subject, raw); err != nil {
		return fmt.Errorf("publish to %s: %w", env.Subject, err)
	}
	b.metrics.EventPublished(env.Subject)
	b.logger.Debug().
		Str("subject", env.Subject).
		Str("event_id", env.EventID).
		Str("correlation_id", env.CorrelationID).
		Int("retry_count", env.RetryCount).
		Msg("event published")
	return nil
}

// Subscribe delivers every envelope on the subject to the handler. Each
// Subscribe call gets its own copy of the stream.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler Handler) error {
	return b.subscribe(ctx, subject, "", handler)
}

// QueueSubscribe joins the named queue group on the subject. Envelopes are
// load balanced across the group's members, so each one is handled once
// per group.
func (b *Bus) QueueSubscribe(ctx context.Context, subject, queueGroup string, handler Handler) error {
	if queueGroup == "" {
		return errors.NewValidationError("queue_group", "cannot be empty")
	}
	return b.subscribe(ctx, subject, queueGroup, handler)
}

func (b *Bus) subscribe(ctx context.Context, subject, group string, handler Handler) error {
	return b.transport.Subscribe(ctx, subject, group, func(msgCtx context.Context, payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			b.logger.Error().Err(err).
				Str("subject", subject).
				Msg("dropping undecodable message")
			return
		}

		hctx := WithCorrelationID(msgCtx, env.CorrelationID)
		hctx = WithCausationID(hctx, env.EventID)

		hctx, span := b.tracer.Start(hctx, subject+" consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.subject", subject),
				attribute.String("messaging.event_id", env.EventID),
				attribute.String("messaging.correlation_id", env.CorrelationID),
				attribute.Int("messaging.retry_count", env.RetryCount),
			))

		start := time.Now()
		err := handler(hctx, env)
		b.metrics.EventHandled(subject, err == nil, time.Since(start))
		if err == nil {
			span.End()
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()

		b.logger.Warn().Err(err).
			Str("subject", subject).
			Str("event_id", env.EventID).
			Int("retry_count", env.RetryCount).
			Msg("handler failed")
		b.redeliver(env, err)
	})
}

// redeliver schedules the envelope for another attempt, or dead letters it
// once the retry ceiling is reached.
func (b *Bus) redeliver(env Envelope, cause error) {
	if env.RetryCount >= b.policy.MaxRetries {
		b.deadLetter(env, cause)
		return
	}

	env.RetryCount++
	delay := b.policy.Delay(env.RetryCount - 1)
	b.metrics.EventRetried(env.Subject)
	b.logger.Info().
		Str("subject", env.Subject).
		Str("event_id", env.EventID).
		Int("retry_count", env.RetryCount).
		Dur("delay", delay).
		Msg("scheduling redelivery")

	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.publishEnvelope(ctx, env); err != nil {
			b.logger.Error().Err(err).
				Str("subject", env.Subject).
				Str("event_id", env.EventID).
				Msg("redelivery publish failed")
		}
	})
}

func (b *Bus) deadLetter(env Envelope, cause error) {
	dl := DeadLetter{
		OriginalSubject: env.Subject,
		Envelope:        env,
		Error:           cause.Error(),
		FailedAt:        time.Now().UTC(),
	}
	raw, err := json.Marshal(dl)
	if err != nil {
		b.logger.Error().Err(err).
			Str("event_id", env.EventID).
			Msg("marshal dead letter failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	subject := env.Subject + DLQSuffix
	if err := b.transport.Publish(ctx, subject, raw); err != nil {
		b.logger.Error().Err(err).
			Str("subject", subject).
			Str("event_id", env.EventID).
			Msg("dead letter publish failed")
		return
	}
	b.metrics.EventDeadLettered(env.Subject)
	b.logger.Error().
		Str("subject", env.Subject).
		Str("event_id", env.EventID).
		Str("error", cause.Error()).
		Msg("event dead lettered")
}

// Close releases the underlying transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}
