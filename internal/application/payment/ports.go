package payment

import (
	"context"
	"time"
)

// TransactionManager defines the interface for transaction management.
// This is an application-layer port, not a domain concern.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher is the outbound port the use cases publish domain events
// through. The event bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, schemaVersion int, v any) error
}

// Metrics receives payment outcomes. The observability package provides
// a prometheus-backed implementation.
type Metrics interface {
	PaymentDecided(status string, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) PaymentDecided(string, time.Duration) {}
