package payment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the version embedded in every payment event envelope.
const SchemaVersion = 1

// EventKind enumerates the domain events a payment aggregate can raise.
type EventKind int

const (
	KindCreated EventKind = iota
	KindProcessing
	KindSucceeded
	KindFailed
	KindRefunded
)

// Subject returns the versioned message subject for the event kind.
// The switch is exhaustive; an unknown kind panics rather than publishing
// to a mistyped subject.
func (k EventKind) Subject() string {
	switch k {
	case KindCreated:
		return "payment.initiated.v1"
	case KindProcessing:
		return "payment.processing.v1"
	case KindSucceeded:
		return "payment.succeeded.v1"
	case KindFailed:
		return "payment.failed.v1"
	case KindRefunded:
		return "payment.refunded.v1"
	default:
		panic(fmt.Sprintf("unknown payment event kind %d", int(k)))
	}
}

// String returns the subject without the version suffix, for logs.
func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "payment.initiated"
	case KindProcessing:
		return "payment.processing"
	case KindSucceeded:
		return "payment.succeeded"
	case KindFailed:
		return "payment.failed"
	case KindRefunded:
		return "payment.refunded"
	default:
		return fmt.Sprintf("payment.unknown(%d)", int(k))
	}
}

// Payload carries the externally visible state of the payment at the time
// the event was raised. Optional fields are omitted from the wire format
// when empty.
type Payload struct {
	PaymentID        string            `json:"paymentId"`
	OrderID          string            `json:"orderId"`
	CustomerID       string            `json:"customerId"`
	Amount           Amount            `json:"amount"`
	Status           Status            `json:"status"`
	GatewayReference string            `json:"gatewayReference,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	RefundedAmount   *Amount           `json:"refundedAmount,omitempty"`
	SagaID           string            `json:"sagaId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Event is a domain event raised by the payment aggregate. It is held in
// the aggregate's uncommitted buffer until persisted and published.
type Event struct {
	ID            uuid.UUID
	Kind          EventKind
	AggregateID   uuid.UUID
	SchemaVersion int
	OccurredAt    time.Time
	Payload       Payload
}

// Subject returns the versioned subject of the underlying kind.
func (e Event) Subject() string {
	return e.Kind.Subject()
}
