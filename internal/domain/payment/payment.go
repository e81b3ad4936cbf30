package payment

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/openmercato/payments/internal/domain/errors"
)

// Status represents the payment status in the state machine
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// gatewayRefPattern matches references the gateway hands out, e.g. "pi_3Nx91kA2eZ".
var gatewayRefPattern = regexp.MustCompile(`^[a-z]+_[A-Za-z0-9]+$`)

// Payment is the money-state aggregate root. All mutations go through the
// named transition methods, each of which appends exactly one domain event
// to the uncommitted buffer.
type Payment struct {
	ID               uuid.UUID
	OrderID          string
	CustomerID       string
	Amount           Amount
	Status           Status
	GatewayReference *string
	RefundedAmount   *Amount
	FailureReason    *string
	SagaID           *uuid.UUID
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	events []Event
}

// Amount represents a monetary amount in the smallest currency unit (e.g. cents).
type Amount struct {
	ValueCents int64
	Currency   string
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	whole := a.ValueCents / 100
	frac := a.ValueCents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, a.Currency)
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	return validateAmount(a)
}

// New creates a payment in pending state and records the Created event.
func New(orderID, customerID string, amount Amount, sagaID *uuid.UUID, metadata map[string]string) (*Payment, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if orderID == "" {
		return nil, errors.NewValidationError("order_id", "cannot be empty")
	}
	if customerID == "" {
		return nil, errors.NewValidationError("customer_id", "cannot be empty")
	}

	if metadata == nil {
		metadata = make(map[string]string)
	}

	now := time.Now()
	p := &Payment{
		ID:         uuid.New(),
		OrderID:    orderID,
		CustomerID: customerID,
		Amount:     amount,
		Status:     StatusPending,
		SagaID:     sagaID,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.record(KindCreated, nil, nil)
	return p, nil
}

// legalTargets lists the transitions allowed from each state.
var legalTargets = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSucceeded, StatusFailed},
	StatusSucceeded:  {StatusRefunded},
	StatusFailed:     {},
	StatusRefunded:   {},
}

// CanTransitionTo checks whether the payment can move to the given status.
func (p *Payment) CanTransitionTo(target Status) bool {
	for _, allowed := range legalTargets[p.Status] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (p *Payment) illegal(target Status) error {
	legal := make([]string, 0, len(legalTargets[p.Status]))
	for _, s := range legalTargets[p.Status] {
		legal = append(legal, string(s))
	}
	return errors.NewIllegalTransition(string(p.Status), string(target), legal)
}

// Process moves the payment from pending to processing.
// Calling it when already processing is a no-op.
func (p *Payment) Process() error {
	if p.Status == StatusProcessing {
		return nil
	}
	if !p.CanTransitionTo(StatusProcessing) {
		return p.illegal(StatusProcessing)
	}
	p.Status = StatusProcessing
	p.touch()
	p.record(KindProcessing, nil, nil)
	return nil
}

// MarkSucceeded moves the payment from processing to succeeded and records
// the gateway reference. Repeating the call with the same reference is a
// no-op; with a different reference it is an error.
func (p *Payment) MarkSucceeded(gatewayRef string) error {
	if !gatewayRefPattern.MatchString(gatewayRef) {
		return errors.NewDomainError(
			"malformed_gateway_reference",
			fmt.Sprintf("gateway reference %q is malformed", gatewayRef),
			errors.ErrInvalidGatewayReference,
		)
	}
	if p.Status == StatusSucceeded {
		if p.GatewayReference != nil && *p.GatewayReference == gatewayRef {
			return nil
		}
		return errors.NewDomainError(
			"conflicting_gateway_reference",
			"payment already succeeded with a different gateway reference",
			errors.ErrInvalidStateTransition,
		)
	}
	if !p.CanTransitionTo(StatusSucceeded) {
		return p.illegal(StatusSucceeded)
	}
	p.GatewayReference = &gatewayRef
	p.Status = StatusSucceeded
	p.touch()
	p.record(KindSucceeded, nil, nil)
	return nil
}

// MarkFailed moves the payment to failed from any non-terminal state,
// preserving the reason. Calling it when already failed is a no-op;
// a succeeded payment cannot be un-succeeded.
func (p *Payment) MarkFailed(reason string) error {
	if p.Status == StatusFailed {
		return nil
	}
	if p.Status == StatusSucceeded || p.Status == StatusRefunded {
		return p.illegal(StatusFailed)
	}
	p.Status = StatusFailed
	p.FailureReason = &reason
	p.touch()
	p.record(KindFailed, &reason, nil)
	return nil
}

// Refund moves a succeeded payment to refunded. A nil amount refunds the
// full original amount; a partial amount must be in the original currency
// and must not exceed the original amount.
func (p *Payment) Refund(amount *Amount, reason string) error {
	if p.Status == StatusRefunded {
		return nil
	}
	if !p.CanTransitionTo(StatusRefunded) {
		return p.illegal(StatusRefunded)
	}

	toRefund := p.Amount
	if amount != nil {
		if amount.Currency != p.Amount.Currency {
			return errors.NewDomainError(
				"refund_currency_mismatch",
				fmt.Sprintf("refund currency %s does not match original %s", amount.Currency, p.Amount.Currency),
				errors.ErrRefundCurrencyMismatch,
			)
		}
		if amount.ValueCents <= 0 {
			return errors.NewValidationError("refund_amount", "must be greater than 0")
		}
		if amount.ValueCents > p.Amount.ValueCents {
			return errors.NewDomainError(
				"refund_exceeds_original",
				fmt.Sprintf("refund of %s exceeds original %s", amount, p.Amount),
				errors.ErrRefundExceedsOriginal,
			)
		}
		toRefund = *amount
	}

	p.RefundedAmount = &toRefund
	p.Status = StatusRefunded
	p.touch()
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	p.record(KindRefunded, reasonPtr, &toRefund)
	return nil
}

// IsTerminal checks if the payment is in a terminal state.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusSucceeded ||
		p.Status == StatusFailed ||
		p.Status == StatusRefunded
}

// Events returns the uncommitted domain events in the order they were raised.
func (p *Payment) Events() []Event {
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ClearEvents drains the uncommitted event buffer. It must only be called
// after the new state has been durably persisted and the events published.
func (p *Payment) ClearEvents() {
	p.events = nil
}

func (p *Payment) touch() {
	p.UpdatedAt = time.Now()
}

// record appends one event mirroring the aggregate's post-transition state.
func (p *Payment) record(kind EventKind, reason *string, refunded *Amount) {
	payload := Payload{
		PaymentID:  p.ID.String(),
		OrderID:    p.OrderID,
		CustomerID: p.CustomerID,
		Amount:     p.Amount,
		Status:     p.Status,
		Metadata:   p.Metadata,
	}
	if p.GatewayReference != nil {
		payload.GatewayReference = *p.GatewayReference
	}
	if reason != nil {
		payload.Reason = *reason
	}
	if refunded != nil {
		payload.RefundedAmount = refunded
	}
	if p.SagaID != nil {
		payload.SagaID = p.SagaID.String()
	}

	p.events = append(p.events, Event{
		ID:            uuid.New(),
		Kind:          kind,
		AggregateID:   p.ID,
		SchemaVersion: SchemaVersion,
		OccurredAt:    time.Now(),
		Payload:       payload,
	})
}

func validateAmount(amount Amount) error {
	if amount.ValueCents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if amount.Currency == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	// Simple currency validation (3-letter code)
	if len(amount.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}
