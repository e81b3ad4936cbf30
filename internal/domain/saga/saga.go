package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openmercato/payments/internal/domain/errors"
)

// State represents where the saga currently is in its lifecycle.
type State string

const (
	StateStarted                 State = "started"
	StateAwaitingProductInfo     State = "awaiting_product_info"
	StateAwaitingStockValidation State = "awaiting_stock_validation"
	StateAwaitingUserInfo        State = "awaiting_user_info"
	StateAwaitingPayment         State = "awaiting_payment"
	StateCompensating            State = "compensating"
	StateCompleted               State = "completed"
	StateFailed                  State = "failed"
)

// Step enumerates the forward steps of the order saga, in execution order.
type Step int

const (
	StepProductInfo Step = iota
	StepStockValidation
	StepUserInfo
	StepPayment
)

// orderedSteps is the forward execution order. Compensations run in the
// reverse of this order.
var orderedSteps = []Step{StepProductInfo, StepStockValidation, StepUserInfo, StepPayment}

// Steps returns the forward steps in execution order.
func Steps() []Step {
	out := make([]Step, len(orderedSteps))
	copy(out, orderedSteps)
	return out
}

// String returns a stable name for the step, used in logs and persistence.
func (s Step) String() string {
	switch s {
	case StepProductInfo:
		return "product_info"
	case StepStockValidation:
		return "stock_validation"
	case StepUserInfo:
		return "user_info"
	case StepPayment:
		return "payment"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// RequestSubject returns the subject on which the step's work is requested.
func (s Step) RequestSubject() string {
	switch s {
	case StepProductInfo:
		return "integration.product.info.requested.v1"
	case StepStockValidation:
		return "integration.stock.validation.requested.v1"
	case StepUserInfo:
		return "integration.user.info.requested.v1"
	case StepPayment:
		return "integration.payment.requested.v1"
	default:
		panic(fmt.Sprintf("unknown saga step %d", int(s)))
	}
}

// ResponseSubject returns the subject on which the step's result arrives.
func (s Step) ResponseSubject() string {
	switch s {
	case StepProductInfo:
		return "integration.product.info.provided.v1"
	case StepStockValidation:
		return "integration.stock.validation.response.v1"
	case StepUserInfo:
		return "integration.user.info.provided.v1"
	case StepPayment:
		return "integration.payment.response.v1"
	default:
		panic(fmt.Sprintf("unknown saga step %d", int(s)))
	}
}

// CompensationSubject returns the subject used to undo a completed step.
// StepProductInfo is a pure read and has nothing to undo.
func (s Step) CompensationSubject() string {
	switch s {
	case StepProductInfo:
		return ""
	case StepStockValidation:
		return "integration.stock.release.requested.v1"
	case StepUserInfo:
		return ""
	case StepPayment:
		return "payment.refund.requested.v1"
	default:
		panic(fmt.Sprintf("unknown saga step %d", int(s)))
	}
}

// awaitingState maps each step to the state in which the saga waits for
// that step's response.
func (s Step) awaitingState() State {
	switch s {
	case StepProductInfo:
		return StateAwaitingProductInfo
	case StepStockValidation:
		return StateAwaitingStockValidation
	case StepUserInfo:
		return StateAwaitingUserInfo
	case StepPayment:
		return StateAwaitingPayment
	default:
		panic(fmt.Sprintf("unknown saga step %d", int(s)))
	}
}

// StepFromResponseSubject resolves the step a response subject belongs to.
func StepFromResponseSubject(subject string) (Step, error) {
	for _, s := range orderedSteps {
		if s.ResponseSubject() == subject {
			return s, nil
		}
	}
	return 0, errors.NewDomainError(
		"unknown_saga_step",
		fmt.Sprintf("no saga step responds on subject %q", subject),
		errors.ErrUnknownSagaStep,
	)
}

// OrderItem is one line of the order the saga was started for.
type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitCents int64  `json:"unitCents,omitempty"`
}

// Data accumulates what the saga learns from each completed step.
type Data struct {
	OrderID      string      `json:"orderId"`
	CustomerID   string      `json:"customerId"`
	Items        []OrderItem `json:"items"`
	Currency     string      `json:"currency"`
	TotalCents   int64       `json:"totalCents,omitempty"`
	StockOK      bool        `json:"stockOk,omitempty"`
	CustomerName string      `json:"customerName,omitempty"`
	PaymentID    string      `json:"paymentId,omitempty"`
}

// Instance is one run of the order saga. It tracks which steps completed
// so a failure can compensate exactly those, in reverse order.
type Instance struct {
	ID             uuid.UUID
	State          State
	Data           Data
	CompletedSteps []Step
	FailureReason  *string
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// Start creates a saga instance awaiting its first step.
func Start(orderID, customerID, currency string, items []OrderItem) (*Instance, error) {
	if orderID == "" {
		return nil, errors.NewValidationError("order_id", "cannot be empty")
	}
	if customerID == "" {
		return nil, errors.NewValidationError("customer_id", "cannot be empty")
	}
	if len(items) == 0 {
		return nil, errors.NewValidationError("items", "cannot be empty")
	}

	now := time.Now()
	return &Instance{
		ID:    uuid.New(),
		State: StepProductInfo.awaitingState(),
		Data: Data{
			OrderID:    orderID,
			CustomerID: customerID,
			Currency:   currency,
			Items:      items,
		},
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsTerminal checks whether the saga has finished, either way.
func (i *Instance) IsTerminal() bool {
	return i.State == StateCompleted || i.State == StateFailed
}

// CurrentStep returns the step the saga is currently waiting on, or false
// when the saga is not waiting on any step.
func (i *Instance) CurrentStep() (Step, bool) {
	for _, s := range orderedSteps {
		if i.State == s.awaitingState() {
			return s, true
		}
	}
	return 0, false
}

// CompleteStep records a successful step and advances to the next one.
// Responses for a step the saga is not waiting on are rejected, which
// makes redelivered responses harmless.
func (i *Instance) CompleteStep(step Step) error {
	if i.IsTerminal() {
		return errors.NewDomainError(
			"saga_terminal",
			fmt.Sprintf("saga %s already %s", i.ID, i.State),
			errors.ErrSagaTerminal,
		)
	}
	current, ok := i.CurrentStep()
	if !ok || current != step {
		return errors.NewDomainError(
			"unexpected_saga_step",
			fmt.Sprintf("saga %s in state %s got response for step %s", i.ID, i.State, step),
			errors.ErrUnknownSagaStep,
		)
	}

	i.CompletedSteps = append(i.CompletedSteps, step)
	i.touch()

	idx := indexOf(step)
	if idx == len(orderedSteps)-1 {
		i.State = StateCompleted
		return nil
	}
	i.State = orderedSteps[idx+1].awaitingState()
	return nil
}

// Fail moves the saga into the compensating state and records the reason.
// PendingCompensations tells the caller what to undo.
func (i *Instance) Fail(reason string) error {
	if i.IsTerminal() {
		return errors.NewDomainError(
			"saga_terminal",
			fmt.Sprintf("saga %s already %s", i.ID, i.State),
			errors.ErrSagaTerminal,
		)
	}
	i.State = StateCompensating
	i.FailureReason = &reason
	i.touch()
	return nil
}

// PendingCompensations returns the completed steps in reverse order,
// skipping steps with nothing to undo.
func (i *Instance) PendingCompensations() []Step {
	out := make([]Step, 0, len(i.CompletedSteps))
	for idx := len(i.CompletedSteps) - 1; idx >= 0; idx-- {
		step := i.CompletedSteps[idx]
		if step.CompensationSubject() != "" {
			out = append(out, step)
		}
	}
	return out
}

// MarkCompensated finalizes a compensating saga as failed.
func (i *Instance) MarkCompensated() error {
	if i.State != StateCompensating {
		return errors.NewDomainError(
			"saga_not_compensating",
			fmt.Sprintf("saga %s is %s, not compensating", i.ID, i.State),
			errors.ErrInvalidStateTransition,
		)
	}
	i.State = StateFailed
	i.touch()
	return nil
}

func (i *Instance) touch() {
	i.UpdatedAt = time.Now()
}

func indexOf(step Step) int {
	for idx, s := range orderedSteps {
		if s == step {
			return idx
		}
	}
	return -1
}
