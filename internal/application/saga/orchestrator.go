package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainErrors "github.com/openmercato/payments/internal/domain/errors"
	"github.com/openmercato/payments/internal/domain/saga"
	"github.com/openmercato/payments/internal/eventbus"
)

// TransactionManager defines the interface for transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher is the outbound port saga messages go through.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, schemaVersion int, v any) error
}

// Metrics receives saga progress. The observability package provides a
// prometheus-backed implementation.
type Metrics interface {
	SagaStepCompleted(step string)
	SagaEnded(state string)
	CompensationRequested(step string)
}

type nopMetrics struct{}

func (nopMetrics) SagaStepCompleted(string)     {}
func (nopMetrics) SagaEnded(string)             {}
func (nopMetrics) CompensationRequested(string) {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records saga step and outcome counts.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// StartSagaInput is the command to begin an order saga.
type StartSagaInput struct {
	OrderID    string
	CustomerID string
	Currency   string
	Items      []saga.OrderItem
}

// Orchestrator drives order sagas: it requests one step at a time, records
// each response, and on failure requests compensations for the completed
// steps in reverse order. All progress is persisted, so any worker in the
// group can pick up any response.
type Orchestrator struct {
	sagaRepo  saga.Repository
	txManager TransactionManager
	publisher EventPublisher
	logger    zerolog.Logger
	metrics   Metrics
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	sagaRepo saga.Repository,
	txManager TransactionManager,
	publisher EventPublisher,
	logger zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		sagaRepo:  sagaRepo,
		txManager: txManager,
		publisher: publisher,
		logger:    logger,
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins a saga for the order and requests its first step.
func (o *Orchestrator) Start(ctx context.Context, input StartSagaInput) (*saga.Instance, error) {
	instance, err := saga.Start(input.OrderID, input.CustomerID, input.Currency, input.Items)
	if err != nil {
		return nil, err
	}

	if err := o.save(ctx, instance); err != nil {
		return nil, err
	}

	// Everything the saga publishes joins the same correlation.
	if eventbus.CorrelationIDFrom(ctx) == "" {
		ctx = eventbus.WithCorrelationID(ctx, instance.ID.String())
	}
	if err := o.requestCurrentStep(ctx, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// HandleOrderPlaced starts a saga for a newly placed order. A redelivered
// trigger finds the existing saga and does nothing.
func (o *Orchestrator) HandleOrderPlaced(ctx context.Context, env eventbus.Envelope) error {
	var evt OrderPlaced
	if err := env.Decode(&evt); err != nil {
		return fmt.Errorf("decode order placed: %w", err)
	}

	existing, err := o.sagaRepo.FindByOrderID(ctx, evt.OrderID)
	if err != nil && !errors.Is(err, domainErrors.ErrSagaNotFound) {
		return fmt.Errorf("find saga for order %s: %w", evt.OrderID, err)
	}
	if existing != nil {
		o.logger.Debug().
			Str("order_id", evt.OrderID).
			Str("saga_id", existing.ID.String()).
			Msg("order already has a saga, ignoring trigger")
		return nil
	}

	_, err = o.Start(ctx, StartSagaInput{
		OrderID:    evt.OrderID,
		CustomerID: evt.CustomerID,
		Currency:   evt.Currency,
		Items:      evt.Items,
	})
	return err
}

// HandleProductInfoProvided consumes the product service's response.
func (o *Orchestrator) HandleProductInfoProvided(ctx context.Context, env eventbus.Envelope) error {
	var res ProductInfoResponse
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode product info response: %w", err)
	}
	if !res.Found {
		return o.fail(ctx, res.SagaID, reasonOr(res.Reason, "product info unavailable"))
	}
	return o.advance(ctx, res.SagaID, saga.StepProductInfo, func(i *saga.Instance) {
		if len(res.Items) > 0 {
			i.Data.Items = res.Items
		}
		i.Data.TotalCents = res.TotalCents
		if res.Currency != "" {
			i.Data.Currency = res.Currency
		}
	})
}

// HandleStockValidationResponse consumes the stock service's response.
func (o *Orchestrator) HandleStockValidationResponse(ctx context.Context, env eventbus.Envelope) error {
	var res StockValidationResponse
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode stock validation response: %w", err)
	}
	if !res.InStock {
		return o.fail(ctx, res.SagaID, reasonOr(res.Reason, "stock unavailable"))
	}
	return o.advance(ctx, res.SagaID, saga.StepStockValidation, func(i *saga.Instance) {
		i.Data.StockOK = true
	})
}

// HandleUserInfoProvided consumes the user service's response.
func (o *Orchestrator) HandleUserInfoProvided(ctx context.Context, env eventbus.Envelope) error {
	var res UserInfoResponse
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode user info response: %w", err)
	}
	if !res.Found {
		return o.fail(ctx, res.SagaID, reasonOr(res.Reason, "user not found"))
	}
	return o.advance(ctx, res.SagaID, saga.StepUserInfo, func(i *saga.Instance) {
		i.Data.CustomerName = res.Name
	})
}

// HandlePaymentResponse consumes the payment worker's response.
func (o *Orchestrator) HandlePaymentResponse(ctx context.Context, env eventbus.Envelope) error {
	var res PaymentResponse
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode payment response: %w", err)
	}
	if !res.Succeeded {
		return o.fail(ctx, res.SagaID, reasonOr(res.Reason, "payment failed"))
	}
	return o.advance(ctx, res.SagaID, saga.StepPayment, func(i *saga.Instance) {
		i.Data.PaymentID = res.PaymentID
	})
}

// advance records a successful step and requests the next one, or finishes
// the saga when the step was the last. Responses the saga is not waiting
// for, usually redeliveries, are dropped.
func (o *Orchestrator) advance(ctx context.Context, sagaID string, step saga.Step, apply func(*saga.Instance)) error {
	instance, err := o.load(ctx, sagaID)
	if err != nil {
		return err
	}
	if instance == nil {
		return nil
	}

	apply(instance)
	if err := instance.CompleteStep(step); err != nil {
		if errors.Is(err, domainErrors.ErrSagaTerminal) || errors.Is(err, domainErrors.ErrUnknownSagaStep) {
			o.logger.Info().
				Str("saga_id", sagaID).
				Str("step", step.String()).
				Str("state", string(instance.State)).
				Msg("dropping out-of-order step response")
			return nil
		}
		return err
	}
	if err := o.save(ctx, instance); err != nil {
		return err
	}
	o.metrics.SagaStepCompleted(step.String())

	if instance.State == saga.StateCompleted {
		o.metrics.SagaEnded(string(saga.StateCompleted))
		o.logger.Info().
			Str("saga_id", sagaID).
			Str("order_id", instance.Data.OrderID).
			Msg("saga completed")
		return o.publisher.Publish(ctx, SubjectSagaCompleted, SchemaVersion, SagaCompleted{
			SagaID:    instance.ID.String(),
			OrderID:   instance.Data.OrderID,
			PaymentID: instance.Data.PaymentID,
		})
	}
	return o.requestCurrentStep(ctx, instance)
}

// fail compensates completed steps in reverse order and closes the saga.
func (o *Orchestrator) fail(ctx context.Context, sagaID, reason string) error {
	instance, err := o.load(ctx, sagaID)
	if err != nil {
		return err
	}
	if instance == nil {
		return nil
	}

	if err := instance.Fail(reason); err != nil {
		if errors.Is(err, domainErrors.ErrSagaTerminal) {
			return nil
		}
		return err
	}
	if err := o.save(ctx, instance); err != nil {
		return err
	}

	// A failing compensation publish never blocks termination. The saga
	// must always end, so the error is logged and the remaining
	// compensations are still requested.
	compensated := make([]string, 0)
	for _, step := range instance.PendingCompensations() {
		if err := o.requestCompensation(ctx, instance, step); err != nil {
			o.logger.Error().Err(err).
				Str("saga_id", sagaID).
				Str("step", step.String()).
				Msg("compensation request failed")
			continue
		}
		o.metrics.CompensationRequested(step.String())
		compensated = append(compensated, step.String())
	}

	if err := instance.MarkCompensated(); err != nil {
		return err
	}
	if err := o.save(ctx, instance); err != nil {
		return err
	}

	o.metrics.SagaEnded(string(saga.StateFailed))
	o.logger.Warn().
		Str("saga_id", sagaID).
		Str("order_id", instance.Data.OrderID).
		Str("reason", reason).
		Strs("compensated", compensated).
		Msg("saga failed")
	return o.publisher.Publish(ctx, SubjectSagaFailed, SchemaVersion, SagaFailed{
		SagaID:      instance.ID.String(),
		OrderID:     instance.Data.OrderID,
		Reason:      reason,
		Compensated: compensated,
	})
}

// requestCurrentStep publishes the request for whatever step the saga is
// waiting on.
func (o *Orchestrator) requestCurrentStep(ctx context.Context, instance *saga.Instance) error {
	step, ok := instance.CurrentStep()
	if !ok {
		return nil
	}

	var payload any
	switch step {
	case saga.StepProductInfo:
		payload = ProductInfoRequest{
			SagaID:  instance.ID.String(),
			OrderID: instance.Data.OrderID,
			Items:   instance.Data.Items,
		}
	case saga.StepStockValidation:
		payload = StockValidationRequest{
			SagaID:  instance.ID.String(),
			OrderID: instance.Data.OrderID,
			Items:   instance.Data.Items,
		}
	case saga.StepUserInfo:
		payload = UserInfoRequest{
			SagaID:     instance.ID.String(),
			CustomerID: instance.Data.CustomerID,
		}
	case saga.StepPayment:
		payload = PaymentRequest{
			SagaID:      instance.ID.String(),
			OrderID:     instance.Data.OrderID,
			CustomerID:  instance.Data.CustomerID,
			AmountCents: instance.Data.TotalCents,
			Currency:    instance.Data.Currency,
		}
	default:
		return fmt.Errorf("step %s: %w", step, domainErrors.ErrUnknownSagaStep)
	}
	return o.publisher.Publish(ctx, step.RequestSubject(), SchemaVersion, payload)
}

func (o *Orchestrator) requestCompensation(ctx context.Context, instance *saga.Instance, step saga.Step) error {
	var payload any
	switch step {
	case saga.StepStockValidation:
		payload = StockReleaseRequest{
			SagaID:  instance.ID.String(),
			OrderID: instance.Data.OrderID,
			Items:   instance.Data.Items,
		}
	case saga.StepPayment:
		payload = RefundRequest{
			SagaID:    instance.ID.String(),
			OrderID:   instance.Data.OrderID,
			PaymentID: instance.Data.PaymentID,
			Reason:    "saga compensation",
		}
	default:
		return fmt.Errorf("step %s has no compensation: %w", step, domainErrors.ErrUnknownSagaStep)
	}
	return o.publisher.Publish(ctx, step.CompensationSubject(), SchemaVersion, payload)
}

// load fetches the saga; unknown ids are dropped, they usually mean the
// message outlived its saga's retention.
func (o *Orchestrator) load(ctx context.Context, sagaID string) (*saga.Instance, error) {
	id, err := uuid.Parse(sagaID)
	if err != nil {
		o.logger.Error().Str("saga_id", sagaID).Msg("dropping response with malformed saga id")
		return nil, nil
	}
	instance, err := o.sagaRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, domainErrors.ErrSagaNotFound) {
			o.logger.Error().Str("saga_id", sagaID).Msg("dropping response for unknown saga")
			return nil, nil
		}
		return nil, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	return instance, nil
}

func (o *Orchestrator) save(ctx context.Context, instance *saga.Instance) error {
	return o.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		return o.sagaRepo.Save(txCtx, instance)
	})
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
