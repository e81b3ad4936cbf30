package payment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainErrors "github.com/openmercato/payments/internal/domain/errors"
	"github.com/openmercato/payments/internal/domain/payment"
	"github.com/openmercato/payments/internal/gateway"
)

// ProcessPaymentInput is the command to charge a customer for an order.
type ProcessPaymentInput struct {
	OrderID        string            `validate:"required"`
	CustomerID     string            `validate:"required"`
	AmountCents    int64             `validate:"required,gt=0"`
	Currency       string            `validate:"required,len=3"`
	SagaID         *uuid.UUID        `validate:"-"`
	IdempotencyKey string            `validate:"-"`
	Metadata       map[string]string `validate:"-"`
}

// Limits bounds what charges the service accepts, checked before any
// state is touched.
type Limits struct {
	MinAmountCents int64
	MaxAmountCents int64
	Currencies     []string
}

// DefaultLimits accepts 0.50 through 1,000,000.00 in the usual currencies.
func DefaultLimits() Limits {
	return Limits{
		MinAmountCents: 50,
		MaxAmountCents: 100_000_000,
		Currencies:     []string{"USD", "EUR", "GBP", "BRL"},
	}
}

func (l Limits) check(amountCents int64, currency string) error {
	if amountCents < l.MinAmountCents {
		return fmt.Errorf("%w: amount %d below minimum %d", domainErrors.ErrInvalidAmount, amountCents, l.MinAmountCents)
	}
	if l.MaxAmountCents > 0 && amountCents > l.MaxAmountCents {
		return fmt.Errorf("%w: amount %d above maximum %d", domainErrors.ErrInvalidAmount, amountCents, l.MaxAmountCents)
	}
	if len(l.Currencies) > 0 && !slices.Contains(l.Currencies, currency) {
		return fmt.Errorf("%w: %s", domainErrors.ErrUnsupportedCurrency, currency)
	}
	return nil
}

// ProcessOption configures a ProcessPaymentUseCase.
type ProcessOption func(*ProcessPaymentUseCase)

// WithLimits overrides the default amount and currency limits.
func WithLimits(l Limits) ProcessOption {
	return func(uc *ProcessPaymentUseCase) { uc.limits = l }
}

// WithProcessMetrics records every decided payment.
func WithProcessMetrics(m Metrics) ProcessOption {
	return func(uc *ProcessPaymentUseCase) { uc.metrics = m }
}

// ProcessPaymentUseCase charges an order end to end: it creates or resumes
// the payment for the order, calls the gateway and records the outcome.
// It is safe under redelivery: a repeated command for an order whose
// payment already reached a terminal state returns that payment untouched.
type ProcessPaymentUseCase struct {
	paymentRepo payment.Repository
	txManager   TransactionManager
	gateways    *gateway.Factory
	publisher   EventPublisher
	validate    *validator.Validate
	logger      zerolog.Logger

	gatewayName string
	callTimeout time.Duration
	limits      Limits
	metrics     Metrics
}

// NewProcessPaymentUseCase creates a new ProcessPaymentUseCase.
func NewProcessPaymentUseCase(
	paymentRepo payment.Repository,
	txManager TransactionManager,
	gateways *gateway.Factory,
	publisher EventPublisher,
	gatewayName string,
	callTimeout time.Duration,
	logger zerolog.Logger,
	opts ...ProcessOption,
) *ProcessPaymentUseCase {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	uc := &ProcessPaymentUseCase{
		paymentRepo: paymentRepo,
		txManager:   txManager,
		gateways:    gateways,
		publisher:   publisher,
		validate:    validator.New(),
		logger:      logger,
		gatewayName: gatewayName,
		callTimeout: callTimeout,
		limits:      DefaultLimits(),
		metrics:     nopMetrics{},
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Execute charges the order. It returns the payment in whatever state it
// ended up in; a declined charge is a normal outcome, not an error. A
// gateway timeout or exception fails the payment with the reason and the
// error is raised alongside the failed aggregate.
func (uc *ProcessPaymentUseCase) Execute(ctx context.Context, input ProcessPaymentInput) (*payment.Payment, error) {
	if err := uc.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrInvalidInput, err)
	}
	if err := uc.limits.check(input.AmountCents, input.Currency); err != nil {
		return nil, err
	}

	p, err := uc.loadOrCreate(ctx, input)
	if err != nil {
		return nil, err
	}

	// Redelivered command for a payment that is already decided or has a
	// charge in flight. Both come back unchanged.
	if p.IsTerminal() || p.Status == payment.StatusProcessing {
		uc.logger.Info().
			Str("payment_id", p.ID.String()).
			Str("order_id", p.OrderID).
			Str("status", string(p.Status)).
			Msg("payment already underway, skipping")
		return p, nil
	}

	if err := p.Process(); err != nil {
		return nil, err
	}
	if err := uc.persistAndPublish(ctx, p); err != nil {
		return nil, err
	}

	start := time.Now()
	p, err = uc.callGateway(ctx, p, input)
	if p != nil && p.IsTerminal() {
		uc.metrics.PaymentDecided(string(p.Status), time.Since(start))
	}
	return p, err
}

// loadOrCreate finds the order's payment or creates it. A concurrent
// create for the same order loses on the unique order constraint, in
// which case the winner's row is reloaded.
func (uc *ProcessPaymentUseCase) loadOrCreate(ctx context.Context, input ProcessPaymentInput) (*payment.Payment, error) {
	p, err := uc.paymentRepo.FindByOrderID(ctx, input.OrderID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domainErrors.ErrPaymentNotFound) {
		return nil, fmt.Errorf("load payment for order %s: %w", input.OrderID, err)
	}

	p, err = payment.New(input.OrderID, input.CustomerID, payment.Amount{
		ValueCents: input.AmountCents,
		Currency:   input.Currency,
	}, input.SagaID, input.Metadata)
	if err != nil {
		return nil, err
	}

	if err := uc.persistAndPublish(ctx, p); err != nil {
		if errors.Is(err, domainErrors.ErrDuplicateOrderPayment) {
			return uc.paymentRepo.FindByOrderID(ctx, input.OrderID)
		}
		return nil, err
	}
	return p, nil
}

func (uc *ProcessPaymentUseCase) callGateway(ctx context.Context, p *payment.Payment, input ProcessPaymentInput) (*payment.Payment, error) {
	gw, breaker, err := uc.gateways.Get(uc.gatewayName)
	if err != nil {
		return nil, err
	}

	key := input.IdempotencyKey
	if key == "" {
		key = "payment-" + p.OrderID
	}

	callCtx, cancel := context.WithTimeout(ctx, uc.callTimeout)
	defer cancel()

	result, err := breaker.Execute(func() (*gateway.Result, error) {
		return gw.CreateIntent(callCtx, gateway.IntentRequest{
			PaymentID:      p.ID.String(),
			OrderID:        p.OrderID,
			AmountCents:    p.Amount.ValueCents,
			Currency:       p.Amount.Currency,
			IdempotencyKey: key,
			Metadata:       p.Metadata,
		})
	})
	if err != nil {
		// A timeout or gateway exception decides the payment: it goes to
		// FAILED with the reason, keeping the state machine total. The
		// error is still raised so callers see the attempt did not stick.
		uc.logger.Warn().Err(err).
			Str("payment_id", p.ID.String()).
			Str("gateway", uc.gatewayName).
			Msg("gateway call failed")
		if markErr := p.MarkFailed(err.Error()); markErr != nil {
			return nil, markErr
		}
		if persistErr := uc.persistAndPublish(ctx, p); persistErr != nil {
			return nil, persistErr
		}
		return p, fmt.Errorf("gateway %s: %w", uc.gatewayName, err)
	}

	switch result.Status {
	case gateway.StatusSucceeded:
		if err := p.MarkSucceeded(result.Reference); err != nil {
			return nil, err
		}
	case gateway.StatusDeclined:
		reason := result.ErrorMessage
		if reason == "" {
			reason = result.DeclineCode
		}
		if err := p.MarkFailed(reason); err != nil {
			return nil, err
		}
	case gateway.StatusPending:
		// The gateway will decide later; a redelivery picks it up.
		return p, fmt.Errorf("gateway %s: %w", uc.gatewayName, domainErrors.ErrGatewayUnavailable)
	}

	if err := uc.persistAndPublish(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// persistAndPublish saves the aggregate inside a transaction, then
// publishes the buffered events. Publishing happens only after the state
// is durable, so subscribers never see events for state that was rolled
// back.
func (uc *ProcessPaymentUseCase) persistAndPublish(ctx context.Context, p *payment.Payment) error {
	if err := uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		return uc.paymentRepo.Save(txCtx, p)
	}); err != nil {
		return err
	}

	for _, ev := range p.Events() {
		if err := uc.publisher.Publish(ctx, ev.Subject(), ev.SchemaVersion, ev.Payload); err != nil {
			return fmt.Errorf("publish %s: %w", ev.Subject(), err)
		}
	}
	p.ClearEvents()
	return nil
}
