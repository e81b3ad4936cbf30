package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainErrors "github.com/openmercato/payments/internal/domain/errors"
	"github.com/openmercato/payments/internal/domain/payment"
	"github.com/openmercato/payments/internal/gateway"
)

// RefundPaymentInput is the command to return money for a payment. A nil
// amount refunds the full original charge.
type RefundPaymentInput struct {
	PaymentID   uuid.UUID `validate:"required"`
	AmountCents *int64    `validate:"omitempty,gt=0"`
	Currency    string    `validate:"omitempty,len=3"`
	Reason      string    `validate:"-"`
}

// RefundPaymentUseCase refunds a succeeded payment through the gateway
// and records the refund on the aggregate.
type RefundPaymentUseCase struct {
	paymentRepo payment.Repository
	txManager   TransactionManager
	gateways    *gateway.Factory
	publisher   EventPublisher
	validate    *validator.Validate
	logger      zerolog.Logger

	gatewayName string
	callTimeout time.Duration
	metrics     Metrics
}

// RefundOption configures a RefundPaymentUseCase.
type RefundOption func(*RefundPaymentUseCase)

// WithRefundMetrics records every completed refund.
func WithRefundMetrics(m Metrics) RefundOption {
	return func(uc *RefundPaymentUseCase) { uc.metrics = m }
}

// NewRefundPaymentUseCase creates a new RefundPaymentUseCase.
func NewRefundPaymentUseCase(
	paymentRepo payment.Repository,
	txManager TransactionManager,
	gateways *gateway.Factory,
	publisher EventPublisher,
	gatewayName string,
	callTimeout time.Duration,
	logger zerolog.Logger,
	opts ...RefundOption,
) *RefundPaymentUseCase {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	uc := &RefundPaymentUseCase{
		paymentRepo: paymentRepo,
		txManager:   txManager,
		gateways:    gateways,
		publisher:   publisher,
		validate:    validator.New(),
		logger:      logger,
		gatewayName: gatewayName,
		callTimeout: callTimeout,
		metrics:     nopMetrics{},
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Execute refunds the payment. Refunding an already refunded payment is
// a no-op, so the command tolerates redelivery.
func (uc *RefundPaymentUseCase) Execute(ctx context.Context, input RefundPaymentInput) (*payment.Payment, error) {
	if err := uc.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrInvalidInput, err)
	}
	start := time.Now()

	p, err := uc.paymentRepo.FindByID(ctx, input.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", input.PaymentID, err)
	}

	if p.Status == payment.StatusRefunded {
		return p, nil
	}
	if p.Status != payment.StatusSucceeded {
		return nil, domainErrors.NewDomainError(
			"payment_not_refundable",
			fmt.Sprintf("payment %s is %s, only succeeded payments can be refunded", p.ID, p.Status),
			domainErrors.ErrPaymentNotRefundable,
		)
	}
	if p.GatewayReference == nil {
		return nil, domainErrors.NewDomainError(
			"missing_gateway_reference",
			fmt.Sprintf("payment %s has no gateway reference to refund against", p.ID),
			domainErrors.ErrInvalidGatewayReference,
		)
	}

	var refundAmount *payment.Amount
	amountCents := p.Amount.ValueCents
	if input.AmountCents != nil {
		currency := input.Currency
		if currency == "" {
			currency = p.Amount.Currency
		}
		refundAmount = &payment.Amount{ValueCents: *input.AmountCents, Currency: currency}
		amountCents = *input.AmountCents

		// Validate before touching the gateway, so a bad request never
		// moves money.
		if currency != p.Amount.Currency {
			return nil, domainErrors.NewDomainError(
				"refund_currency_mismatch",
				fmt.Sprintf("refund currency %s does not match original %s", currency, p.Amount.Currency),
				domainErrors.ErrRefundCurrencyMismatch,
			)
		}
		if amountCents > p.Amount.ValueCents {
			return nil, domainErrors.NewDomainError(
				"refund_exceeds_original",
				fmt.Sprintf("refund of %d exceeds original %d", amountCents, p.Amount.ValueCents),
				domainErrors.ErrRefundExceedsOriginal,
			)
		}
	}

	gw, breaker, err := uc.gateways.Get(uc.gatewayName)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, uc.callTimeout)
	defer cancel()

	result, err := breaker.Execute(func() (*gateway.Result, error) {
		return gw.Refund(callCtx, gateway.RefundRequest{
			PaymentID:      p.ID.String(),
			Reference:      *p.GatewayReference,
			AmountCents:    amountCents,
			Currency:       p.Amount.Currency,
			IdempotencyKey: "refund-" + p.ID.String(),
		})
	})
	if err != nil {
		uc.logger.Warn().Err(err).
			Str("payment_id", p.ID.String()).
			Str("gateway", uc.gatewayName).
			Msg("gateway refund failed")
		return p, fmt.Errorf("gateway %s: %w", uc.gatewayName, err)
	}
	if result.Status != gateway.StatusSucceeded {
		return p, domainErrors.NewDomainError(
			"refund_rejected",
			fmt.Sprintf("gateway rejected refund for payment %s: %s", p.ID, result.ErrorMessage),
			domainErrors.ErrGatewayDeclined,
		)
	}

	if err := p.Refund(refundAmount, input.Reason); err != nil {
		return nil, err
	}

	if err := uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		return uc.paymentRepo.Save(txCtx, p)
	}); err != nil {
		return nil, err
	}
	for _, ev := range p.Events() {
		if err := uc.publisher.Publish(ctx, ev.Subject(), ev.SchemaVersion, ev.Payload); err != nil {
			return nil, fmt.Errorf("publish %s: %w", ev.Subject(), err)
		}
	}
	p.ClearEvents()

	uc.metrics.PaymentDecided(string(p.Status), time.Since(start))
	return p, nil
}
