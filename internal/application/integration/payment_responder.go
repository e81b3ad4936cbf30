package integration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apppayment "github.com/openmercato/payments/internal/application/payment"
	appsaga "github.com/openmercato/payments/internal/application/saga"
	"github.com/openmercato/payments/internal/domain/payment"
	"github.com/openmercato/payments/internal/domain/saga"
	"github.com/openmercato/payments/internal/eventbus"
)

// PaymentResponder executes payment commands arriving on the bus and
// reports the outcome back to the saga.
type PaymentResponder struct {
	process   *apppayment.ProcessPaymentUseCase
	refund    *apppayment.RefundPaymentUseCase
	publisher EventPublisher
	logger    zerolog.Logger
}

func NewPaymentResponder(
	process *apppayment.ProcessPaymentUseCase,
	refund *apppayment.RefundPaymentUseCase,
	publisher EventPublisher,
	logger zerolog.Logger,
) *PaymentResponder {
	return &PaymentResponder{
		process:   process,
		refund:    refund,
		publisher: publisher,
		logger:    logger,
	}
}

// HandlePaymentRequest charges the order and answers the saga. Declines
// and gateway failures both decide the payment and are answered; only an
// error that left the payment undecided propagates so the bus redelivers
// the request.
func (r *PaymentResponder) HandlePaymentRequest(ctx context.Context, env eventbus.Envelope) error {
	var req appsaga.PaymentRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode payment request: %w", err)
	}

	var sagaID *uuid.UUID
	if id, err := uuid.Parse(req.SagaID); err == nil {
		sagaID = &id
	}

	p, err := r.process.Execute(ctx, apppayment.ProcessPaymentInput{
		OrderID:     req.OrderID,
		CustomerID:  req.CustomerID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		SagaID:      sagaID,
	})
	if err != nil && (p == nil || !p.IsTerminal()) {
		return err
	}

	res := appsaga.PaymentResponse{
		SagaID:    req.SagaID,
		OrderID:   req.OrderID,
		PaymentID: p.ID.String(),
		Succeeded: p.Status == payment.StatusSucceeded,
	}
	if p.FailureReason != nil {
		res.Reason = *p.FailureReason
	}
	return r.publisher.Publish(ctx, saga.StepPayment.ResponseSubject(), appsaga.SchemaVersion, res)
}

// HandleRefundRequest refunds a charged payment during saga compensation.
func (r *PaymentResponder) HandleRefundRequest(ctx context.Context, env eventbus.Envelope) error {
	var req appsaga.RefundRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode refund request: %w", err)
	}

	paymentID, err := uuid.Parse(req.PaymentID)
	if err != nil {
		r.logger.Error().
			Str("payment_id", req.PaymentID).
			Str("saga_id", req.SagaID).
			Msg("dropping refund request with malformed payment id")
		return nil
	}

	_, err = r.refund.Execute(ctx, apppayment.RefundPaymentInput{
		PaymentID: paymentID,
		Reason:    req.Reason,
	})
	return err
}
