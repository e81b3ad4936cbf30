package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domainErrors "github.com/openmercato/payments/internal/domain/errors"
	"github.com/openmercato/payments/internal/domain/payment"
)

// PaymentRepository implements payment.Repository using PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const paymentColumns = `id, order_id, customer_id, amount, currency, status,
       gateway_reference, refunded_amount, failure_reason, saga_id, metadata,
       created_at, updated_at`

// Save inserts the payment or updates its mutable columns by ID. A second
// payment for the same order hits the unique order constraint.
func (r *PaymentRepository) Save(ctx context.Context, p *payment.Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var refundedStr *string
	if p.RefundedAmount != nil {
		s := centsToNumericString(p.RefundedAmount.ValueCents)
		refundedStr = &s
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO payments
		 (id, order_id, customer_id, amount, currency, status,
		  gateway_reference, refunded_amount, failure_reason, saga_id, metadata,
		  created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (id) DO UPDATE SET
		  status = EXCLUDED.status,
		  gateway_reference = EXCLUDED.gateway_reference,
		  refunded_amount = EXCLUDED.refunded_amount,
		  failure_reason = EXCLUDED.failure_reason,
		  saga_id = EXCLUDED.saga_id,
		  metadata = EXCLUDED.metadata,
		  updated_at = EXCLUDED.updated_at`,
		p.ID, p.OrderID, p.CustomerID,
		centsToNumericString(p.Amount.ValueCents), p.Amount.Currency, string(p.Status),
		p.GatewayReference, refundedStr, p.FailureReason, p.SagaID, metadata,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrDuplicateOrderPayment
		}
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

// FindByID retrieves a payment by its ID.
func (r *PaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return r.scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// FindByOrderID retrieves the payment attached to an order.
func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*payment.Payment, error) {
	return r.scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID))
}

// FindByGatewayReference retrieves a payment by the gateway's reference.
func (r *PaymentRepository) FindByGatewayReference(ctx context.Context, ref string) (*payment.Payment, error) {
	return r.scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_reference = $1`, ref))
}

// scanPayment scans a payment from any source implementing the scanner interface.
func (r *PaymentRepository) scanPayment(s scanner) (*payment.Payment, error) {
	p := &payment.Payment{Metadata: make(map[string]string)}
	var (
		amountStr   string
		status      string
		refundedStr *string
		metadata    []byte
	)
	err := s.Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &amountStr, &p.Amount.Currency, &status,
		&p.GatewayReference, &refundedStr, &p.FailureReason, &p.SagaID, &metadata,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	cents, err := numericStringToCents(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	p.Amount.ValueCents = cents
	p.Status = payment.Status(status)

	if refundedStr != nil {
		refCents, err := numericStringToCents(*refundedStr)
		if err != nil {
			return nil, fmt.Errorf("parse refunded amount: %w", err)
		}
		p.RefundedAmount = &payment.Amount{ValueCents: refCents, Currency: p.Amount.Currency}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal payment metadata: %w", err)
		}
	}
	return p, nil
}
