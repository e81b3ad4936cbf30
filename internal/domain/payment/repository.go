package payment

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence contract for payments.
type Repository interface {
	// Save persists the payment, inserting or updating by ID.
	Save(ctx context.Context, p *Payment) error

	// FindByID retrieves a payment by its ID.
	// Returns errors.ErrPaymentNotFound if it does not exist.
	FindByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// FindByOrderID retrieves the payment attached to an order.
	// Returns errors.ErrPaymentNotFound if it does not exist.
	FindByOrderID(ctx context.Context, orderID string) (*Payment, error)

	// FindByGatewayReference retrieves a payment by the reference the
	// gateway assigned to it.
	FindByGatewayReference(ctx context.Context, ref string) (*Payment, error)
}
