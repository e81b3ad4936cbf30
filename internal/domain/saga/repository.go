package saga

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence contract for saga instances.
type Repository interface {
	// Save persists the instance, inserting or updating by ID.
	Save(ctx context.Context, i *Instance) error

	// FindByID retrieves a saga instance by its ID.
	// Returns errors.ErrSagaNotFound if it does not exist.
	FindByID(ctx context.Context, id uuid.UUID) (*Instance, error)

	// FindByOrderID retrieves the saga instance started for an order.
	FindByOrderID(ctx context.Context, orderID string) (*Instance, error)
}
