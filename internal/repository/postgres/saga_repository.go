package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainErrors "github.com/openmercato/payments/internal/domain/errors"
	"github.com/openmercato/payments/internal/domain/saga"
)

// SagaRepository implements saga.Repository using PostgreSQL. The order data
// and completed steps are stored as JSONB since the orchestrator always loads
// the whole instance before touching it.
type SagaRepository struct {
	pool *pgxpool.Pool
}

// NewSagaRepository creates a new SagaRepository.
func NewSagaRepository(pool *pgxpool.Pool) *SagaRepository {
	return &SagaRepository{pool: pool}
}

func (r *SagaRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

const sagaColumns = `id, state, data, completed_steps, failure_reason, started_at, updated_at`

// Save inserts the saga instance or updates its mutable columns by ID.
func (r *SagaRepository) Save(ctx context.Context, i *saga.Instance) error {
	data, err := json.Marshal(i.Data)
	if err != nil {
		return fmt.Errorf("marshal saga data: %w", err)
	}
	steps, err := json.Marshal(i.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed steps: %w", err)
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO sagas
		 (id, state, data, completed_steps, failure_reason, started_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
		  state = EXCLUDED.state,
		  data = EXCLUDED.data,
		  completed_steps = EXCLUDED.completed_steps,
		  failure_reason = EXCLUDED.failure_reason,
		  updated_at = EXCLUDED.updated_at`,
		i.ID, string(i.State), data, steps, i.FailureReason, i.StartedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save saga: %w", err)
	}
	return nil
}

// FindByID retrieves a saga instance by its ID.
func (r *SagaRepository) FindByID(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	return r.scanSaga(r.db(ctx).QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM sagas WHERE id = $1`, id))
}

// FindByOrderID retrieves the saga instance started for an order.
func (r *SagaRepository) FindByOrderID(ctx context.Context, orderID string) (*saga.Instance, error) {
	return r.scanSaga(r.db(ctx).QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM sagas WHERE data->>'orderId' = $1`, orderID))
}

func (r *SagaRepository) scanSaga(s scanner) (*saga.Instance, error) {
	i := &saga.Instance{}
	var (
		state string
		data  []byte
		steps []byte
	)
	err := s.Scan(&i.ID, &state, &data, &steps, &i.FailureReason, &i.StartedAt, &i.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrSagaNotFound
		}
		return nil, fmt.Errorf("scan saga: %w", err)
	}
	i.State = saga.State(state)
	if err := json.Unmarshal(data, &i.Data); err != nil {
		return nil, fmt.Errorf("unmarshal saga data: %w", err)
	}
	if err := json.Unmarshal(steps, &i.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	return i, nil
}
