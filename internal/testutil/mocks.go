package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	domainErrors "github.com/openmercato/payments/internal/domain/errors"
	"github.com/openmercato/payments/internal/domain/payment"
	"github.com/openmercato/payments/internal/domain/saga"
)

// --- Payment Repository Mock ---

// MockPaymentRepository is a mock implementation of payment.Repository.
type MockPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*payment.Payment
	byOrder  map[string]*payment.Payment
	byRef    map[string]*payment.Payment

	SaveFunc                   func(ctx context.Context, p *payment.Payment) error
	FindByIDFunc               func(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	FindByOrderIDFunc          func(ctx context.Context, orderID string) (*payment.Payment, error)
	FindByGatewayReferenceFunc func(ctx context.Context, ref string) (*payment.Payment, error)
}

func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{
		payments: make(map[uuid.UUID]*payment.Payment),
		byOrder:  make(map[string]*payment.Payment),
		byRef:    make(map[string]*payment.Payment),
	}
}

func (m *MockPaymentRepository) Save(ctx context.Context, p *payment.Payment) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byOrder[p.OrderID]; ok && existing.ID != p.ID {
		return domainErrors.ErrDuplicateOrderPayment
	}
	m.payments[p.ID] = p
	m.byOrder[p.OrderID] = p
	if p.GatewayReference != nil {
		m.byRef[*p.GatewayReference] = p
	}
	return nil
}

func (m *MockPaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return p, nil
}

func (m *MockPaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*payment.Payment, error) {
	if m.FindByOrderIDFunc != nil {
		return m.FindByOrderIDFunc(ctx, orderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byOrder[orderID]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return p, nil
}

func (m *MockPaymentRepository) FindByGatewayReference(ctx context.Context, ref string) (*payment.Payment, error) {
	if m.FindByGatewayReferenceFunc != nil {
		return m.FindByGatewayReferenceFunc(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byRef[ref]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return p, nil
}

// --- Saga Repository Mock ---

// MockSagaRepository is a mock implementation of saga.Repository.
type MockSagaRepository struct {
	mu      sync.Mutex
	sagas   map[uuid.UUID]*saga.Instance
	byOrder map[string]*saga.Instance

	SaveFunc          func(ctx context.Context, i *saga.Instance) error
	FindByIDFunc      func(ctx context.Context, id uuid.UUID) (*saga.Instance, error)
	FindByOrderIDFunc func(ctx context.Context, orderID string) (*saga.Instance, error)
}

func NewMockSagaRepository() *MockSagaRepository {
	return &MockSagaRepository{
		sagas:   make(map[uuid.UUID]*saga.Instance),
		byOrder: make(map[string]*saga.Instance),
	}
}

func (m *MockSagaRepository) Save(ctx context.Context, i *saga.Instance) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, i)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sagas[i.ID] = i
	m.byOrder[i.Data.OrderID] = i
	return nil
}

func (m *MockSagaRepository) FindByID(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.sagas[id]
	if !ok {
		return nil, domainErrors.ErrSagaNotFound
	}
	return i, nil
}

func (m *MockSagaRepository) FindByOrderID(ctx context.Context, orderID string) (*saga.Instance, error) {
	if m.FindByOrderIDFunc != nil {
		return m.FindByOrderIDFunc(ctx, orderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byOrder[orderID]
	if !ok {
		return nil, domainErrors.ErrSagaNotFound
	}
	return i, nil
}

// --- Transaction Manager Mock ---

// MockTxManager runs the function with the same context, no transaction.
type MockTxManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func (m *MockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Event Publisher Mock ---

// PublishedEvent is one call captured by MockPublisher.
type PublishedEvent struct {
	Subject       string
	SchemaVersion int
	Payload       any
}

// MockPublisher records everything published through it.
type MockPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent

	PublishFunc func(ctx context.Context, subject string, schemaVersion int, v any) error
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, schemaVersion int, v any) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, subject, schemaVersion, v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, PublishedEvent{Subject: subject, SchemaVersion: schemaVersion, Payload: v})
	return nil
}

// Published returns a copy of the captured events.
func (m *MockPublisher) Published() []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Subjects returns the captured subjects in publish order.
func (m *MockPublisher) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Subject)
	}
	return out
}

// Reset drops everything captured so far.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
