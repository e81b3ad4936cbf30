package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmercato/payments/internal/domain/saga"
	"github.com/openmercato/payments/internal/eventbus"
	"github.com/openmercato/payments/internal/testutil"
)

func newOrchestratorFixture(t *testing.T) (*Orchestrator, *testutil.MockSagaRepository, *testutil.MockPublisher) {
	t.Helper()
	repo := testutil.NewMockSagaRepository()
	publisher := &testutil.MockPublisher{}
	o := NewOrchestrator(repo, &testutil.MockTxManager{}, publisher, zerolog.Nop())
	return o, repo, publisher
}

func startSaga(t *testing.T, o *Orchestrator) *saga.Instance {
	t.Helper()
	instance, err := o.Start(context.Background(), StartSagaInput{
		OrderID:    "order-123",
		CustomerID: "customer-456",
		Currency:   "USD",
		Items:      []saga.OrderItem{{ProductID: "sku-1", Quantity: 2}},
	})
	require.NoError(t, err)
	return instance
}

func envelopeFor(t *testing.T, subject string, payload any) eventbus.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventbus.NewEnvelope(subject, "corr-1", "", "test", SchemaVersion, data)
}

func TestOrchestrator_Start(t *testing.T) {
	o, repo, publisher := newOrchestratorFixture(t)

	instance := startSaga(t, o)
	assert.Equal(t, saga.StateAwaitingProductInfo, instance.State)

	stored, err := repo.FindByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.ID, stored.ID)

	assert.Equal(t, []string{"integration.product.info.requested.v1"}, publisher.Subjects())
}

func TestOrchestrator_HandleOrderPlaced(t *testing.T) {
	o, repo, publisher := newOrchestratorFixture(t)

	placed := OrderPlaced{
		OrderID:    "order-123",
		CustomerID: "customer-456",
		Currency:   "USD",
		Items:      []saga.OrderItem{{ProductID: "sku-1", Quantity: 2}},
	}
	env := envelopeFor(t, SubjectOrderPlaced, placed)

	require.NoError(t, o.HandleOrderPlaced(context.Background(), env))

	stored, err := repo.FindByOrderID(context.Background(), "order-123")
	require.NoError(t, err)
	assert.Equal(t, saga.StateAwaitingProductInfo, stored.State)
	assert.Equal(t, []string{"integration.product.info.requested.v1"}, publisher.Subjects())

	// A redelivered trigger must not start a second saga.
	publisher.Reset()
	require.NoError(t, o.HandleOrderPlaced(context.Background(), env))
	assert.Empty(t, publisher.Subjects())
}

func TestOrchestrator_HappyPath(t *testing.T) {
	o, repo, publisher := newOrchestratorFixture(t)
	instance := startSaga(t, o)
	publisher.Reset()

	err := o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID:     instance.ID.String(),
		OrderID:    "order-123",
		Found:      true,
		TotalCents: 10_000,
		Currency:   "USD",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"integration.stock.validation.requested.v1"}, publisher.Subjects())
	publisher.Reset()

	err = o.HandleStockValidationResponse(context.Background(), envelopeFor(t, saga.StepStockValidation.ResponseSubject(), StockValidationResponse{
		SagaID:  instance.ID.String(),
		OrderID: "order-123",
		InStock: true,
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"integration.user.info.requested.v1"}, publisher.Subjects())
	publisher.Reset()

	err = o.HandleUserInfoProvided(context.Background(), envelopeFor(t, saga.StepUserInfo.ResponseSubject(), UserInfoResponse{
		SagaID:     instance.ID.String(),
		CustomerID: "customer-456",
		Found:      true,
		Name:       "Ada Lovelace",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"integration.payment.requested.v1"}, publisher.Subjects())

	// The payment request carries the total learned from the product step.
	var payReq PaymentRequest
	raw, err := json.Marshal(publisher.Published()[0].Payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &payReq))
	assert.Equal(t, int64(10_000), payReq.AmountCents)
	assert.Equal(t, "USD", payReq.Currency)
	publisher.Reset()

	err = o.HandlePaymentResponse(context.Background(), envelopeFor(t, saga.StepPayment.ResponseSubject(), PaymentResponse{
		SagaID:    instance.ID.String(),
		OrderID:   "order-123",
		PaymentID: "pay-1",
		Succeeded: true,
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{SubjectSagaCompleted}, publisher.Subjects())

	stored, err := repo.FindByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, stored.State)
	assert.Equal(t, "pay-1", stored.Data.PaymentID)
	assert.Equal(t, "Ada Lovelace", stored.Data.CustomerName)
}

func TestOrchestrator_FailureAfterStockReservesCompensation(t *testing.T) {
	o, repo, publisher := newOrchestratorFixture(t)
	instance := startSaga(t, o)

	require.NoError(t, o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", Found: true, TotalCents: 10_000, Currency: "USD",
	})))
	require.NoError(t, o.HandleStockValidationResponse(context.Background(), envelopeFor(t, saga.StepStockValidation.ResponseSubject(), StockValidationResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", InStock: true,
	})))
	publisher.Reset()

	err := o.HandleUserInfoProvided(context.Background(), envelopeFor(t, saga.StepUserInfo.ResponseSubject(), UserInfoResponse{
		SagaID:     instance.ID.String(),
		CustomerID: "customer-456",
		Found:      false,
		Reason:     "account closed",
	}))
	require.NoError(t, err)

	// Stock was the only completed step with something to undo.
	assert.Equal(t, []string{
		"integration.stock.release.requested.v1",
		SubjectSagaFailed,
	}, publisher.Subjects())

	stored, err := repo.FindByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, stored.State)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "account closed", *stored.FailureReason)
}

func TestOrchestrator_CompensationPublishFailureStillTerminates(t *testing.T) {
	o, repo, publisher := newOrchestratorFixture(t)
	instance := startSaga(t, o)

	require.NoError(t, o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", Found: true, TotalCents: 10_000, Currency: "USD",
	})))
	require.NoError(t, o.HandleStockValidationResponse(context.Background(), envelopeFor(t, saga.StepStockValidation.ResponseSubject(), StockValidationResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", InStock: true,
	})))

	// The stock release request cannot be published, but the saga must
	// still end in failed and announce it.
	var subjects []string
	publisher.PublishFunc = func(_ context.Context, subject string, _ int, _ any) error {
		if subject == saga.StepStockValidation.CompensationSubject() {
			return errors.New("broker unavailable")
		}
		subjects = append(subjects, subject)
		return nil
	}

	err := o.HandleUserInfoProvided(context.Background(), envelopeFor(t, saga.StepUserInfo.ResponseSubject(), UserInfoResponse{
		SagaID:     instance.ID.String(),
		CustomerID: "customer-456",
		Found:      false,
		Reason:     "account closed",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{SubjectSagaFailed}, subjects)

	stored, err := repo.FindByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, stored.State)
}

type recordingMetrics struct {
	steps         []string
	ended         []string
	compensations []string
}

func (m *recordingMetrics) SagaStepCompleted(step string) { m.steps = append(m.steps, step) }
func (m *recordingMetrics) SagaEnded(state string)        { m.ended = append(m.ended, state) }
func (m *recordingMetrics) CompensationRequested(step string) {
	m.compensations = append(m.compensations, step)
}

func TestOrchestrator_MetricsRecordCompletion(t *testing.T) {
	repo := testutil.NewMockSagaRepository()
	publisher := &testutil.MockPublisher{}
	metrics := &recordingMetrics{}
	o := NewOrchestrator(repo, &testutil.MockTxManager{}, publisher, zerolog.Nop(), WithMetrics(metrics))
	instance := startSaga(t, o)

	require.NoError(t, o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", Found: true, TotalCents: 10_000, Currency: "USD",
	})))
	require.NoError(t, o.HandleStockValidationResponse(context.Background(), envelopeFor(t, saga.StepStockValidation.ResponseSubject(), StockValidationResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", InStock: true,
	})))
	require.NoError(t, o.HandleUserInfoProvided(context.Background(), envelopeFor(t, saga.StepUserInfo.ResponseSubject(), UserInfoResponse{
		SagaID: instance.ID.String(), CustomerID: "customer-456", Found: true, Name: "Ada Lovelace",
	})))
	require.NoError(t, o.HandlePaymentResponse(context.Background(), envelopeFor(t, saga.StepPayment.ResponseSubject(), PaymentResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", PaymentID: "pay-1", Succeeded: true,
	})))

	assert.Equal(t, []string{"product_info", "stock_validation", "user_info", "payment"}, metrics.steps)
	assert.Equal(t, []string{"completed"}, metrics.ended)
	assert.Empty(t, metrics.compensations)
}

func TestOrchestrator_MetricsRecordCompensations(t *testing.T) {
	repo := testutil.NewMockSagaRepository()
	publisher := &testutil.MockPublisher{}
	metrics := &recordingMetrics{}
	o := NewOrchestrator(repo, &testutil.MockTxManager{}, publisher, zerolog.Nop(), WithMetrics(metrics))
	instance := startSaga(t, o)

	require.NoError(t, o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", Found: true, TotalCents: 10_000, Currency: "USD",
	})))
	require.NoError(t, o.HandleStockValidationResponse(context.Background(), envelopeFor(t, saga.StepStockValidation.ResponseSubject(), StockValidationResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", InStock: true,
	})))
	require.NoError(t, o.HandleUserInfoProvided(context.Background(), envelopeFor(t, saga.StepUserInfo.ResponseSubject(), UserInfoResponse{
		SagaID: instance.ID.String(), CustomerID: "customer-456", Found: false, Reason: "account closed",
	})))

	assert.Equal(t, []string{"product_info", "stock_validation"}, metrics.steps)
	assert.Equal(t, []string{"failed"}, metrics.ended)
	assert.Equal(t, []string{"stock_validation"}, metrics.compensations)
}

func TestOrchestrator_FirstStepFailureHasNoCompensations(t *testing.T) {
	o, repo, publisher := newOrchestratorFixture(t)
	instance := startSaga(t, o)
	publisher.Reset()

	err := o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID:  instance.ID.String(),
		OrderID: "order-123",
		Found:   false,
		Reason:  "product discontinued",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{SubjectSagaFailed}, publisher.Subjects())

	stored, err := repo.FindByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, stored.State)
}

func TestOrchestrator_PaymentFailure(t *testing.T) {
	o, _, publisher := newOrchestratorFixture(t)
	instance := startSaga(t, o)

	require.NoError(t, o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", Found: true, TotalCents: 10_000, Currency: "USD",
	})))
	require.NoError(t, o.HandleStockValidationResponse(context.Background(), envelopeFor(t, saga.StepStockValidation.ResponseSubject(), StockValidationResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", InStock: true,
	})))
	require.NoError(t, o.HandleUserInfoProvided(context.Background(), envelopeFor(t, saga.StepUserInfo.ResponseSubject(), UserInfoResponse{
		SagaID: instance.ID.String(), CustomerID: "customer-456", Found: true, Name: "Ada Lovelace",
	})))
	publisher.Reset()

	err := o.HandlePaymentResponse(context.Background(), envelopeFor(t, saga.StepPayment.ResponseSubject(), PaymentResponse{
		SagaID:    instance.ID.String(),
		OrderID:   "order-123",
		Succeeded: false,
		Reason:    "card declined",
	}))
	require.NoError(t, err)

	// The failed payment itself is not compensated, only the stock hold.
	assert.Equal(t, []string{
		"integration.stock.release.requested.v1",
		SubjectSagaFailed,
	}, publisher.Subjects())
}

func TestOrchestrator_RedeliveredResponseIsDropped(t *testing.T) {
	o, _, publisher := newOrchestratorFixture(t)
	instance := startSaga(t, o)

	env := envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", Found: true, TotalCents: 10_000, Currency: "USD",
	})
	require.NoError(t, o.HandleProductInfoProvided(context.Background(), env))
	publisher.Reset()

	// Same response again: the saga has moved on.
	require.NoError(t, o.HandleProductInfoProvided(context.Background(), env))
	assert.Empty(t, publisher.Subjects())
}

func TestOrchestrator_UnknownSagaIsDropped(t *testing.T) {
	o, _, publisher := newOrchestratorFixture(t)

	err := o.HandleStockValidationResponse(context.Background(), envelopeFor(t, saga.StepStockValidation.ResponseSubject(), StockValidationResponse{
		SagaID:  "2c6a1f3e-0000-4000-8000-000000000000",
		OrderID: "order-999",
		InStock: true,
	}))
	require.NoError(t, err)
	assert.Empty(t, publisher.Subjects())
}

func TestOrchestrator_FailureOnTerminalSagaIsDropped(t *testing.T) {
	o, repo, publisher := newOrchestratorFixture(t)
	instance := startSaga(t, o)

	require.NoError(t, o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", Found: false, Reason: "gone",
	})))
	publisher.Reset()

	require.NoError(t, o.HandleProductInfoProvided(context.Background(), envelopeFor(t, saga.StepProductInfo.ResponseSubject(), ProductInfoResponse{
		SagaID: instance.ID.String(), OrderID: "order-123", Found: false, Reason: "gone",
	})))
	assert.Empty(t, publisher.Subjects())

	stored, err := repo.FindByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, stored.State)
}
