package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmercato/payments/internal/domain/payment"
	"github.com/openmercato/payments/internal/domain/saga"
)

// NewPayment returns a pending payment for order-123 with a drained event
// buffer.
func NewPayment(t *testing.T) *payment.Payment {
	t.Helper()
	p, err := payment.New("order-123", "customer-456", payment.Amount{
		ValueCents: 10_000,
		Currency:   "USD",
	}, nil, nil)
	require.NoError(t, err)
	p.ClearEvents()
	return p
}

// NewSucceededPayment returns a payment already charged through the
// gateway under the given reference.
func NewSucceededPayment(t *testing.T, gatewayRef string) *payment.Payment {
	t.Helper()
	p := NewPayment(t)
	require.NoError(t, p.Process())
	require.NoError(t, p.MarkSucceeded(gatewayRef))
	p.ClearEvents()
	return p
}

// NewSaga returns a freshly started saga for order-123.
func NewSaga(t *testing.T) *saga.Instance {
	t.Helper()
	i, err := saga.Start("order-123", "customer-456", "USD", []saga.OrderItem{
		{ProductID: "sku-1", Quantity: 2},
	})
	require.NoError(t, err)
	return i
}
