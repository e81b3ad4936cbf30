package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/openmercato/payments/internal/domain/errors"
)

func newTestPayment(t *testing.T) *Payment {
	t.Helper()
	p, err := New("order-123", "customer-456", Amount{ValueCents: 10_000, Currency: "USD"}, nil, nil)
	require.NoError(t, err)
	p.ClearEvents()
	return p
}

func TestNew(t *testing.T) {
	t.Run("creates pending payment with created event", func(t *testing.T) {
		p, err := New("order-123", "customer-456", Amount{ValueCents: 5000, Currency: "EUR"}, nil, map[string]string{"channel": "web"})
		require.NoError(t, err)

		assert.Equal(t, StatusPending, p.Status)
		assert.Equal(t, "order-123", p.OrderID)
		assert.Equal(t, "customer-456", p.CustomerID)
		assert.Equal(t, int64(5000), p.Amount.ValueCents)
		assert.NotEqual(t, "", p.ID.String())

		events := p.Events()
		require.Len(t, events, 1)
		assert.Equal(t, KindCreated, events[0].Kind)
		assert.Equal(t, "payment.initiated.v1", events[0].Subject())
		assert.Equal(t, SchemaVersion, events[0].SchemaVersion)
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		_, err := New("order-123", "customer-456", Amount{ValueCents: 0, Currency: "USD"}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("rejects negative amount", func(t *testing.T) {
		_, err := New("order-123", "customer-456", Amount{ValueCents: -100, Currency: "USD"}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("rejects malformed currency", func(t *testing.T) {
		_, err := New("order-123", "customer-456", Amount{ValueCents: 100, Currency: "DOLLARS"}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("rejects empty order id", func(t *testing.T) {
		_, err := New("", "customer-456", Amount{ValueCents: 100, Currency: "USD"}, nil, nil)
		assert.Error(t, err)
	})
}

func TestPayment_Process(t *testing.T) {
	t.Run("pending to processing", func(t *testing.T) {
		p := newTestPayment(t)

		err := p.Process()
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, p.Status)

		events := p.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "payment.processing.v1", events[0].Subject())
	})

	t.Run("repeated process is a no-op", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.Process())
		p.ClearEvents()

		err := p.Process()
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, p.Status)
		assert.Empty(t, p.Events())
	})

	t.Run("cannot process a succeeded payment", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.Process())
		require.NoError(t, p.MarkSucceeded("pi_abc123"))

		err := p.Process()
		assert.ErrorIs(t, err, domainerrors.ErrInvalidStateTransition)
	})
}

func TestPayment_MarkSucceeded(t *testing.T) {
	t.Run("processing to succeeded stores gateway reference", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.Process())
		p.ClearEvents()

		err := p.MarkSucceeded("pi_abc123")
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, p.Status)
		require.NotNil(t, p.GatewayReference)
		assert.Equal(t, "pi_abc123", *p.GatewayReference)

		events := p.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "payment.succeeded.v1", events[0].Subject())
		assert.Equal(t, "pi_abc123", events[0].Payload.GatewayReference)
	})

	t.Run("same reference again is a no-op", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.Process())
		require.NoError(t, p.MarkSucceeded("pi_abc123"))
		p.ClearEvents()

		err := p.MarkSucceeded("pi_abc123")
		require.NoError(t, err)
		assert.Empty(t, p.Events())
	})

	t.Run("different reference is rejected", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.Process())
		require.NoError(t, p.MarkSucceeded("pi_abc123"))

		err := p.MarkSucceeded("pi_other999")
		assert.ErrorIs(t, err, domainerrors.ErrInvalidStateTransition)
		assert.Equal(t, "pi_abc123", *p.GatewayReference)
	})

	t.Run("malformed reference is rejected", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.Process())

		err := p.MarkSucceeded("not a reference")
		assert.ErrorIs(t, err, domainerrors.ErrInvalidGatewayReference)
		assert.Equal(t, StatusProcessing, p.Status)
	})

	t.Run("cannot succeed from pending", func(t *testing.T) {
		p := newTestPayment(t)

		err := p.MarkSucceeded("pi_abc123")
		assert.ErrorIs(t, err, domainerrors.ErrInvalidStateTransition)
	})
}

func TestPayment_MarkFailed(t *testing.T) {
	t.Run("processing to failed keeps reason", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.Process())
		p.ClearEvents()

		err := p.MarkFailed("card declined")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, p.Status)
		require.NotNil(t, p.FailureReason)
		assert.Equal(t, "card declined", *p.FailureReason)

		events := p.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "payment.failed.v1", events[0].Subject())
		assert.Equal(t, "card declined", events[0].Payload.Reason)
	})

	t.Run("fails straight from pending", func(t *testing.T) {
		p := newTestPayment(t)

		err := p.MarkFailed("validation rejected upstream")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, p.Status)
	})

	t.Run("repeated failure is a no-op", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.MarkFailed("card declined"))
		p.ClearEvents()

		err := p.MarkFailed("another reason")
		require.NoError(t, err)
		assert.Equal(t, "card declined", *p.FailureReason)
		assert.Empty(t, p.Events())
	})

	t.Run("cannot fail a succeeded payment", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.Process())
		require.NoError(t, p.MarkSucceeded("pi_abc123"))

		err := p.MarkFailed("too late")
		assert.ErrorIs(t, err, domainerrors.ErrInvalidStateTransition)
		assert.Equal(t, StatusSucceeded, p.Status)
	})
}

func TestPayment_Refund(t *testing.T) {
	succeeded := func(t *testing.T) *Payment {
		p := newTestPayment(t)
		require.NoError(t, p.Process())
		require.NoError(t, p.MarkSucceeded("pi_abc123"))
		p.ClearEvents()
		return p
	}

	t.Run("full refund when no amount given", func(t *testing.T) {
		p := succeeded(t)

		err := p.Refund(nil, "customer request")
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, p.Status)
		require.NotNil(t, p.RefundedAmount)
		assert.Equal(t, p.Amount, *p.RefundedAmount)

		events := p.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "payment.refunded.v1", events[0].Subject())
	})

	t.Run("partial refund in the original currency", func(t *testing.T) {
		p := succeeded(t)

		err := p.Refund(&Amount{ValueCents: 2500, Currency: "USD"}, "partial return")
		require.NoError(t, err)
		assert.Equal(t, int64(2500), p.RefundedAmount.ValueCents)
	})

	t.Run("currency mismatch is rejected", func(t *testing.T) {
		p := succeeded(t)

		err := p.Refund(&Amount{ValueCents: 2500, Currency: "EUR"}, "")
		assert.ErrorIs(t, err, domainerrors.ErrRefundCurrencyMismatch)
		assert.Equal(t, StatusSucceeded, p.Status)
	})

	t.Run("refund above the original amount is rejected", func(t *testing.T) {
		p := succeeded(t)

		err := p.Refund(&Amount{ValueCents: 99_999, Currency: "USD"}, "")
		assert.ErrorIs(t, err, domainerrors.ErrRefundExceedsOriginal)
	})

	t.Run("cannot refund a pending payment", func(t *testing.T) {
		p := newTestPayment(t)

		err := p.Refund(nil, "")
		assert.ErrorIs(t, err, domainerrors.ErrInvalidStateTransition)
	})

	t.Run("repeated refund is a no-op", func(t *testing.T) {
		p := succeeded(t)
		require.NoError(t, p.Refund(nil, ""))
		p.ClearEvents()

		err := p.Refund(nil, "")
		require.NoError(t, err)
		assert.Empty(t, p.Events())
	})
}

func TestPayment_IsTerminal(t *testing.T) {
	p := newTestPayment(t)
	assert.False(t, p.IsTerminal())

	require.NoError(t, p.Process())
	assert.False(t, p.IsTerminal())

	require.NoError(t, p.MarkSucceeded("pi_abc123"))
	assert.True(t, p.IsTerminal())

	require.NoError(t, p.Refund(nil, ""))
	assert.True(t, p.IsTerminal())
}

func TestEventKind_Subject(t *testing.T) {
	cases := []struct {
		kind    EventKind
		subject string
	}{
		{KindCreated, "payment.initiated.v1"},
		{KindProcessing, "payment.processing.v1"},
		{KindSucceeded, "payment.succeeded.v1"},
		{KindFailed, "payment.failed.v1"},
		{KindRefunded, "payment.refunded.v1"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.subject, tc.kind.Subject())
	}
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "100.00 USD", Amount{ValueCents: 10_000, Currency: "USD"}.String())
	assert.Equal(t, "0.05 EUR", Amount{ValueCents: 5, Currency: "EUR"}.String())
	assert.Equal(t, "12.34 BRL", Amount{ValueCents: 1234, Currency: "BRL"}.String())
}
