package gateway

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/openmercato/payments/internal/domain/errors"
)

func TestSimulatedGateway_CreateIntent(t *testing.T) {
	t.Run("succeeds with a well formed reference", func(t *testing.T) {
		g := NewSimulatedGateway("stripe", WithLatency(0))

		res, err := g.CreateIntent(context.Background(), IntentRequest{
			PaymentID:   "pay-1",
			AmountCents: 10_000,
			Currency:    "USD",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.Regexp(t, regexp.MustCompile(`^[a-z]+_[A-Za-z0-9]+$`), res.Reference)
	})

	t.Run("always declines at full failure rate", func(t *testing.T) {
		g := NewSimulatedGateway("stripe", WithLatency(0), WithFailureRate(1.0))

		res, err := g.CreateIntent(context.Background(), IntentRequest{PaymentID: "pay-1"})
		require.NoError(t, err)
		assert.Equal(t, StatusDeclined, res.Status)
		assert.Equal(t, "card_declined", res.DeclineCode)
	})

	t.Run("always times out at full timeout rate", func(t *testing.T) {
		g := NewSimulatedGateway("stripe", WithLatency(0), WithTimeoutRate(1.0))

		_, err := g.CreateIntent(context.Background(), IntentRequest{PaymentID: "pay-1"})
		assert.ErrorIs(t, err, domainErrors.ErrGatewayTimeout)
	})

	t.Run("replays the result for a repeated idempotency key", func(t *testing.T) {
		g := NewSimulatedGateway("stripe", WithLatency(0))
		req := IntentRequest{PaymentID: "pay-1", IdempotencyKey: "payment-order-1"}

		first, err := g.CreateIntent(context.Background(), req)
		require.NoError(t, err)

		second, err := g.CreateIntent(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Reference, second.Reference)
	})

	t.Run("honors context cancellation during latency", func(t *testing.T) {
		g := NewSimulatedGateway("stripe", WithLatency(time.Second))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := g.CreateIntent(ctx, IntentRequest{PaymentID: "pay-1"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSimulatedGateway_Refund(t *testing.T) {
	g := NewSimulatedGateway("stripe", WithLatency(0))

	res, err := g.Refund(context.Background(), RefundRequest{
		PaymentID:   "pay-1",
		Reference:   "pi_abc12345",
		AmountCents: 5000,
		Currency:    "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Regexp(t, regexp.MustCompile(`^re_[A-Za-z0-9]+$`), res.Reference)
}

func TestFactory_Get(t *testing.T) {
	f := NewFactory(NewSimulatedGateway("stripe", WithLatency(0)))

	g, breaker, err := f.Get("stripe")
	require.NoError(t, err)
	assert.Equal(t, "stripe", g.Name())
	assert.NotNil(t, breaker)

	_, _, err = f.Get("unknown")
	assert.Error(t, err)
}
