package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	OrderID string `json:"orderId"`
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: 5 * time.Millisecond, Factor: 2}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New(NewMemoryTransport(), "payment-service", WithRetryPolicy(fastPolicy(3)))
	defer bus.Close()

	var mu sync.Mutex
	var got []Envelope
	err := bus.Subscribe(context.Background(), "payment.initiated.v1", func(ctx context.Context, env Envelope) error {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "payment.initiated.v1", 1, testPayload{OrderID: "order-1"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "envelope never delivered")

	mu.Lock()
	env := got[0]
	mu.Unlock()
	assert.Equal(t, "payment.initiated.v1", env.Subject)
	assert.Equal(t, "payment-service", env.SourceService)
	assert.NotEmpty(t, env.EventID)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, 0, env.RetryCount)
	assert.Equal(t, 1, env.SchemaVersion)

	var p testPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "order-1", p.OrderID)
}

func TestBus_CorrelationFlowsThroughContext(t *testing.T) {
	bus := New(NewMemoryTransport(), "payment-service")
	defer bus.Close()

	done := make(chan Envelope, 1)
	require.NoError(t, bus.Subscribe(context.Background(), "payment.processing.v1", func(ctx context.Context, env Envelope) error {
		done <- env
		return nil
	}))

	ctx := WithCorrelationID(context.Background(), "corr-42")
	ctx = WithCausationID(ctx, "evt-1")
	require.NoError(t, bus.Publish(ctx, "payment.processing.v1", 1, testPayload{OrderID: "order-1"}))

	select {
	case env := <-done:
		assert.Equal(t, "corr-42", env.CorrelationID)
		assert.Equal(t, "evt-1", env.CausationID)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}
}

func TestBus_HandlerContextCarriesEnvelopeIDs(t *testing.T) {
	bus := New(NewMemoryTransport(), "payment-service")
	defer bus.Close()

	type seen struct{ corr, cause string }
	done := make(chan seen, 1)
	require.NoError(t, bus.Subscribe(context.Background(), "payment.succeeded.v1", func(ctx context.Context, env Envelope) error {
		done <- seen{corr: CorrelationIDFrom(ctx), cause: CausationIDFrom(ctx)}
		return nil
	}))

	ctx := WithCorrelationID(context.Background(), "corr-7")
	require.NoError(t, bus.Publish(ctx, "payment.succeeded.v1", 1, testPayload{}))

	select {
	case s := <-done:
		assert.Equal(t, "corr-7", s.corr)
		assert.NotEmpty(t, s.cause)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}
}

func TestBus_QueueGroupCompetes(t *testing.T) {
	bus := New(NewMemoryTransport(), "payment-service")
	defer bus.Close()

	var a, b atomic.Int64
	require.NoError(t, bus.QueueSubscribe(context.Background(), "payment.initiated.v1", "payment-workers", func(ctx context.Context, env Envelope) error {
		a.Add(1)
		return nil
	}))
	require.NoError(t, bus.QueueSubscribe(context.Background(), "payment.initiated.v1", "payment-workers", func(ctx context.Context, env Envelope) error {
		b.Add(1)
		return nil
	}))

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(context.Background(), "payment.initiated.v1", 1, testPayload{}))
	}

	waitFor(t, func() bool { return a.Load()+b.Load() == n }, "queue group lost messages")
	assert.Positive(t, a.Load())
	assert.Positive(t, b.Load())
}

func TestBus_QueueSubscribeRequiresGroup(t *testing.T) {
	bus := New(NewMemoryTransport(), "payment-service")
	defer bus.Close()

	err := bus.QueueSubscribe(context.Background(), "payment.initiated.v1", "", func(ctx context.Context, env Envelope) error {
		return nil
	})
	assert.Error(t, err)
}

func TestBus_RetriesThenSucceeds(t *testing.T) {
	bus := New(NewMemoryTransport(), "payment-service", WithRetryPolicy(fastPolicy(3)))
	defer bus.Close()

	var attempts atomic.Int64
	var lastRetryCount atomic.Int64
	require.NoError(t, bus.QueueSubscribe(context.Background(), "payment.initiated.v1", "payment-workers", func(ctx context.Context, env Envelope) error {
		n := attempts.Add(1)
		lastRetryCount.Store(int64(env.RetryCount))
		if n < 3 {
			return assert.AnError
		}
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), "payment.initiated.v1", 1, testPayload{}))

	waitFor(t, func() bool { return attempts.Load() == 3 }, "handler not retried to success")
	assert.Equal(t, int64(2), lastRetryCount.Load())
}

func TestBus_DeadLettersAfterCeiling(t *testing.T) {
	bus := New(NewMemoryTransport(), "payment-service", WithRetryPolicy(fastPolicy(2)))
	defer bus.Close()

	var attempts atomic.Int64
	require.NoError(t, bus.QueueSubscribe(context.Background(), "payment.initiated.v1", "payment-workers", func(ctx context.Context, env Envelope) error {
		attempts.Add(1)
		return assert.AnError
	}))

	var deadLetters atomic.Int64
	require.NoError(t, bus.Subscribe(context.Background(), "payment.initiated.v1"+DLQSuffix, func(ctx context.Context, env Envelope) error {
		deadLetters.Add(1)
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), "payment.initiated.v1", 1, testPayload{OrderID: "order-9"}))

	// Initial delivery plus two retries, then exactly one dead letter.
	waitFor(t, func() bool { return attempts.Load() == 3 }, "retry ceiling not honored")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, int64(1), deadLetters.Load())
}

func TestBus_DeadLetterPayload(t *testing.T) {
	transport := NewMemoryTransport()
	bus := New(transport, "payment-service", WithRetryPolicy(fastPolicy(0)))
	defer bus.Close()

	require.NoError(t, bus.QueueSubscribe(context.Background(), "payment.failed.v1", "payment-workers", func(ctx context.Context, env Envelope) error {
		return assert.AnError
	}))

	done := make(chan []byte, 1)
	require.NoError(t, transport.Subscribe(context.Background(), "payment.failed.v1"+DLQSuffix, "", func(ctx context.Context, payload []byte) {
		done <- payload
	}))

	require.NoError(t, bus.Publish(context.Background(), "payment.failed.v1", 1, testPayload{OrderID: "order-9"}))

	select {
	case raw := <-done:
		var dl DeadLetter
		require.NoError(t, json.Unmarshal(raw, &dl))
		assert.Equal(t, "payment.failed.v1", dl.OriginalSubject)
		assert.Equal(t, "payment.failed.v1", dl.Envelope.Subject)
		assert.Contains(t, dl.Error, assert.AnError.Error())
		assert.False(t, dl.FailedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter never published")
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Factor: 2}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
}
