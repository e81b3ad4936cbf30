package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	domainErrors "github.com/openmercato/payments/internal/domain/errors"
)

// SimulatedGateway is an in-process Gateway for local runs and tests. It
// remembers idempotency keys, so repeating a call after a timeout returns
// the original result instead of charging twice.
type SimulatedGateway struct {
	name        string
	failureRate float64 // 0.0 to 1.0
	latency     time.Duration
	timeoutRate float64 // 0.0 to 1.0

	mu   sync.Mutex
	seen map[string]*Result
}

type SimulatedOption func(*SimulatedGateway)

func WithFailureRate(rate float64) SimulatedOption {
	return func(g *SimulatedGateway) { g.failureRate = rate }
}

func WithLatency(d time.Duration) SimulatedOption {
	return func(g *SimulatedGateway) { g.latency = d }
}

func WithTimeoutRate(rate float64) SimulatedOption {
	return func(g *SimulatedGateway) { g.timeoutRate = rate }
}

func NewSimulatedGateway(name string, opts ...SimulatedOption) *SimulatedGateway {
	g := &SimulatedGateway{
		name:        name,
		failureRate: 0.0,
		latency:     100 * time.Millisecond,
		timeoutRate: 0.0,
		seen:        make(map[string]*Result),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *SimulatedGateway) Name() string { return g.name }

func (g *SimulatedGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Result, error) {
	if cached := g.replay(req.IdempotencyKey); cached != nil {
		return cached, nil
	}

	// Simulate latency
	select {
	case <-time.After(g.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Simulate timeout
	if rand.Float64() < g.timeoutRate {
		return nil, domainErrors.ErrGatewayTimeout
	}

	// Simulate decline
	if rand.Float64() < g.failureRate {
		res := &Result{
			Status:       StatusDeclined,
			DeclineCode:  "card_declined",
			ErrorMessage: fmt.Sprintf("%s: simulated decline for payment %s", g.name, req.PaymentID),
		}
		g.remember(req.IdempotencyKey, res)
		return res, nil
	}

	res := &Result{
		Reference: fmt.Sprintf("pi_%s", uuid.New().String()[:8]),
		Status:    StatusSucceeded,
	}
	g.remember(req.IdempotencyKey, res)
	return res, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if cached := g.replay(req.IdempotencyKey); cached != nil {
		return cached, nil
	}

	select {
	case <-time.After(g.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if rand.Float64() < g.failureRate {
		res := &Result{
			Status:       StatusDeclined,
			ErrorMessage: fmt.Sprintf("%s: simulated refund failure", g.name),
		}
		g.remember(req.IdempotencyKey, res)
		return res, nil
	}

	res := &Result{
		Reference: fmt.Sprintf("re_%s", uuid.New().String()[:8]),
		Status:    StatusSucceeded,
	}
	g.remember(req.IdempotencyKey, res)
	return res, nil
}

func (g *SimulatedGateway) replay(key string) *Result {
	if key == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen[key]
}

func (g *SimulatedGateway) remember(key string, res *Result) {
	if key == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[key] = res
}
