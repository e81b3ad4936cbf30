package gateway

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Factory holds the configured gateways, each behind its own circuit
// breaker so a flapping processor does not take the worker down with it.
type Factory struct {
	gateways      map[string]Gateway
	breakers      map[string]*gobreaker.CircuitBreaker[*Result]
	onStateChange func(name, state string)
}

// OnBreakerStateChange installs a hook notified whenever any registered
// gateway's breaker transitions. It applies to breakers registered before
// and after the call.
func (f *Factory) OnBreakerStateChange(fn func(name, state string)) {
	f.onStateChange = fn
}

func NewFactory(gateways ...Gateway) *Factory {
	f := &Factory{
		gateways: make(map[string]Gateway),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*Result]),
	}

	if len(gateways) == 0 {
		f.Register(NewSimulatedGateway("stripe",
			WithLatency(200*time.Millisecond),
			WithFailureRate(0.05),
		))
	} else {
		for _, g := range gateways {
			f.Register(g)
		}
	}

	return f
}

func (f *Factory) Register(g Gateway) {
	f.gateways[g.Name()] = g
	f.breakers[g.Name()] = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        g.Name(),
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if f.onStateChange != nil {
				f.onStateChange(name, to.String())
			}
		},
	})
}

func (f *Factory) Get(name string) (Gateway, *gobreaker.CircuitBreaker[*Result], error) {
	g, ok := f.gateways[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown gateway %q", name)
	}
	return g, f.breakers[name], nil
}
