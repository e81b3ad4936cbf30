package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openmercato/payments/internal/application/integration"
	apppayment "github.com/openmercato/payments/internal/application/payment"
	appsaga "github.com/openmercato/payments/internal/application/saga"
	"github.com/openmercato/payments/internal/bootstrap"
	"github.com/openmercato/payments/internal/domain/saga"
	"github.com/openmercato/payments/internal/eventbus"
	"github.com/openmercato/payments/internal/gateway"
	"github.com/openmercato/payments/internal/infrastructure/observability"
	infraRedis "github.com/openmercato/payments/internal/infrastructure/redis"
	"github.com/openmercato/payments/internal/repository/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "payments-worker", "payments")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := registerHandlers(ctx, app); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to register handlers")
		os.Exit(1)
	}

	g, gCtx := errgroup.WithContext(ctx)

	if app.Config.Observability.EnableMetrics {
		g.Go(func() error {
			return runMetricsServer(gCtx, app)
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		return gCtx.Err()
	})

	app.Logger.Info().
		Str("queue_group", app.Config.Worker.QueueGroup).
		Msg("Worker started, consuming subjects...")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

// registerHandlers wires the orchestrator, the responders and the payment
// use cases, then subscribes each handler on its subject and queue group.
func registerHandlers(ctx context.Context, app *bootstrap.App) error {
	cfg := app.Config

	paymentRepo := postgres.NewPaymentRepository(app.Pool)
	sagaRepo := postgres.NewSagaRepository(app.Pool)
	txManager := postgres.NewTxManager(app.Pool)
	gateways := gateway.NewFactory(gateway.NewSimulatedGateway(cfg.Payment.Gateway))
	gateways.OnBreakerStateChange(app.Metrics.BreakerStateChanged)

	processUC := apppayment.NewProcessPaymentUseCase(
		paymentRepo, txManager, gateways, app.Bus,
		cfg.Payment.Gateway, cfg.Payment.ProcessingTimeout,
		observability.ComponentLogger(app.Logger, "process_payment"),
		apppayment.WithLimits(apppayment.Limits{
			MinAmountCents: cfg.Payment.MinAmountCents,
			MaxAmountCents: cfg.Payment.MaxAmountCents,
			Currencies:     cfg.Payment.SupportedCurrencies,
		}),
		apppayment.WithProcessMetrics(app.Metrics),
	)
	refundUC := apppayment.NewRefundPaymentUseCase(
		paymentRepo, txManager, gateways, app.Bus,
		cfg.Payment.Gateway, cfg.Payment.ProcessingTimeout,
		observability.ComponentLogger(app.Logger, "refund_payment"),
		apppayment.WithRefundMetrics(app.Metrics),
	)

	orchestrator := appsaga.NewOrchestrator(sagaRepo, txManager, app.Bus,
		observability.ComponentLogger(app.Logger, "orchestrator"),
		appsaga.WithMetrics(app.Metrics))

	// Demo downstream services answering the saga's integration requests.
	catalog := map[string]int64{
		"sku-basic":    1999,
		"sku-standard": 4999,
		"sku-premium":  9999,
	}
	stock := make(map[string]int, len(catalog))
	for sku := range catalog {
		stock[sku] = cfg.Saga.ProductStock
	}
	users := map[string]string{
		"customer-1": "Ada Lovelace",
		"customer-2": "Grace Hopper",
	}

	products := integration.NewProductResponder(app.Bus, cfg.Saga.Currency, catalog,
		observability.ComponentLogger(app.Logger, "product_responder"))
	stocks := integration.NewStockResponder(app.Bus, stock,
		observability.ComponentLogger(app.Logger, "stock_responder"))
	userResp := integration.NewUserResponder(app.Bus, users,
		observability.ComponentLogger(app.Logger, "user_responder"))
	payments := integration.NewPaymentResponder(processUC, refundUC, app.Bus,
		observability.ComponentLogger(app.Logger, "payment_responder"))

	subscriptions := []struct {
		subject string
		group   string
		handler eventbus.Handler
	}{
		{appsaga.SubjectOrderPlaced, cfg.Worker.QueueGroup, orchestrator.HandleOrderPlaced},
		{saga.StepProductInfo.ResponseSubject(), cfg.Worker.QueueGroup, orchestrator.HandleProductInfoProvided},
		{saga.StepStockValidation.ResponseSubject(), cfg.Worker.QueueGroup, orchestrator.HandleStockValidationResponse},
		{saga.StepUserInfo.ResponseSubject(), cfg.Worker.QueueGroup, orchestrator.HandleUserInfoProvided},
		{saga.StepPayment.ResponseSubject(), cfg.Worker.QueueGroup, orchestrator.HandlePaymentResponse},

		{saga.StepProductInfo.RequestSubject(), "product-service", products.HandleInfoRequest},
		{saga.StepStockValidation.RequestSubject(), "stock-service", stocks.HandleValidationRequest},
		{saga.StepStockValidation.CompensationSubject(), "stock-service", stocks.HandleReleaseRequest},
		{saga.StepUserInfo.RequestSubject(), "user-service", userResp.HandleInfoRequest},

		{saga.StepPayment.RequestSubject(), "payment-service", withOrderLock(app, payments.HandlePaymentRequest)},
		{saga.StepPayment.CompensationSubject(), "payment-service", payments.HandleRefundRequest},
	}

	for _, sub := range subscriptions {
		if err := app.Bus.QueueSubscribe(ctx, sub.subject, sub.group, sub.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
		app.Logger.Debug().
			Str("subject", sub.subject).
			Str("group", sub.group).
			Msg("Handler registered")
	}
	return nil
}

// withOrderLock serializes payment commands per order across worker
// instances. A held lock means another instance is already charging the
// order; returning an error sends the message back through the bus retry
// schedule instead of charging twice concurrently.
func withOrderLock(app *bootstrap.App, next eventbus.Handler) eventbus.Handler {
	return func(ctx context.Context, env eventbus.Envelope) error {
		var ref struct {
			OrderID string `json:"orderId"`
		}
		if err := env.Decode(&ref); err != nil || ref.OrderID == "" {
			return next(ctx, env)
		}

		lock := infraRedis.NewDistributedLock(app.Redis, "payment:order:"+ref.OrderID, app.Config.Payment.LockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire payment lock: %w", err)
		}
		if !acquired {
			return fmt.Errorf("order %s is being charged by another worker", ref.OrderID)
		}
		defer lock.Release(ctx)

		return next(ctx, env)
	}
}

func runMetricsServer(ctx context.Context, app *bootstrap.App) error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.Config.Observability.MetricsPort),
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Worker.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	app.Logger.Info().Int("port", app.Config.Observability.MetricsPort).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
