package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	appsaga "github.com/openmercato/payments/internal/application/saga"
	"github.com/openmercato/payments/internal/domain/saga"
	"github.com/openmercato/payments/internal/eventbus"
)

// EventPublisher is the outbound port responders answer through.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, schemaVersion int, v any) error
}

// ProductResponder answers product info requests from a static catalog of
// unit prices. Unknown products make the whole lookup fail, which in turn
// fails the saga.
type ProductResponder struct {
	publisher EventPublisher
	logger    zerolog.Logger
	currency  string
	catalog   map[string]int64
}

func NewProductResponder(publisher EventPublisher, currency string, catalog map[string]int64, logger zerolog.Logger) *ProductResponder {
	return &ProductResponder{
		publisher: publisher,
		logger:    logger,
		currency:  currency,
		catalog:   catalog,
	}
}

func (r *ProductResponder) HandleInfoRequest(ctx context.Context, env eventbus.Envelope) error {
	var req appsaga.ProductInfoRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode product info request: %w", err)
	}

	res := appsaga.ProductInfoResponse{
		SagaID:   req.SagaID,
		OrderID:  req.OrderID,
		Found:    true,
		Currency: r.currency,
	}
	for _, item := range req.Items {
		unit, ok := r.catalog[item.ProductID]
		if !ok {
			res = appsaga.ProductInfoResponse{
				SagaID:  req.SagaID,
				OrderID: req.OrderID,
				Found:   false,
				Reason:  fmt.Sprintf("unknown product %s", item.ProductID),
			}
			break
		}
		item.UnitCents = unit
		res.Items = append(res.Items, item)
		res.TotalCents += unit * int64(item.Quantity)
	}

	return r.publisher.Publish(ctx, saga.StepProductInfo.ResponseSubject(), appsaga.SchemaVersion, res)
}

// StockResponder validates and releases stock reservations against
// in-memory levels.
type StockResponder struct {
	publisher EventPublisher
	logger    zerolog.Logger

	mu     sync.Mutex
	levels map[string]int
}

func NewStockResponder(publisher EventPublisher, levels map[string]int, logger zerolog.Logger) *StockResponder {
	copied := make(map[string]int, len(levels))
	for k, v := range levels {
		copied[k] = v
	}
	return &StockResponder{
		publisher: publisher,
		logger:    logger,
		levels:    copied,
	}
}

func (r *StockResponder) HandleValidationRequest(ctx context.Context, env eventbus.Envelope) error {
	var req appsaga.StockValidationRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode stock validation request: %w", err)
	}

	res := appsaga.StockValidationResponse{
		SagaID:  req.SagaID,
		OrderID: req.OrderID,
		InStock: true,
	}
	if ok, short := r.reserve(req.Items); !ok {
		res.InStock = false
		res.Reason = fmt.Sprintf("insufficient stock for %s", short)
	}

	return r.publisher.Publish(ctx, saga.StepStockValidation.ResponseSubject(), appsaga.SchemaVersion, res)
}

func (r *StockResponder) HandleReleaseRequest(ctx context.Context, env eventbus.Envelope) error {
	var req appsaga.StockReleaseRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode stock release request: %w", err)
	}

	r.mu.Lock()
	for _, item := range req.Items {
		r.levels[item.ProductID] += item.Quantity
	}
	r.mu.Unlock()

	r.logger.Info().
		Str("saga_id", req.SagaID).
		Str("order_id", req.OrderID).
		Msg("stock reservation released")
	return nil
}

// reserve takes all items or none.
func (r *StockResponder) reserve(items []saga.OrderItem) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if r.levels[item.ProductID] < item.Quantity {
			return false, item.ProductID
		}
	}
	for _, item := range items {
		r.levels[item.ProductID] -= item.Quantity
	}
	return true, ""
}

// Level reports the current stock of a product.
func (r *StockResponder) Level(productID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[productID]
}

// UserResponder answers user info requests from a static directory.
type UserResponder struct {
	publisher EventPublisher
	logger    zerolog.Logger
	users     map[string]string
}

func NewUserResponder(publisher EventPublisher, users map[string]string, logger zerolog.Logger) *UserResponder {
	return &UserResponder{
		publisher: publisher,
		logger:    logger,
		users:     users,
	}
}

func (r *UserResponder) HandleInfoRequest(ctx context.Context, env eventbus.Envelope) error {
	var req appsaga.UserInfoRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode user info request: %w", err)
	}

	res := appsaga.UserInfoResponse{
		SagaID:     req.SagaID,
		CustomerID: req.CustomerID,
	}
	if name, ok := r.users[req.CustomerID]; ok {
		res.Found = true
		res.Name = name
	} else {
		res.Reason = fmt.Sprintf("unknown customer %s", req.CustomerID)
	}

	return r.publisher.Publish(ctx, saga.StepUserInfo.ResponseSubject(), appsaga.SchemaVersion, res)
}
