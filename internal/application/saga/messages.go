package saga

import (
	"github.com/openmercato/payments/internal/domain/saga"
)

// SchemaVersion is the version stamped on every saga message.
const SchemaVersion = 1

// Saga lifecycle subjects.
const (
	SubjectOrderPlaced   = "order.placed.v1"
	SubjectSagaCompleted = "saga.completed.v1"
	SubjectSagaFailed    = "saga.failed.v1"
)

// OrderPlaced is the external trigger that starts an order saga.
type OrderPlaced struct {
	OrderID    string           `json:"orderId"`
	CustomerID string           `json:"customerId"`
	Currency   string           `json:"currency"`
	Items      []saga.OrderItem `json:"items"`
}

// ProductInfoRequest asks the product service to price the order's items.
type ProductInfoRequest struct {
	SagaID  string           `json:"sagaId"`
	OrderID string           `json:"orderId"`
	Items   []saga.OrderItem `json:"items"`
}

// ProductInfoResponse carries prices back, or the reason none exist.
type ProductInfoResponse struct {
	SagaID     string           `json:"sagaId"`
	OrderID    string           `json:"orderId"`
	Found      bool             `json:"found"`
	Items      []saga.OrderItem `json:"items,omitempty"`
	TotalCents int64            `json:"totalCents,omitempty"`
	Currency   string           `json:"currency,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// StockValidationRequest asks the stock service to reserve the items.
type StockValidationRequest struct {
	SagaID  string           `json:"sagaId"`
	OrderID string           `json:"orderId"`
	Items   []saga.OrderItem `json:"items"`
}

// StockValidationResponse reports whether the reservation held.
type StockValidationResponse struct {
	SagaID  string `json:"sagaId"`
	OrderID string `json:"orderId"`
	InStock bool   `json:"inStock"`
	Reason  string `json:"reason,omitempty"`
}

// StockReleaseRequest undoes a reservation during compensation.
type StockReleaseRequest struct {
	SagaID  string           `json:"sagaId"`
	OrderID string           `json:"orderId"`
	Items   []saga.OrderItem `json:"items"`
}

// UserInfoRequest asks the user service for the paying customer.
type UserInfoRequest struct {
	SagaID     string `json:"sagaId"`
	CustomerID string `json:"customerId"`
}

// UserInfoResponse carries the customer back, or the reason they are missing.
type UserInfoResponse struct {
	SagaID     string `json:"sagaId"`
	CustomerID string `json:"customerId"`
	Found      bool   `json:"found"`
	Name       string `json:"name,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// PaymentRequest asks the payment worker to charge the order.
type PaymentRequest struct {
	SagaID      string `json:"sagaId"`
	OrderID     string `json:"orderId"`
	CustomerID  string `json:"customerId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// PaymentResponse reports the charge outcome.
type PaymentResponse struct {
	SagaID    string `json:"sagaId"`
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId,omitempty"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`
}

// RefundRequest undoes a successful charge during compensation.
type RefundRequest struct {
	SagaID    string `json:"sagaId"`
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason"`
}

// SagaCompleted announces a fully successful order saga.
type SagaCompleted struct {
	SagaID    string `json:"sagaId"`
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId,omitempty"`
}

// SagaFailed announces a saga that gave up, after its compensations were
// requested.
type SagaFailed struct {
	SagaID      string   `json:"sagaId"`
	OrderID     string   `json:"orderId"`
	Reason      string   `json:"reason"`
	Compensated []string `json:"compensated,omitempty"`
}
