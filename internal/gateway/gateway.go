package gateway

import (
	"context"
)

// IntentStatus is the outcome the gateway reports for an intent.
type IntentStatus string

const (
	StatusSucceeded IntentStatus = "succeeded"
	StatusDeclined  IntentStatus = "declined"
	StatusPending   IntentStatus = "pending"
)

// Result is what the gateway returns for a charge or refund attempt.
type Result struct {
	Reference    string
	Status       IntentStatus
	DeclineCode  string
	ErrorMessage string
}

// Gateway is the outbound port to a payment processor.
type Gateway interface {
	// Name returns the gateway name.
	Name() string
	// CreateIntent charges the customer. The idempotency key makes the
	// call safe to repeat after a timeout.
	CreateIntent(ctx context.Context, req IntentRequest) (*Result, error)
	// Refund returns money against an earlier successful intent.
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
}

type IntentRequest struct {
	PaymentID      string
	OrderID        string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type RefundRequest struct {
	PaymentID      string
	Reference      string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}
