package eventbus

import "context"

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	causationIDKey
)

// WithCorrelationID attaches a correlation id to the context. Handlers
// receive a context already carrying the envelope's correlation id, so
// anything they publish joins the same trace.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFrom returns the correlation id carried by the context,
// or an empty string.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithCausationID attaches the id of the event being handled, so that
// events published from the handler record what caused them.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey, id)
}

// CausationIDFrom returns the causation id carried by the context,
// or an empty string.
func CausationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(causationIDKey).(string)
	return id
}
