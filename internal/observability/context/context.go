// Package context carries correlation identifiers for logs and spans.
package context

import (
	"context"
	"strings"
)

type fieldsKey struct{}

// Fields is the correlation set attached to a request or background run.
// Each With* call copies it, so parents never see values set by children.
type Fields struct {
	RequestID string
	AccountID string
	OrderID   string
	Provider  string
	ActorType string
	ActorID   string
}

func FieldsFromContext(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func with(ctx context.Context, set func(*Fields)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	f := FieldsFromContext(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return with(ctx, func(f *Fields) { f.RequestID = requestID })
}

func RequestIDFromContext(ctx context.Context) string {
	return FieldsFromContext(ctx).RequestID
}

func WithAccountID(ctx context.Context, accountID string) context.Context {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ctx
	}
	return with(ctx, func(f *Fields) { f.AccountID = accountID })
}

func AccountIDFromContext(ctx context.Context) string {
	return FieldsFromContext(ctx).AccountID
}

func WithOrderID(ctx context.Context, orderID string) context.Context {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ctx
	}
	return with(ctx, func(f *Fields) { f.OrderID = orderID })
}

func OrderIDFromContext(ctx context.Context) string {
	return FieldsFromContext(ctx).OrderID
}

// WithProvider tags work driven by a payment provider callback or webhook.
func WithProvider(ctx context.Context, provider string) context.Context {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return ctx
	}
	return with(ctx, func(f *Fields) { f.Provider = provider })
}

// WithActor records who triggered the work: "user", "system", "provider".
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return with(ctx, func(f *Fields) {
		f.ActorType = strings.TrimSpace(actorType)
		f.ActorID = strings.TrimSpace(actorID)
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	f := FieldsFromContext(ctx)
	return f.ActorType, f.ActorID
}
