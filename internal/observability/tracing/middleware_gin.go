package tracing

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/fortunepay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrAccountID = attribute.Key("fortunepay.account_id")
	AttrOrderID   = attribute.Key("fortunepay.order_id")
	AttrProvider  = attribute.Key("payment.provider")
	AttrRequestID = attribute.Key("request_id")
)

// GinMiddleware opens a server span per request. It must run after the
// request logger so the correlation fields are already on the context.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("fortunepay/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withCorrelationBaggage(ctx)
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + c.Request.Method + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)...)
		// Handlers add the order id to the request context after resolving it.
		span.SetAttributes(correlationAttributes(c.Request.Context())...)

		if status >= http.StatusInternalServerError {
			if last := c.Errors.Last(); last != nil {
				if safe := SafeError(last.Err); safe != nil {
					span.RecordError(safe)
				}
			}
			msg := "request error"
			if status == http.StatusBadGateway {
				msg = "payment provider error"
			}
			span.SetStatus(codes.Error, msg)
		}
		span.End()
	}
}

func correlationAttributes(ctx context.Context) []attribute.KeyValue {
	f := obscontext.FieldsFromContext(ctx)
	attrs := make([]attribute.KeyValue, 0, 4)
	if f.RequestID != "" {
		attrs = append(attrs, AttrRequestID.String(f.RequestID))
	}
	if f.AccountID != "" {
		attrs = append(attrs, AttrAccountID.String(f.AccountID))
	}
	if f.OrderID != "" {
		attrs = append(attrs, AttrOrderID.String(f.OrderID))
	}
	if f.Provider != "" {
		attrs = append(attrs, AttrProvider.String(f.Provider))
	}
	return attrs
}

// withCorrelationBaggage propagates the request and account ids to
// downstream calls such as the KakaoPay client and the report topic.
func withCorrelationBaggage(ctx context.Context) context.Context {
	f := obscontext.FieldsFromContext(ctx)
	bag := baggage.FromContext(ctx)
	for key, value := range map[string]string{"request_id": f.RequestID, "account_id": f.AccountID} {
		if value == "" {
			continue
		}
		member, err := baggage.NewMember(key, value)
		if err != nil {
			continue
		}
		if next, err := bag.SetMember(member); err == nil {
			bag = next
		}
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
