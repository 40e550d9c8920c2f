package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/fortunepay/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestGinMiddlewareRecordsOrderSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	defer otel.SetTracerProvider(prev)

	var accountBaggage string
	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := obscontext.WithRequestID(c.Request.Context(), "req-1")
		c.Request = c.Request.WithContext(obscontext.WithAccountID(ctx, "42"))
		c.Next()
	})
	r.Use(GinMiddleware())
	r.GET("/api/orders/:id", func(c *gin.Context) {
		accountBaggage = baggage.FromContext(c.Request.Context()).Member("account_id").Value()
		c.Request = c.Request.WithContext(obscontext.WithOrderID(c.Request.Context(), c.Param("id")))
		c.Status(http.StatusBadGateway)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/orders/1001", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "HTTP GET /api/orders/:id", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "payment provider error", span.Status().Description)
	assert.Equal(t, "42", accountBaggage)

	attrs := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "1001", attrs[AttrOrderID])
	assert.Equal(t, "42", attrs[AttrAccountID])
	assert.Equal(t, "req-1", attrs[AttrRequestID])
	assert.Equal(t, "502", attrs["http.status_code"])
}
