package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/fortunepay/internal/catalog/domain"
	fulfillmentdomain "github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	idempotencydomain "github.com/smallbiznis/fortunepay/internal/idempotency/domain"
	obslogger "github.com/smallbiznis/fortunepay/internal/observability/logger"
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusInternalServerError {
			obslogger.FromContext(c.Request.Context()).Error("request failed",
				zap.String("route", c.FullPath()),
				zap.Error(lastErr.Err),
			)
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

type errorMapping struct {
	target  error
	status  int
	errType string
	message string
}

// errorTable is checked in order; the first errors.Is match wins.
var errorTable = []errorMapping{
	{ErrUnauthorized, http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{ErrInvalidRequest, http.StatusBadRequest, "invalid_request", "invalid request"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "too many requests"},
	{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large"},

	{pointsdomain.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance", "insufficient points balance"},
	{pointsdomain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount", "amount must be positive"},
	{pointsdomain.ErrInvalidAccount, http.StatusBadRequest, "invalid_account", "invalid account"},
	{pointsdomain.ErrInvalidSource, http.StatusBadRequest, "invalid_source", "invalid source"},

	{orderdomain.ErrDuplicatePurchase, http.StatusConflict, "duplicate_purchase", "this report was already purchased"},
	{orderdomain.ErrOrderNotFound, http.StatusNotFound, "order_not_found", "order not found"},
	{orderdomain.ErrOrderExpired, http.StatusGone, "order_expired", "order expired"},
	{orderdomain.ErrOrderNotRefundable, http.StatusConflict, "order_not_refundable", "order cannot be refunded"},
	{orderdomain.ErrNoPayment, http.StatusConflict, "order_has_no_payment", "order has no provider payment"},
	{orderdomain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount", "amount out of range"},
	{orderdomain.ErrInvalidSajuKey, http.StatusBadRequest, "invalid_saju_key", "invalid saju key"},
	{orderdomain.ErrInvalidPGToken, http.StatusBadRequest, "invalid_pg_token", "invalid pg token"},
	{orderdomain.ErrInvalidAccount, http.StatusBadRequest, "invalid_account", "invalid account"},
	{orderdomain.ErrAmountMismatch, http.StatusBadGateway, "gateway_error", "approved amount does not match order"},
	{orderdomain.ErrMethodNotAllowed, http.StatusBadGateway, "gateway_error", "payment method not allowed"},

	{fulfillmentdomain.ErrOrderNotFound, http.StatusNotFound, "order_not_found", "order not found"},
	{fulfillmentdomain.ErrOrderNotPaid, http.StatusConflict, "order_not_paid", "order is not paid"},
	{fulfillmentdomain.ErrNotReportOrder, http.StatusConflict, "not_report_order", "order has no report"},
	{fulfillmentdomain.ErrInvalidTransition, http.StatusConflict, "invalid_report_transition", "report is not in a state that allows this"},
	{fulfillmentdomain.ErrQueueFull, http.StatusServiceUnavailable, "service_unavailable", "report queue is full"},
	{fulfillmentdomain.ErrDispatcherClosed, http.StatusServiceUnavailable, "service_unavailable", "report queue is closed"},

	{catalogdomain.ErrProductNotFound, http.StatusNotFound, "product_not_found", "product not found"},
	{catalogdomain.ErrPackageNotFound, http.StatusNotFound, "package_not_found", "package not found"},

	{paymentdomain.ErrProviderNotFound, http.StatusNotFound, "not_found", "not found"},
	{paymentdomain.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature", "invalid signature"},
	{paymentdomain.ErrInvalidPayload, http.StatusBadRequest, "invalid_payload", "invalid payload"},
	{paymentdomain.ErrInvalidEvent, http.StatusBadRequest, "invalid_payload", "invalid event"},

	{idempotencydomain.ErrInvalidKey, http.StatusBadRequest, "invalid_request", "invalid idempotency key"},
	{idempotencydomain.ErrInProgress, http.StatusConflict, "request_in_progress", "a request with this key is still running"},

	{ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{gorm.ErrRecordNotFound, http.StatusNotFound, "not_found", "not found"},
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// Provider failures surface the provider's own message.
	var gwErr *paymentdomain.GatewayError
	if errors.As(err, &gwErr) {
		msg := gwErr.Message
		if msg == "" {
			msg = "payment provider error"
		}
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_error",
			Message: msg,
		}
	}

	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, errorPayload{Type: m.errType, Message: m.message}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog returns the error type and code for the request log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		return "internal", payload.Type
	}
	if status == http.StatusBadGateway {
		return "upstream", payload.Type
	}
	return "client", payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}
