package server

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/fortunepay/internal/observability/logger"
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	pathOrderComplete = "/order/complete/"
	pathOrderFailed   = "/order/failed"
)

// ApproveCallback is where the provider sends the buyer after approval.
func (s *Server) ApproveCallback(c *gin.Context) {
	id, err := parseSnowflakeID(c.Query("order_id"))
	if err != nil {
		redirect(c, failedURL("invalid_order"))
		return
	}
	tagOrder(c, id)

	order, err := s.orders.ApproveCallback(c.Request.Context(), id, strings.TrimSpace(c.Query("pg_token")))
	if err != nil {
		obslogger.FromContext(c.Request.Context()).Warn("payment approval failed",
			zap.Error(err),
		)
		redirect(c, failedURL(approvalFailureMessage(err)))
		return
	}
	redirect(c, pathOrderComplete+order.ID.String())
}

// CancelCallback handles both the cancel and the fail provider redirects.
func (s *Server) CancelCallback(c *gin.Context) {
	id, err := parseSnowflakeID(c.Query("order_id"))
	if err != nil {
		redirect(c, failedURL("invalid_order"))
		return
	}
	tagOrder(c, id)

	reason := "cancelled"
	if strings.HasSuffix(c.FullPath(), "/fail") {
		reason = "payment_failed"
	}
	if _, err := s.orders.Cancel(c.Request.Context(), id); err != nil && !errors.Is(err, orderdomain.ErrOrderNotFound) {
		obslogger.FromContext(c.Request.Context()).Warn("cancel callback failed",
			zap.Error(err),
		)
	}
	redirect(c, failedURL(reason))
}

func approvalFailureMessage(err error) string {
	var gwErr *paymentdomain.GatewayError
	switch {
	case errors.As(err, &gwErr) && gwErr.Message != "":
		return gwErr.Message
	case errors.Is(err, orderdomain.ErrOrderExpired):
		return "order_expired"
	case errors.Is(err, orderdomain.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, orderdomain.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, orderdomain.ErrMethodNotAllowed):
		return "payment_method_not_allowed"
	default:
		return "payment_failed"
	}
}

func failedURL(message string) string {
	return pathOrderFailed + "?" + url.Values{"message": {message}}.Encode()
}
