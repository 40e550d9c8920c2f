package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
)

type createOrderRequest struct {
	ProductRef string `json:"product_ref"`
	SajuKey    string `json:"saju_key"`
	Email      string `json:"email"`
}

type createPackageOrderRequest struct {
	PackageCode string `json:"package_code"`
	Email       string `json:"email"`
}

func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.SajuKey) == "" {
		AbortWithError(c, newValidationError("saju_key", "required", "saju_key is required"))
		return
	}

	respondIdempotent(s, c, "create_order", http.StatusCreated, func(ctx context.Context) (*orderdomain.CheckoutResult, error) {
		return s.orders.CreateOrder(ctx, orderdomain.CreateOrderRequest{
			AccountID:  accountID(c),
			ProductRef: strings.TrimSpace(req.ProductRef),
			SajuKey:    strings.TrimSpace(req.SajuKey),
			Email:      strings.TrimSpace(req.Email),
		})
	})
}

func (s *Server) CreatePackageOrder(c *gin.Context) {
	var req createPackageOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PackageCode) == "" {
		AbortWithError(c, newValidationError("package_code", "required", "package_code is required"))
		return
	}

	respondIdempotent(s, c, "create_package_order", http.StatusCreated, func(ctx context.Context) (*orderdomain.CheckoutResult, error) {
		return s.orders.CreatePackageOrder(ctx, orderdomain.CreatePackageOrderRequest{
			AccountID:   accountID(c),
			PackageCode: strings.TrimSpace(req.PackageCode),
			Email:       strings.TrimSpace(req.Email),
		})
	})
}

func (s *Server) PurchaseWithPoints(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.SajuKey) == "" {
		AbortWithError(c, newValidationError("saju_key", "required", "saju_key is required"))
		return
	}

	respondIdempotent(s, c, "purchase_with_points", http.StatusCreated, func(ctx context.Context) (*orderdomain.Order, error) {
		return s.orders.PurchaseWithPoints(ctx, orderdomain.PurchaseWithPointsRequest{
			AccountID:  accountID(c),
			ProductRef: strings.TrimSpace(req.ProductRef),
			SajuKey:    strings.TrimSpace(req.SajuKey),
			Email:      strings.TrimSpace(req.Email),
		})
	})
}

// ownedOrder loads :id and hides orders of other accounts.
func (s *Server) ownedOrder(c *gin.Context) (*orderdomain.Order, bool) {
	id, ok := orderIDParam(c)
	if !ok {
		return nil, false
	}
	order, err := s.orders.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if order.AccountID != accountID(c) {
		AbortWithError(c, orderdomain.ErrOrderNotFound)
		return nil, false
	}
	return order, true
}

func (s *Server) GetOrder(c *gin.Context) {
	order, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) GetOrderPayment(c *gin.Context) {
	order, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	status, err := s.orders.PaymentStatus(c.Request.Context(), order.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	events, err := s.webhooks.Events(c.Request.Context(), order.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status, "events": events})
}

func (s *Server) RefundOrder(c *gin.Context) {
	order, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	respondIdempotent(s, c, "refund_order", http.StatusOK, func(ctx context.Context) (*orderdomain.Order, error) {
		return s.orders.Refund(ctx, order.ID)
	})
}

func (s *Server) RetryReport(c *gin.Context) {
	order, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	updated, err := s.fulfillment.Retry(c.Request.Context(), order.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": updated})
}

func (s *Server) ListPackages(c *gin.Context) {
	packages, err := s.catalog.ListPackages(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": packages})
}
