package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fortunepay/internal/idempotency"
	obscontext "github.com/smallbiznis/fortunepay/internal/observability/context"
	obslogger "github.com/smallbiznis/fortunepay/internal/observability/logger"
	"github.com/smallbiznis/fortunepay/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	HeaderAccount        = "X-Account-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	contextAccountIDKey  = "account_id"
)

// AccountRequired reads the account id set by the upstream auth proxy.
func AccountRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderAccount))
		accountID, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || accountID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextAccountIDKey, accountID)
		ctx := obscontext.WithAccountID(c.Request.Context(), raw)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func accountID(c *gin.Context) int64 {
	return c.GetInt64(contextAccountIDKey)
}

// respondIdempotent runs compute once per Idempotency-Key and replays the
// stored response for repeats. Without the header compute runs directly.
func respondIdempotent[T any](s *Server, c *gin.Context, operation string, status int, compute func(ctx context.Context) (T, error)) {
	ctx := c.Request.Context()
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))

	var (
		result T
		err    error
	)
	if key == "" || s.guard == nil {
		result, err = compute(ctx)
	} else {
		op := "http." + operation
		derived := idempotency.DeriveKey(accountID(c), op, map[string]string{"key": key}, 0, time.Time{})
		result, err = idempotency.Run(ctx, s.guard, derived, op, compute)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(status, result)
}

// OrderRateLimit throttles checkout per account. Must run after AccountRequired.
// A Redis failure lets the request through.
func (s *Server) OrderRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost || !s.limiter.Enabled() {
			c.Next()
			return
		}
		res, err := s.limiter.AllowOrder(c.Request.Context(), accountID(c))
		s.enforceLimit(c, res, err)
	}
}

// WebhookRateLimit throttles ingest per provider path segment.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		res, err := s.limiter.AllowWebhook(c.Request.Context(), c.Param("provider"))
		s.enforceLimit(c, res, err)
	}
}

func (s *Server) enforceLimit(c *gin.Context, res ratelimit.Result, err error) {
	if err != nil {
		obslogger.FromContext(c.Request.Context()).Warn("rate limiter unavailable", zap.Error(err))
		c.Next()
		return
	}
	if !res.Allowed {
		retry := int(math.Ceil(res.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		AbortWithError(c, ErrRateLimited)
		return
	}
	c.Next()
}

func redirect(c *gin.Context, location string) {
	c.Redirect(http.StatusFound, location)
}
