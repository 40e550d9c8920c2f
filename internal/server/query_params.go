package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/fortunepay/internal/observability/context"
	obslogger "github.com/smallbiznis/fortunepay/internal/observability/logger"
)

var errInvalidSnowflakeID = errors.New("invalid_snowflake_id")

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return 0, errInvalidSnowflakeID
	}
	return parsed, nil
}

// orderIDParam parses :id and tags the request log with it.
func orderIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid order id"))
		return 0, false
	}
	tagOrder(c, id)
	return id, true
}

// tagOrder puts the order id on the request log line and the request context.
func tagOrder(c *gin.Context, id snowflake.ID) {
	c.Set(obslogger.ContextKeyOrderID, id.String())
	c.Request = c.Request.WithContext(obscontext.WithOrderID(c.Request.Context(), id.String()))
}

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
