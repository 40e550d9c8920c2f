package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// KakaoPay notifications are a few hundred bytes; anything near this is abuse.
const maxWebhookBodyBytes = 64 << 10

var ErrPayloadTooLarge = errors.New("payload_too_large")

// HandlePaymentWebhook acknowledges every verified delivery with 200 so the
// provider stops retrying, including duplicates and unknown event types.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.webhooks.IngestWebhook(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}
