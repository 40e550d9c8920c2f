package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type completeReportRequest struct {
	HTMLPath string `json:"html_path"`
	PDFPath  string `json:"pdf_path"`
}

type failReportRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CompleteReport(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req completeReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.HTMLPath) == "" && strings.TrimSpace(req.PDFPath) == "" {
		AbortWithError(c, newValidationError("html_path", "required", "html_path or pdf_path is required"))
		return
	}

	order, err := s.fulfillment.MarkCompleted(c.Request.Context(), id, strings.TrimSpace(req.HTMLPath), strings.TrimSpace(req.PDFPath))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) FailReport(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req failReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := s.fulfillment.MarkFailed(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}
