package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/fortunepay/internal/ledger/domain"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	"github.com/smallbiznis/fortunepay/pkg/db/pagination"
)

const defaultExpiringWindowDays = 30

type transactionView struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Amount       int64      `json:"amount"`
	BalanceAfter int64      `json:"balance_after"`
	Source       string     `json:"source"`
	ReferenceID  string     `json:"reference_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toTransactionViews(txns []ledgerdomain.Transaction) []transactionView {
	views := make([]transactionView, 0, len(txns))
	for _, t := range txns {
		views = append(views, transactionView{
			ID:           t.ID.String(),
			Kind:         string(t.Kind),
			Amount:       t.Amount,
			BalanceAfter: t.BalanceAfter,
			Source:       string(t.Source),
			ReferenceID:  t.ReferenceID,
			Description:  t.Description,
			ExpiresAt:    t.ExpiresAt,
			CreatedAt:    t.CreatedAt,
		})
	}
	return views
}

func (s *Server) GetBalance(c *gin.Context) {
	view, err := s.points.Balance(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

type listTransactionsQuery struct {
	pagination.Pagination
	Kind string `form:"kind"`
}

func (s *Server) ListTransactions(c *gin.Context) {
	var query listTransactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	kind := ledgerdomain.TransactionKind(query.Kind)
	if kind != "" && !kind.Valid() {
		AbortWithError(c, newValidationError("kind", "invalid_kind", "kind must be earn, spend, refund or expire"))
		return
	}

	resp, err := s.points.ListTransactions(c.Request.Context(), pointsdomain.ListTransactionsRequest{
		AccountID:  accountID(c),
		Kind:       kind,
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":      toTransactionViews(resp.Transactions),
		"page_info": resp.PageInfo,
	})
}

func (s *Server) ListExpiring(c *gin.Context) {
	days, err := parseOptionalInt(c.Query("within_days"))
	if err != nil || (days != nil && *days <= 0) {
		AbortWithError(c, newValidationError("within_days", "invalid_within_days", "within_days must be a positive integer"))
		return
	}
	window := defaultExpiringWindowDays
	if days != nil {
		window = *days
	}

	txns, err := s.points.ExpiringSoon(c.Request.Context(), accountID(c), window)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toTransactionViews(txns)})
}

func (s *Server) GetStatistics(c *gin.Context) {
	stats, err := s.points.Statistics(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}
