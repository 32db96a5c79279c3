package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"github.com/smallbiznis/creditline/pkg/db/pagination"
)

func (s *Server) OpenAccount(c *gin.Context) {
	resp, err := s.accountSvc.Open(c.Request.Context(), userIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetBalance(c *gin.Context) {
	resp, err := s.accountSvc.GetBalance(c.Request.Context(), userIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListLedgerEntries(c *gin.Context) {
	var query struct {
		pagination.Pagination
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListEntries(c.Request.Context(), ledgerdomain.ListEntriesRequest{
		UserID:    userIDParam(c),
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func userIDParam(c *gin.Context) string {
	return strings.TrimSpace(c.Param("user_id"))
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(c *gin.Context, body string) string {
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(body)
}
