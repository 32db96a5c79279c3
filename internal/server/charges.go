package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
)

type chargeRequest struct {
	ActionKind     string         `json:"action_kind"`
	Cost           int64          `json:"cost"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
	Unlimited      bool           `json:"unlimited"`
}

func (s *Server) Charge(c *gin.Context) {
	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.Charge(c.Request.Context(), billingdomain.ChargeRequest{
		UserID:         userIDParam(c),
		ActionKind:     ledgerdomain.ActionKind(strings.ToLower(strings.TrimSpace(req.ActionKind))),
		Cost:           req.Cost,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Metadata:       req.Metadata,
		Unlimited:      req.Unlimited,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type assistantChargeRequest struct {
	Cost           int64          `json:"cost"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
	Unlimited      bool           `json:"unlimited"`
}

func (s *Server) ChargeAssistant(c *gin.Context) {
	var req assistantChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.ChargeAssistant(c.Request.Context(), billingdomain.AssistantChargeRequest{
		UserID:         userIDParam(c),
		Cost:           req.Cost,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Metadata:       req.Metadata,
		Unlimited:      req.Unlimited,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
