package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
)

type grantTrialRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) GrantTrial(c *gin.Context) {
	var req grantTrialRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.GrantTrial(c.Request.Context(), billingdomain.GrantTrialRequest{
		UserID:         userIDParam(c),
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type activatePlanRequest struct {
	PlanID         string         `json:"plan_id"`
	DurationDays   int            `json:"duration_days"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) ActivatePlan(c *gin.Context) {
	var req activatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PlanID) == "" {
		AbortWithError(c, newValidationError("plan_id", "required", "plan_id is required"))
		return
	}

	resp, err := s.billingSvc.ActivatePlan(c.Request.Context(), billingdomain.ActivatePlanRequest{
		UserID:         userIDParam(c),
		PlanID:         req.PlanID,
		DurationDays:   req.DurationDays,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type awardCreditsRequest struct {
	Amount         int64          `json:"amount"`
	Kind           string         `json:"kind"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) AwardCredits(c *gin.Context) {
	var req awardCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.AwardCredits(c.Request.Context(), billingdomain.AwardCreditsRequest{
		UserID:         userIDParam(c),
		Amount:         req.Amount,
		EntryType:      ledgerdomain.EntryType(strings.ToLower(strings.TrimSpace(req.Kind))),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AwardReferralBonus(c *gin.Context) {
	var req awardCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.AwardReferralBonus(c.Request.Context(), billingdomain.AwardCreditsRequest{
		UserID:         userIDParam(c),
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type purchaseCreditPackageRequest struct {
	PackageID      string         `json:"package_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) PurchaseCreditPackage(c *gin.Context) {
	var req purchaseCreditPackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PackageID) == "" {
		AbortWithError(c, newValidationError("package_id", "required", "package_id is required"))
		return
	}

	resp, err := s.billingSvc.PurchaseCreditPackage(c.Request.Context(), billingdomain.PurchaseCreditPackageRequest{
		UserID:         userIDParam(c),
		PackageID:      req.PackageID,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type adjustCreditsRequest struct {
	Delta          int64  `json:"delta"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) AdjustCredits(c *gin.Context) {
	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		AbortWithError(c, newValidationError("reason", "required", "reason is required"))
		return
	}

	resp, err := s.billingSvc.AdjustCredits(c.Request.Context(), billingdomain.AdjustCreditsRequest{
		UserID:         userIDParam(c),
		Delta:          req.Delta,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}
