package domain

import (
	"context"
	"errors"
	"time"
)

// Balance is the caller-facing view of an account.
type Balance struct {
	UserID               string     `json:"user_id"`
	CreditBalance        int64      `json:"credit_balance"`
	PlanID               string     `json:"plan_id,omitempty"`
	PlanActive           bool       `json:"plan_active"`
	PlanStartedAt        *time.Time `json:"plan_started_at,omitempty"`
	PlanExpiresAt        *time.Time `json:"plan_expires_at,omitempty"`
	PlanActionAllowance  int64      `json:"plan_action_allowance"`
	PlanActionsUsed      int64      `json:"plan_actions_used"`
	RemainingPlanActions int64      `json:"remaining_plan_actions"`
	PlanPeriodResetAt    *time.Time `json:"plan_period_reset_at,omitempty"`
	TrialGranted         bool       `json:"trial_granted"`
}

// NewBalance projects an account at instant now.
func NewBalance(a *Account, now time.Time) Balance {
	return Balance{
		UserID:               a.UserID,
		CreditBalance:        a.CreditBalance,
		PlanID:               string(a.Plan()),
		PlanActive:           a.PlanActive(now),
		PlanStartedAt:        a.PlanStartedAt,
		PlanExpiresAt:        a.PlanExpiresAt,
		PlanActionAllowance:  a.PlanActionAllowance,
		PlanActionsUsed:      a.PlanActionsUsed,
		RemainingPlanActions: a.RemainingPlanActions(now),
		PlanPeriodResetAt:    a.PlanPeriodResetAt,
		TrialGranted:         a.TrialGranted,
	}
}

type Service interface {
	// Open creates the account for userID if missing and returns it.
	Open(ctx context.Context, userID string) (Balance, error)
	GetBalance(ctx context.Context, userID string) (Balance, error)
}

var (
	ErrUserNotFound  = errors.New("user_not_found")
	ErrInvalidUserID = errors.New("invalid_user_id")
)
