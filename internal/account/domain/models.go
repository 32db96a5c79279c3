package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/catalog"
)

// Account is the materialized entitlement state of one user.
type Account struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	UserID              string       `gorm:"type:text;not null;uniqueIndex:ux_accounts_user_id"`
	CreditBalance       int64        `gorm:"not null;default:0"`
	PlanID              *string      `gorm:"type:text"`
	PlanStartedAt       *time.Time
	PlanExpiresAt       *time.Time
	PlanActionAllowance int64 `gorm:"not null;default:0"`
	PlanActionsUsed     int64 `gorm:"not null;default:0"`
	PlanPeriodResetAt   *time.Time
	TrialGranted        bool      `gorm:"not null;default:false"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

func (a *Account) Plan() catalog.PlanID {
	if a == nil || a.PlanID == nil {
		return ""
	}
	return catalog.PlanID(*a.PlanID)
}

// PlanActive reports whether a plan is set and expires strictly after now.
func (a *Account) PlanActive(now time.Time) bool {
	if a == nil || a.PlanID == nil || *a.PlanID == "" || a.PlanExpiresAt == nil {
		return false
	}
	return a.PlanExpiresAt.After(now)
}

// RemainingPlanActions is the spendable allowance; inactive plans contribute zero.
func (a *Account) RemainingPlanActions(now time.Time) int64 {
	if !a.PlanActive(now) {
		return 0
	}
	remaining := a.PlanActionAllowance - a.PlanActionsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reconciliation describes a correction applied by Normalize.
type Reconciliation struct {
	PlanID            catalog.PlanID
	PreviousPlanID    catalog.PlanID
	PreviousAllowance int64
	Allowance         int64
	PreviousUsed      int64
	Used              int64
}

// Normalize aligns the stored plan counters with the catalog. Legacy plan
// identifiers are rewritten to their canonical form and plan_actions_used is
// clamped to the corrected allowance. Plans missing from the catalog are left
// untouched. The returned value is nil when nothing changed.
func Normalize(a *Account, c *catalog.Catalog) *Reconciliation {
	if a == nil || c == nil || a.PlanID == nil || *a.PlanID == "" {
		return nil
	}

	stored := a.Plan()
	plan, err := c.GetPlan(stored)
	if err != nil {
		return nil
	}

	if stored == plan.ID && a.PlanActionAllowance == plan.ActionAllowance && a.PlanActionsUsed <= plan.ActionAllowance {
		return nil
	}

	rec := &Reconciliation{
		PlanID:            plan.ID,
		PreviousPlanID:    stored,
		PreviousAllowance: a.PlanActionAllowance,
		Allowance:         plan.ActionAllowance,
		PreviousUsed:      a.PlanActionsUsed,
	}

	canonical := string(plan.ID)
	a.PlanID = &canonical
	a.PlanActionAllowance = plan.ActionAllowance
	if a.PlanActionsUsed > a.PlanActionAllowance {
		a.PlanActionsUsed = a.PlanActionAllowance
	}
	if a.PlanActionsUsed < 0 {
		a.PlanActionsUsed = 0
	}
	rec.Used = a.PlanActionsUsed

	return rec
}
