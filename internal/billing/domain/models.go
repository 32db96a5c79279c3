package domain

import (
	"time"

	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
)

// ChargeRequest asks the engine to spend one paid action.
// Unlimited marks an account the caller has already classified as admin.
type ChargeRequest struct {
	UserID         string
	ActionKind     ledgerdomain.ActionKind
	Cost           int64
	IdempotencyKey string
	Metadata       map[string]any
	Unlimited      bool
}

// AssistantChargeRequest charges the assistant, which is paid for with credits only.
type AssistantChargeRequest struct {
	UserID         string
	Cost           int64
	IdempotencyKey string
	Metadata       map[string]any
	Unlimited      bool
}

// ChargeResult reports what a charge consumed and the balances right after it.
type ChargeResult struct {
	LedgerEntryID       string              `json:"ledger_entry_id,omitempty"`
	Source              ledgerdomain.Source `json:"source"`
	Unit                ledgerdomain.Unit   `json:"unit,omitempty"`
	CreditsCharged      int64               `json:"credits_charged"`
	PlanActionsCharged  int64               `json:"plan_actions_charged"`
	CreditBalance       int64               `json:"credit_balance"`
	PlanActionsUsed     int64               `json:"plan_actions_used"`
	PlanActionAllowance int64               `json:"plan_action_allowance"`
	Replayed            bool                `json:"replayed"`
}

type GrantTrialRequest struct {
	UserID string
	// Amount defaults to the configured trial credits when zero.
	Amount         int64
	IdempotencyKey string
}

type ActivatePlanRequest struct {
	UserID string
	PlanID string
	// DurationDays overrides the catalog duration when positive.
	DurationDays   int
	IdempotencyKey string
	Metadata       map[string]any
}

// AwardCreditsRequest grants purchased or promotional credits. EntryType is
// credit_pack_purchase (the default) or referral_bonus.
type AwardCreditsRequest struct {
	UserID         string
	Amount         int64
	EntryType      ledgerdomain.EntryType
	IdempotencyKey string
	Metadata       map[string]any
}

type PurchaseCreditPackageRequest struct {
	UserID         string
	PackageID      string
	IdempotencyKey string
	Metadata       map[string]any
}

type AdjustCreditsRequest struct {
	UserID         string
	Delta          int64
	Reason         string
	IdempotencyKey string
}

// GrantResult reports a grant and the account state right after it.
// Granted is false only when a trial had already been granted.
type GrantResult struct {
	LedgerEntryID       string                 `json:"ledger_entry_id,omitempty"`
	EntryType           ledgerdomain.EntryType `json:"entry_type,omitempty"`
	Granted             bool                   `json:"granted"`
	Amount              int64                  `json:"amount"`
	Unit                ledgerdomain.Unit      `json:"unit,omitempty"`
	Source              ledgerdomain.Source    `json:"source,omitempty"`
	CreditBalance       int64                  `json:"credit_balance"`
	PlanID              string                 `json:"plan_id,omitempty"`
	PlanExpiresAt       *time.Time             `json:"plan_expires_at,omitempty"`
	PlanActionAllowance int64                  `json:"plan_action_allowance"`
	PlanActionsUsed     int64                  `json:"plan_actions_used"`
	Replayed            bool                   `json:"replayed"`
}
