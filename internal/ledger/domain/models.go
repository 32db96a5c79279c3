package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EntryType classifies a balance-affecting event.
type EntryType string

const (
	EntryTypeTryOnCharge        EntryType = "try_on_charge"
	EntryTypeEditCharge         EntryType = "edit_charge"
	EntryTypeAssistantCharge    EntryType = "assistant_charge"
	EntryTypePlanActionDebit    EntryType = "plan_action_debit"
	EntryTypePlanPurchase       EntryType = "plan_purchase"
	EntryTypePlanRenewal        EntryType = "plan_renewal"
	EntryTypeCreditPackPurchase EntryType = "credit_pack_purchase"
	EntryTypeTrialGrant         EntryType = "trial_grant"
	EntryTypeReferralBonus      EntryType = "referral_bonus"
	EntryTypeAdminAdjustment    EntryType = "admin_adjustment"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeTryOnCharge,
		EntryTypeEditCharge,
		EntryTypeAssistantCharge,
		EntryTypePlanActionDebit,
		EntryTypePlanPurchase,
		EntryTypePlanRenewal,
		EntryTypeCreditPackPurchase,
		EntryTypeTrialGrant,
		EntryTypeReferralBonus,
		EntryTypeAdminAdjustment:
		return true
	default:
		return false
	}
}

// IsCharge reports whether the entry records consumption rather than a grant.
func (t EntryType) IsCharge() bool {
	switch t {
	case EntryTypeTryOnCharge, EntryTypeEditCharge, EntryTypeAssistantCharge, EntryTypePlanActionDebit:
		return true
	case EntryTypePlanPurchase,
		EntryTypePlanRenewal,
		EntryTypeCreditPackPurchase,
		EntryTypeTrialGrant,
		EntryTypeReferralBonus,
		EntryTypeAdminAdjustment:
		return false
	default:
		return false
	}
}

// Unit is the denomination of an entry amount.
type Unit string

const (
	UnitCredits     Unit = "credits"
	UnitPlanActions Unit = "plan_actions"
)

func (u Unit) Valid() bool {
	switch u {
	case UnitCredits, UnitPlanActions:
		return true
	default:
		return false
	}
}

// Source names the entitlement an entry was drawn from or granted to.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourceCredits      Source = "credits"
	SourceTrial        Source = "trial"
	SourceReferral     Source = "referral"
	SourceAdmin        Source = "admin"
)

func (s Source) Valid() bool {
	switch s {
	case SourceSubscription, SourceCredits, SourceTrial, SourceReferral, SourceAdmin:
		return true
	default:
		return false
	}
}

// ActionKind is the paid product action behind a charge.
type ActionKind string

const (
	ActionKindNone      ActionKind = ""
	ActionKindTryOn     ActionKind = "try_on"
	ActionKindEdit      ActionKind = "edit"
	ActionKindAssistant ActionKind = "assistant"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionKindTryOn, ActionKindEdit, ActionKindAssistant:
		return true
	case ActionKindNone:
		return false
	default:
		return false
	}
}

// CreditEntryType maps a credit-funded action to its entry type.
func (k ActionKind) CreditEntryType() (EntryType, bool) {
	switch k {
	case ActionKindTryOn:
		return EntryTypeTryOnCharge, true
	case ActionKindEdit:
		return EntryTypeEditCharge, true
	case ActionKindAssistant:
		return EntryTypeAssistantCharge, true
	case ActionKindNone:
		return "", false
	default:
		return "", false
	}
}

// Entry is an immutable ledger record. The *After fields snapshot the
// account state right after the entry was applied.
type Entry struct {
	ID                       snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID                   string            `gorm:"type:text;not null;index:idx_ledger_entries_user_created,priority:1" json:"user_id"`
	EntryType                EntryType         `gorm:"type:text;not null" json:"entry_type"`
	ActionKind               ActionKind        `gorm:"type:text;not null;default:''" json:"action_kind,omitempty"`
	Amount                   int64             `gorm:"not null" json:"amount"`
	Unit                     Unit              `gorm:"type:text;not null" json:"unit"`
	Source                   Source            `gorm:"type:text;not null" json:"source"`
	IdempotencyKey           *string           `gorm:"type:text;uniqueIndex:ux_ledger_entries_idempotency_key" json:"idempotency_key,omitempty"`
	Metadata                 datatypes.JSONMap `json:"metadata,omitempty"`
	PlanID                   *string           `gorm:"type:text" json:"plan_id,omitempty"`
	PlanExpiresAtAfter       *time.Time        `json:"plan_expires_at_after,omitempty"`
	CreditBalanceAfter       int64             `gorm:"not null" json:"credit_balance_after"`
	PlanActionsUsedAfter     int64             `gorm:"not null" json:"plan_actions_used_after"`
	PlanActionAllowanceAfter int64             `gorm:"not null" json:"plan_action_allowance_after"`
	CreatedAt                time.Time         `gorm:"not null;index:idx_ledger_entries_user_created,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "ledger_entries" }

// Key returns the idempotency key or an empty string.
func (e *Entry) Key() string {
	if e == nil || e.IdempotencyKey == nil {
		return ""
	}
	return *e.IdempotencyKey
}
