package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventLedgerEntryCreated = "ledger.entry_created"
)

// Record is a row of the billing_events outbox table.
type Record struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	EventType     string            `gorm:"type:text;not null"`
	AggregateID   string            `gorm:"type:text;not null"`
	Payload       datatypes.JSONMap `gorm:"not null"`
	DedupeKey     *string           `gorm:"type:text;uniqueIndex:ux_billing_events_dedupe_key"`
	CorrelationID string            `gorm:"type:text;not null;default:''"`
	Published     bool              `gorm:"not null;default:false;index:idx_billing_events_pending,priority:1"`
	PublishedAt   *time.Time
	Attempts      int       `gorm:"not null;default:0"`
	LastError     *string   `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"not null;index:idx_billing_events_pending,priority:2"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "billing_events" }

// LedgerEntryPayload is the body of a ledger.entry_created event.
type LedgerEntryPayload struct {
	LedgerEntryID       string         `json:"ledger_entry_id"`
	UserID              string         `json:"user_id"`
	EntryType           string         `json:"entry_type"`
	ActionKind          string         `json:"action_kind,omitempty"`
	Amount              int64          `json:"amount"`
	Unit                string         `json:"unit"`
	Source              string         `json:"source"`
	IdempotencyKey      string         `json:"idempotency_key,omitempty"`
	CreditBalance       int64          `json:"credit_balance"`
	PlanActionsUsed     int64          `json:"plan_actions_used"`
	PlanActionAllowance int64          `json:"plan_action_allowance"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p LedgerEntryPayload) ToMap() map[string]any {
	payload := map[string]any{
		"ledger_entry_id":       p.LedgerEntryID,
		"user_id":               p.UserID,
		"entry_type":            p.EntryType,
		"amount":                p.Amount,
		"unit":                  p.Unit,
		"source":                p.Source,
		"credit_balance":        p.CreditBalance,
		"plan_actions_used":     p.PlanActionsUsed,
		"plan_action_allowance": p.PlanActionAllowance,
		"created_at":            p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.ActionKind != "" {
		payload["action_kind"] = p.ActionKind
	}
	if p.IdempotencyKey != "" {
		payload["idempotency_key"] = p.IdempotencyKey
	}
	if len(p.Metadata) > 0 {
		payload["metadata"] = p.Metadata
	}
	return payload
}
