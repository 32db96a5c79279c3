package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	obscontext "github.com/smallbiznis/creditline/internal/observability/context"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingTransaction = errors.New("missing_transaction")
	ErrOutboxUnavailable  = errors.New("outbox_unavailable")
	ErrMissingEventType   = errors.New("missing_event_type")
	ErrMissingAggregateID = errors.New("missing_aggregate_id")
)

// Event describes a domain event to store in the outbox.
// CorrelationID defaults to the request id on ctx, or a fresh ULID.
type Event struct {
	Type          string
	AggregateID   string
	Payload       map[string]any
	DedupeKey     string
	CorrelationID string
}

// Outbox inserts events into the billing_events table.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

// Publish stores an event using the default database connection.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	if o == nil {
		return ErrOutboxUnavailable
	}
	return o.publish(ctx, o.db, event)
}

// PublishTx stores an event inside tx so it commits or rolls back with the caller's writes.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return ErrMissingTransaction
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return ErrOutboxUnavailable
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return ErrMissingEventType
	}
	aggregateID := strings.TrimSpace(event.AggregateID)
	if aggregateID == "" {
		return ErrMissingAggregateID
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	record := &Record{
		ID:            o.genID.Generate(),
		EventType:     name,
		AggregateID:   aggregateID,
		Payload:       payload,
		CorrelationID: correlationID(ctx, event.CorrelationID),
		CreatedAt:     time.Now().UTC(),
	}
	if dedupe := strings.TrimSpace(event.DedupeKey); dedupe != "" {
		record.DedupeKey = &dedupe
	}

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(record).Error
}

func correlationID(ctx context.Context, explicit string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	if id := obscontext.RequestIDFromContext(ctx); id != "" {
		return id
	}
	return ulid.Make().String()
}
