package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/smallbiznis/creditline/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const tracerScope = "creditline/outbox"

const (
	defaultBatchSize = 100
	maxLastErrorLen  = 1024
)

// RelayConfig controls outbox delivery.
type RelayConfig struct {
	Topic     string
	BatchSize int
	Interval  time.Duration
}

// Relay moves pending outbox events to a Producer. Delivery is at least once:
// an event is marked published only after the producer acknowledged it.
type Relay struct {
	db       *gorm.DB
	log      *zap.Logger
	producer Producer
	clock    clock.Clock
	metrics  *metrics.RelayMetrics
	cfg      RelayConfig
}

func NewRelay(db *gorm.DB, log *zap.Logger, producer Producer, clk clock.Clock, relayMetrics *metrics.RelayMetrics, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Relay{
		db:       db,
		log:      log.Named("events.relay"),
		producer: producer,
		clock:    clk,
		metrics:  relayMetrics,
		cfg:      cfg,
	}
}

type pendingRow struct {
	ID          snowflake.ID   `gorm:"column:id"`
	EventType   string         `gorm:"column:event_type"`
	AggregateID string         `gorm:"column:aggregate_id"`
	Correlation string         `gorm:"column:correlation_id"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	Attempts    int            `gorm:"column:attempts"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

type envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Correlation string          `json:"correlation_id,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// ProcessPending publishes one batch of pending events in creation order and
// returns how many were delivered. The batch stops at the first failure so
// events of a user never overtake each other.
func (r *Relay) ProcessPending(ctx context.Context) (int, error) {
	started := time.Now()

	var rows []pendingRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, event_type, aggregate_id, correlation_id, payload, attempts, created_at FROM billing_events
		 WHERE published = false
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		r.cfg.BatchSize,
	).Scan(&rows).Error
	if err != nil {
		r.metrics.IncFailure(err)
		return 0, err
	}

	var oldest time.Duration
	if len(rows) > 0 {
		oldest = r.clock.Now().Sub(rows[0].CreatedAt)
	}

	delivered := 0
	var batchErr error
	for _, row := range rows {
		if err := r.deliver(ctx, row); err != nil {
			r.metrics.IncFailure(err)
			r.log.Warn("failed to deliver outbox event",
				zap.String("event_id", row.ID.String()),
				zap.String("event_type", row.EventType),
				zap.Int("attempts", row.Attempts+1),
				zap.Error(err),
			)
			if recErr := r.recordFailure(context.WithoutCancel(ctx), row.ID, err); recErr != nil {
				r.log.Error("failed to record outbox failure", zap.String("event_id", row.ID.String()), zap.Error(recErr))
			}
			batchErr = err
			break
		}
		delivered++
	}

	r.metrics.AddPublished(delivered)
	r.metrics.ObserveBatch(time.Since(started), len(rows)-delivered, oldest)
	if delivered > 0 {
		r.log.Debug("outbox batch delivered", zap.Int("delivered", delivered), zap.Int("fetched", len(rows)))
	}
	return delivered, batchErr
}

func (r *Relay) deliver(ctx context.Context, row pendingRow) (err error) {
	ctx, span := tracing.Start(ctx, tracerScope, "outbox.deliver",
		attribute.String("event_id", row.ID.String()),
		attribute.String("event_type", row.EventType),
	)
	defer func() { tracing.End(span, err, nil) }()

	payload := json.RawMessage(row.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		var decoded map[string]any
		return json.Unmarshal(payload, &decoded)
	}

	value, err := json.Marshal(envelope{
		EventID:     row.ID.String(),
		EventType:   row.EventType,
		AggregateID: row.AggregateID,
		Correlation: row.Correlation,
		OccurredAt:  row.CreatedAt.UTC(),
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	msg := Message{
		Topic: r.cfg.Topic,
		Key:   []byte(row.AggregateID),
		Value: value,
		Headers: map[string]string{
			"event_id":   row.ID.String(),
			"event_type": row.EventType,
		},
	}
	if row.Correlation != "" {
		msg.Headers["correlation_id"] = row.Correlation
	}
	tracing.InjectHeaders(ctx, msg.Headers)
	if err := r.producer.Produce(ctx, msg); err != nil {
		return err
	}
	return r.markPublished(ctx, r.db, row.ID, r.clock.Now())
}

func (r *Relay) markPublished(ctx context.Context, tx *gorm.DB, eventID snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_events SET published = true, published_at = ?, last_error = NULL WHERE id = ?`,
		now,
		eventID,
	).Error
}

func (r *Relay) recordFailure(ctx context.Context, eventID snowflake.ID, cause error) error {
	msg := strings.TrimSpace(cause.Error())
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return r.db.WithContext(ctx).Exec(
		`UPDATE billing_events SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg,
		eventID,
	).Error
}

// RunForever processes batches until ctx is cancelled. A full batch is
// followed immediately by another one.
func (r *Relay) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		delivered, err := r.ProcessPending(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Warn("outbox relay run failed", zap.Error(err))
		}
		if err == nil && delivered == r.cfg.BatchSize {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
