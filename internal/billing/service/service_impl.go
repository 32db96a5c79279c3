package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	"github.com/smallbiznis/creditline/internal/catalog"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/events"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/smallbiznis/creditline/internal/observability/tracing"
	"github.com/smallbiznis/creditline/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const tracerScope = "creditline/billing"

// errKeyTaken rolls back a transaction whose ledger insert lost an
// idempotency key race; the caller replays the winning entry.
var errKeyTaken = errors.New("idempotency_key_taken")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Catalog    catalog.Provider
	Accounts   accountdomain.Repository
	Entries    ledgerdomain.Repository
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	catalog      catalog.Provider
	accounts     accountdomain.Repository
	entries      ledgerdomain.Repository
	outbox       *events.Outbox
	obsMetrics   *obsmetrics.Metrics
	lockTimeout  time.Duration
	trialCredits int64
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("billing.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		catalog:      p.Catalog,
		accounts:     p.Accounts,
		entries:      p.Entries,
		outbox:       p.Outbox,
		obsMetrics:   p.ObsMetrics,
		lockTimeout:  p.Config.DBLockTimeout,
		trialCredits: p.Config.TrialCredits,
	}
}

// mutation changes a locked, normalized account and describes the entry to
// append. A nil entry with a nil error means there is nothing to record.
type mutation func(now time.Time, account *accountdomain.Account) (*ledgerdomain.Entry, error)

type operation struct {
	name       string
	userID     string
	key        string
	catalog    *catalog.Catalog
	compatible func(*ledgerdomain.Entry) bool
	mutate     mutation
}

type outcome struct {
	entry    *ledgerdomain.Entry
	account  *accountdomain.Account
	replayed bool
}

// apply runs op under the account row lock. An existing entry for op.key
// short-circuits the mutation and is returned as a replay.
func (s *Service) apply(ctx context.Context, op operation) (outcome, error) {
	var out outcome

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		restore, err := db.SetLockTimeout(ctx, tx, s.lockTimeout)
		if err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
		defer func() {
			if err := restore(); err != nil {
				s.log.Warn("failed to restore lock timeout", zap.Error(err))
			}
		}()

		account, err := s.accounts.FindByUserIDForUpdate(ctx, tx, op.userID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if account == nil {
			return billingdomain.ErrUserNotFound
		}

		if op.key != "" {
			existing, err := s.entries.FindByIdempotencyKey(ctx, tx, op.key)
			if err != nil {
				return fmt.Errorf("lookup idempotency key: %w", err)
			}
			if existing != nil {
				if !s.matches(op, existing) {
					return billingdomain.ErrIdempotencyKeyReused
				}
				out = outcome{entry: existing, replayed: true}
				return nil
			}
		}

		reconciled := s.normalize(ctx, account, op.catalog, "write")

		now := s.clock.Now()
		entry, err := op.mutate(now, account)
		if err != nil {
			return err
		}
		if entry == nil {
			if reconciled {
				account.UpdatedAt = now
				if err := s.accounts.Update(ctx, tx, account); err != nil {
					return fmt.Errorf("update account: %w", err)
				}
			}
			out = outcome{account: account}
			return nil
		}

		account.UpdatedAt = now
		if err := s.accounts.Update(ctx, tx, account); err != nil {
			return fmt.Errorf("update account: %w", err)
		}

		s.stamp(entry, account, op, now)
		inserted, err := s.entries.Insert(ctx, tx, entry)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errKeyTaken
			}
			return fmt.Errorf("append ledger entry: %w", err)
		}
		if !inserted {
			return errKeyTaken
		}

		if err := s.publish(ctx, tx, entry); err != nil {
			return fmt.Errorf("publish ledger event: %w", err)
		}

		out = outcome{entry: entry, account: account}
		return nil
	})

	if errors.Is(err, errKeyTaken) {
		return s.replay(ctx, op)
	}
	if err != nil {
		if !billingdomain.IsExpected(err) && db.IsLockTimeoutErr(err) {
			return outcome{}, fmt.Errorf("%w: %v", billingdomain.ErrAccountBusy, err)
		}
		return outcome{}, err
	}
	return out, nil
}

// replay returns the entry that won a concurrent insert for op.key.
func (s *Service) replay(ctx context.Context, op operation) (outcome, error) {
	existing, err := s.entries.FindByIdempotencyKey(ctx, s.db, op.key)
	if err != nil {
		return outcome{}, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if existing == nil {
		return outcome{}, fmt.Errorf("idempotency key %q vanished after conflict", op.key)
	}
	if !s.matches(op, existing) {
		return outcome{}, billingdomain.ErrIdempotencyKeyReused
	}
	return outcome{entry: existing, replayed: true}, nil
}

func (s *Service) matches(op operation, entry *ledgerdomain.Entry) bool {
	if entry.UserID != op.userID {
		return false
	}
	return op.compatible == nil || op.compatible(entry)
}

func (s *Service) normalize(ctx context.Context, account *accountdomain.Account, c *catalog.Catalog, path string) bool {
	rec := accountdomain.Normalize(account, c)
	if rec == nil {
		return false
	}
	s.log.Info("plan allowance reconciled",
		zap.String("user_id", account.UserID),
		zap.String("path", path),
		zap.String("plan_id", string(rec.PlanID)),
		zap.String("previous_plan_id", string(rec.PreviousPlanID)),
		zap.Int64("previous_allowance", rec.PreviousAllowance),
		zap.Int64("allowance", rec.Allowance),
		zap.Int64("previous_used", rec.PreviousUsed),
		zap.Int64("used", rec.Used),
	)
	s.obsMetrics.RecordReconciliation(ctx, path)
	return true
}

// stamp fills identity and the post-mutation snapshot of entry.
func (s *Service) stamp(entry *ledgerdomain.Entry, account *accountdomain.Account, op operation, now time.Time) {
	entry.ID = s.genID.Generate()
	entry.UserID = account.UserID
	if op.key != "" {
		key := op.key
		entry.IdempotencyKey = &key
	}
	entry.PlanID = account.PlanID
	entry.PlanExpiresAtAfter = account.PlanExpiresAt
	entry.CreditBalanceAfter = account.CreditBalance
	entry.PlanActionsUsedAfter = account.PlanActionsUsed
	entry.PlanActionAllowanceAfter = account.PlanActionAllowance
	entry.CreatedAt = now
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.Entry) error {
	if s.outbox == nil {
		return nil
	}
	payload := events.LedgerEntryPayload{
		LedgerEntryID:       entry.ID.String(),
		UserID:              entry.UserID,
		EntryType:           string(entry.EntryType),
		ActionKind:          string(entry.ActionKind),
		Amount:              entry.Amount,
		Unit:                string(entry.Unit),
		Source:              string(entry.Source),
		IdempotencyKey:      entry.Key(),
		CreditBalance:       entry.CreditBalanceAfter,
		PlanActionsUsed:     entry.PlanActionsUsedAfter,
		PlanActionAllowance: entry.PlanActionAllowanceAfter,
		Metadata:            entry.Metadata,
		CreatedAt:           entry.CreatedAt,
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        events.EventLedgerEntryCreated,
		AggregateID: entry.UserID,
		Payload:     payload.ToMap(),
		DedupeKey:   "ledger_entry:" + entry.ID.String(),
	})
}

// begin opens a span and a tagged logger for one engine operation.
func (s *Service) begin(ctx context.Context, name, userID, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span, *zap.Logger) {
	attrs = append(attrs, attribute.String("operation", name))
	ctx, span := tracing.Start(ctx, tracerScope, "billing."+name, attrs...)
	log := s.log.With(zap.String("user_id", userID))
	if key != "" {
		log = log.With(zap.String("idempotency_key", key))
	}
	return ctx, span, log.With(zap.String("operation", name))
}

// finish records the operation outcome on span, metrics and logs.
func (s *Service) finish(ctx context.Context, span trace.Span, log *zap.Logger, name string, started time.Time, replayed bool, err error) {
	result := "ok"
	switch {
	case err != nil && billingdomain.IsExpected(err):
		result = "rejected"
	case err != nil:
		result = "error"
		log.Error("billing operation failed", zap.Error(err))
	case replayed:
		result = "replayed"
		log.Debug("idempotent replay")
		s.obsMetrics.RecordReplay(ctx, name)
	}
	s.obsMetrics.ObserveOperation(ctx, name, result, time.Since(started))
	tracing.End(span, err, billingdomain.IsExpected)
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", billingdomain.ErrInvalidUserID
	}
	return userID, nil
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

func copyMetadata(src map[string]any) datatypes.JSONMap {
	if len(src) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(src))
	for k, v := range src {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func withMetadata(base datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	if base == nil {
		base = datatypes.JSONMap{}
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
