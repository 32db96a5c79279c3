package repository

import (
	"context"
	"strings"

	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

const entryColumns = `id, user_id, entry_type, action_kind, amount, unit, source, idempotency_key,
	metadata, plan_id, plan_expires_at_after, credit_balance_after, plan_actions_used_after,
	plan_action_allowance_after, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *ledgerdomain.Entry) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*ledgerdomain.Entry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}

	var entry ledgerdomain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM ledger_entries WHERE idempotency_key = ? LIMIT 1`,
		key,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string, cursor *ledgerdomain.ListCursor, limit int) ([]*ledgerdomain.Entry, error) {
	var entries []*ledgerdomain.Entry
	var err error
	if cursor == nil {
		err = db.WithContext(ctx).Raw(
			`SELECT `+entryColumns+`
			 FROM ledger_entries WHERE user_id = ?
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?`,
			userID,
			limit,
		).Scan(&entries).Error
	} else {
		err = db.WithContext(ctx).Raw(
			`SELECT `+entryColumns+`
			 FROM ledger_entries
			 WHERE user_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?`,
			userID,
			cursor.CreatedAt,
			cursor.CreatedAt,
			cursor.ID,
			limit,
		).Scan(&entries).Error
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) SumByUser(ctx context.Context, db *gorm.DB, userID string, unit ledgerdomain.Unit) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ? AND unit = ?`,
		userID,
		unit,
	).Scan(&total).Error
	return total, err
}

func (r *repo) CountByUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM ledger_entries WHERE user_id = ?`,
		userID,
	).Scan(&count).Error
	return count, err
}
