package repository

import (
	"context"

	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() accountdomain.Repository {
	return &repo{}
}

const accountColumns = `id, user_id, credit_balance, plan_id, plan_started_at, plan_expires_at,
	plan_action_allowance, plan_actions_used, plan_period_reset_at, trial_granted,
	created_at, updated_at`

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, account *accountdomain.Account) (bool, error) {
	result := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByUserID(ctx context.Context, conn *gorm.DB, userID string) (*accountdomain.Account, error) {
	return findByUserID(ctx, conn, userID, false)
}

func (r *repo) FindByUserIDForUpdate(ctx context.Context, conn *gorm.DB, userID string) (*accountdomain.Account, error) {
	return findByUserID(ctx, conn, userID, true)
}

func findByUserID(ctx context.Context, conn *gorm.DB, userID string, forUpdate bool) (*accountdomain.Account, error) {
	query := `SELECT ` + accountColumns + `
		 FROM accounts WHERE user_id = ?`
	if forUpdate {
		query += db.ForUpdate(conn)
	}

	var account accountdomain.Account
	if err := conn.WithContext(ctx).Raw(query, userID).Scan(&account).Error; err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) Update(ctx context.Context, conn *gorm.DB, account *accountdomain.Account) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE accounts SET
			credit_balance = ?, plan_id = ?, plan_started_at = ?, plan_expires_at = ?,
			plan_action_allowance = ?, plan_actions_used = ?, plan_period_reset_at = ?,
			trial_granted = ?, updated_at = ?
		 WHERE id = ?`,
		account.CreditBalance,
		account.PlanID,
		account.PlanStartedAt,
		account.PlanExpiresAt,
		account.PlanActionAllowance,
		account.PlanActionsUsed,
		account.PlanPeriodResetAt,
		account.TrialGranted,
		account.UpdatedAt,
		account.ID,
	).Error
}
