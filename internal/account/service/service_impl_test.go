package service

import (
	"context"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	"github.com/smallbiznis/creditline/internal/account/repository"
	"github.com/smallbiznis/creditline/internal/catalog"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   accountdomain.Service
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t, &accountdomain.Account{})
	c, err := catalog.New(catalog.DefaultConfig())
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	core, logs := observer.New(zapcore.InfoLevel)

	svc := NewService(Params{
		DB:      db,
		Log:     zap.New(core),
		GenID:   testutil.MustNode(t),
		Clock:   clk,
		Catalog: catalog.NewStaticHolder(c),
		Repo:    repository.Provide(),
	})
	return fixture{db: db, clock: clk, svc: svc, logs: logs}
}

func TestOpenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Open(ctx, " user-1 ")
	require.NoError(t, err)
	assert.Equal(t, "user-1", first.UserID)
	assert.Zero(t, first.CreditBalance)
	assert.False(t, first.PlanActive)

	second, err := f.svc.Open(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)

	var count int64
	require.NoError(t, f.db.Model(&accountdomain.Account{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestOpenRejectsBlankUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Open(context.Background(), "   ")
	assert.ErrorIs(t, err, accountdomain.ErrInvalidUserID)
}

func TestGetBalanceUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, accountdomain.ErrUserNotFound)
}

func TestGetBalanceReconcilesWithoutPersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, "user-1")
	require.NoError(t, err)

	expires := f.clock.Now().Add(10 * 24 * time.Hour)
	require.NoError(t, f.db.Exec(
		`UPDATE accounts SET plan_id = ?, plan_expires_at = ?, plan_action_allowance = ?, plan_actions_used = ? WHERE user_id = ?`,
		"premium", expires, 250, 180, "user-1",
	).Error)

	balance, err := f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", balance.PlanID)
	assert.True(t, balance.PlanActive)
	assert.Equal(t, int64(100), balance.PlanActionAllowance)
	assert.Equal(t, int64(100), balance.PlanActionsUsed)
	assert.Zero(t, balance.RemainingPlanActions)

	var stored accountdomain.Account
	require.NoError(t, f.db.Where("user_id = ?", "user-1").First(&stored).Error)
	assert.Equal(t, "premium", *stored.PlanID)
	assert.Equal(t, int64(250), stored.PlanActionAllowance)
	assert.Equal(t, int64(180), stored.PlanActionsUsed)

	reconciled := f.logs.FilterMessage("plan allowance reconciled on read").All()
	require.Len(t, reconciled, 1)
	fields := reconciled[0].ContextMap()
	assert.Equal(t, "user-1", fields["user_id"])
	assert.Equal(t, "pro", fields["plan_id"])
	assert.Equal(t, "premium", fields["previous_plan_id"])
	assert.Equal(t, int64(250), fields["previous_allowance"])
	assert.Equal(t, int64(100), fields["allowance"])
	assert.Equal(t, int64(180), fields["previous_used"])
	assert.Equal(t, int64(100), fields["used"])
}

func TestGetBalanceWithoutDriftDoesNotLogReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, "user-1")
	require.NoError(t, err)

	expires := f.clock.Now().Add(10 * 24 * time.Hour)
	require.NoError(t, f.db.Exec(
		`UPDATE accounts SET plan_id = ?, plan_expires_at = ?, plan_action_allowance = ?, plan_actions_used = ? WHERE user_id = ?`,
		"pro", expires, 100, 12, "user-1",
	).Error)

	_, err = f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, f.logs.FilterMessage("plan allowance reconciled on read").Len())
}

func TestGetBalanceExpiredPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, "user-1")
	require.NoError(t, err)

	expires := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.db.Exec(
		`UPDATE accounts SET plan_id = ?, plan_expires_at = ?, plan_action_allowance = ? WHERE user_id = ?`,
		"basic", expires, 30, "user-1",
	).Error)

	f.clock.Advance(time.Hour)
	balance, err := f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, balance.PlanActive)
	assert.Zero(t, balance.RemainingPlanActions)
}
