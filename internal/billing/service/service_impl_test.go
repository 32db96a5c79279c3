package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	accountrepo "github.com/smallbiznis/creditline/internal/account/repository"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	"github.com/smallbiznis/creditline/internal/catalog"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/events"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditline/internal/ledger/repository"
	"github.com/smallbiznis/creditline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	svc      billingdomain.Service
	accounts accountdomain.Repository
	entries  ledgerdomain.Repository
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t, &accountdomain.Account{}, &ledgerdomain.Entry{}, &events.Record{})
	node := testutil.MustNode(t)
	c, err := catalog.New(catalog.DefaultConfig())
	require.NoError(t, err)
	core, logs := observer.New(zapcore.InfoLevel)

	f := &fixture{
		db:       db,
		node:     node,
		clock:    clock.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)),
		accounts: accountrepo.Provide(),
		entries:  ledgerrepo.Provide(),
		logs:     logs,
	}
	f.svc = NewService(Params{
		DB:       db,
		Log:      zap.New(core),
		Config:   config.Config{TrialCredits: 10},
		GenID:    node,
		Clock:    f.clock,
		Catalog:  catalog.NewStaticHolder(c),
		Accounts: f.accounts,
		Entries:  f.entries,
		Outbox:   events.NewOutbox(db, node),
	})
	return f
}

func (f *fixture) seed(t *testing.T, userID string, mutate func(a *accountdomain.Account)) {
	t.Helper()
	now := f.clock.Now()
	account := &accountdomain.Account{
		ID:        f.node.Generate(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mutate != nil {
		mutate(account)
	}
	inserted, err := f.accounts.Insert(context.Background(), f.db, account)
	require.NoError(t, err)
	require.True(t, inserted)
}

func (f *fixture) account(t *testing.T, userID string) *accountdomain.Account {
	t.Helper()
	account, err := f.accounts.FindByUserID(context.Background(), f.db, userID)
	require.NoError(t, err)
	require.NotNil(t, account)
	return account
}

func (f *fixture) entryCount(t *testing.T, userID string) int64 {
	t.Helper()
	count, err := f.entries.CountByUser(context.Background(), f.db, userID)
	require.NoError(t, err)
	return count
}

func (f *fixture) eventCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&events.Record{}).Count(&count).Error)
	return count
}

func withActivePlan(f *fixture, planID string, allowance, used int64) func(a *accountdomain.Account) {
	return func(a *accountdomain.Account) {
		started := f.clock.Now().Add(-24 * time.Hour)
		expires := f.clock.Now().Add(29 * 24 * time.Hour)
		a.PlanID = &planID
		a.PlanStartedAt = &started
		a.PlanExpiresAt = &expires
		a.PlanPeriodResetAt = &started
		a.PlanActionAllowance = allowance
		a.PlanActionsUsed = used
	}
}

func TestChargePlanFirstThenCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) {
		withActivePlan(f, "basic", 30, 29)(a)
		a.CreditBalance = 10
	})

	first, err := f.svc.Charge(ctx, billingdomain.ChargeRequest{
		UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 2, IdempotencyKey: "job-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceSubscription, first.Source)
	assert.Equal(t, ledgerdomain.UnitPlanActions, first.Unit)
	assert.Zero(t, first.CreditsCharged)
	assert.Equal(t, int64(1), first.PlanActionsCharged)
	assert.Equal(t, int64(30), first.PlanActionsUsed)
	assert.Equal(t, int64(10), first.CreditBalance)

	second, err := f.svc.Charge(ctx, billingdomain.ChargeRequest{
		UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 2, IdempotencyKey: "job-2",
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceCredits, second.Source)
	assert.Equal(t, int64(2), second.CreditsCharged)
	assert.Equal(t, int64(8), second.CreditBalance)
	assert.Equal(t, int64(30), second.PlanActionsUsed)

	account := f.account(t, "user-1")
	assert.Equal(t, int64(8), account.CreditBalance)
	assert.Equal(t, int64(30), account.PlanActionsUsed)

	entry, err := f.entries.FindByIdempotencyKey(ctx, f.db, "job-2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ledgerdomain.EntryTypeTryOnCharge, entry.EntryType)
	assert.Equal(t, int64(-2), entry.Amount)

	entry, err = f.entries.FindByIdempotencyKey(ctx, f.db, "job-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ledgerdomain.EntryTypePlanActionDebit, entry.EntryType)
	assert.Equal(t, ledgerdomain.ActionKindTryOn, entry.ActionKind)
	assert.Equal(t, int64(-1), entry.Amount)
}

func TestChargeInsufficientBalanceLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 1 })

	_, err := f.svc.Charge(context.Background(), billingdomain.ChargeRequest{
		UserID: "user-1", ActionKind: ledgerdomain.ActionKindEdit, Cost: 2, IdempotencyKey: "job-1",
	})
	require.ErrorIs(t, err, billingdomain.ErrInsufficientBalance)

	assert.Equal(t, int64(1), f.account(t, "user-1").CreditBalance)
	assert.Zero(t, f.entryCount(t, "user-1"))
	assert.Zero(t, f.eventCount(t))
}

func TestChargeFallsBackWhenPlanExpired(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", func(a *accountdomain.Account) {
		withActivePlan(f, "pro", 100, 0)(a)
		a.CreditBalance = 5
	})
	f.clock.Advance(29 * 24 * time.Hour)

	result, err := f.svc.Charge(context.Background(), billingdomain.ChargeRequest{
		UserID: "user-1", ActionKind: ledgerdomain.ActionKindEdit, Cost: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceCredits, result.Source)
	assert.Equal(t, int64(2), result.CreditBalance)
	assert.Zero(t, result.PlanActionsUsed)
}

func TestChargeReplaysIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 10 })

	req := billingdomain.ChargeRequest{
		UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 4, IdempotencyKey: "job-1",
		Metadata: map[string]any{"job_id": "j1"},
	}
	first, err := f.svc.Charge(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// A later grant moves the balance; the replay still reports the original snapshot.
	_, err = f.svc.AwardCredits(ctx, billingdomain.AwardCreditsRequest{UserID: "user-1", Amount: 50, IdempotencyKey: "order-1"})
	require.NoError(t, err)

	second, err := f.svc.Charge(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	assert.Equal(t, int64(6), second.CreditBalance)
	assert.Equal(t, int64(4), second.CreditsCharged)

	assert.Equal(t, int64(56), f.account(t, "user-1").CreditBalance)
	assert.Equal(t, int64(2), f.entryCount(t, "user-1"))
}

func TestConcurrentChargesWithSameKeyDebitOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 100 })

	const workers = 20
	results := make([]billingdomain.ChargeResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Charge(context.Background(), billingdomain.ChargeRequest{
				UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 5, IdempotencyKey: "webhook-1",
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].LedgerEntryID, results[i].LedgerEntryID)
		assert.Equal(t, int64(95), results[i].CreditBalance)
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(95), f.account(t, "user-1").CreditBalance)
	assert.Equal(t, int64(1), f.entryCount(t, "user-1"))
	assert.Equal(t, int64(1), f.eventCount(t))
}

func TestConcurrentChargesConserveCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 10 })

	const workers = 15
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Charge(ctx, billingdomain.ChargeRequest{
				UserID: "user-1", ActionKind: ledgerdomain.ActionKindEdit, Cost: 1, IdempotencyKey: fmt.Sprintf("job-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, billingdomain.ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 5, insufficient)

	balance := f.account(t, "user-1").CreditBalance
	assert.Zero(t, balance)

	sum, err := f.entries.SumByUser(ctx, f.db, "user-1", ledgerdomain.UnitCredits)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), sum)
}

func TestLedgerConservesCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", nil)

	_, err := f.svc.GrantTrial(ctx, billingdomain.GrantTrialRequest{UserID: "user-1"})
	require.NoError(t, err)
	_, err = f.svc.PurchaseCreditPackage(ctx, billingdomain.PurchaseCreditPackageRequest{UserID: "user-1", PackageID: "credits_small", IdempotencyKey: "pay-1"})
	require.NoError(t, err)
	_, err = f.svc.AwardReferralBonus(ctx, billingdomain.AwardCreditsRequest{UserID: "user-1", Amount: 7, IdempotencyKey: "ref-1"})
	require.NoError(t, err)
	_, err = f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 3})
	require.NoError(t, err)
	_, err = f.svc.ChargeAssistant(ctx, billingdomain.AssistantChargeRequest{UserID: "user-1", Cost: 2})
	require.NoError(t, err)
	_, err = f.svc.AdjustCredits(ctx, billingdomain.AdjustCreditsRequest{UserID: "user-1", Delta: -4, Reason: "refund reversal"})
	require.NoError(t, err)

	sum, err := f.entries.SumByUser(ctx, f.db, "user-1", ledgerdomain.UnitCredits)
	require.NoError(t, err)
	balance := f.account(t, "user-1").CreditBalance
	assert.Equal(t, int64(10+50+7-3-2-4), balance)
	assert.Equal(t, balance, sum)
	assert.Equal(t, f.entryCount(t, "user-1"), f.eventCount(t))
}

func TestChargeUnlimitedLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "admin-1", func(a *accountdomain.Account) { a.CreditBalance = 3 })

	result, err := f.svc.Charge(context.Background(), billingdomain.ChargeRequest{
		UserID: "admin-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 50, IdempotencyKey: "job-1", Unlimited: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceAdmin, result.Source)
	assert.Zero(t, result.CreditsCharged)
	assert.Empty(t, result.LedgerEntryID)
	assert.Equal(t, int64(3), result.CreditBalance)

	assistant, err := f.svc.ChargeAssistant(context.Background(), billingdomain.AssistantChargeRequest{
		UserID: "admin-1", Cost: 50, Unlimited: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceAdmin, assistant.Source)

	assert.Equal(t, int64(3), f.account(t, "admin-1").CreditBalance)
	assert.Zero(t, f.entryCount(t, "admin-1"))
	assert.Zero(t, f.eventCount(t))
}

func TestChargeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 10 })

	_, err := f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: ledgerdomain.ActionKindAssistant, Cost: 1})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidActionKind)

	_, err = f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: "upscale", Cost: 1})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidActionKind)

	_, err = f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 0})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidCost)

	_, err = f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: " ", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 1})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidUserID)

	_, err = f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "ghost", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 1})
	assert.ErrorIs(t, err, billingdomain.ErrUserNotFound)
}

func TestChargeAssistantNeverUsesPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) {
		withActivePlan(f, "studio", 300, 0)(a)
		a.CreditBalance = 1
	})

	_, err := f.svc.ChargeAssistant(ctx, billingdomain.AssistantChargeRequest{UserID: "user-1", Cost: 2, IdempotencyKey: "chat-1"})
	require.ErrorIs(t, err, billingdomain.ErrInsufficientAssistantBalance)

	result, err := f.svc.ChargeAssistant(ctx, billingdomain.AssistantChargeRequest{UserID: "user-1", Cost: 1, IdempotencyKey: "chat-2"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceCredits, result.Source)
	assert.Zero(t, result.CreditBalance)
	assert.Zero(t, result.PlanActionsUsed)

	entry, err := f.entries.FindByIdempotencyKey(ctx, f.db, "chat-2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ledgerdomain.EntryTypeAssistantCharge, entry.EntryType)
	assert.Equal(t, ledgerdomain.ActionKindAssistant, entry.ActionKind)
}

func TestIdempotencyKeyReuseIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 10 })
	f.seed(t, "user-2", func(a *accountdomain.Account) { a.CreditBalance = 10 })

	_, err := f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 1, IdempotencyKey: "shared"})
	require.NoError(t, err)

	_, err = f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-2", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 1, IdempotencyKey: "shared"})
	assert.ErrorIs(t, err, billingdomain.ErrIdempotencyKeyReused)

	_, err = f.svc.AwardCredits(ctx, billingdomain.AwardCreditsRequest{UserID: "user-1", Amount: 5, IdempotencyKey: "shared"})
	assert.ErrorIs(t, err, billingdomain.ErrIdempotencyKeyReused)

	_, err = f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: ledgerdomain.ActionKindEdit, Cost: 1, IdempotencyKey: "shared"})
	assert.ErrorIs(t, err, billingdomain.ErrIdempotencyKeyReused)

	assert.Equal(t, int64(9), f.account(t, "user-1").CreditBalance)
	assert.Equal(t, int64(10), f.account(t, "user-2").CreditBalance)
}

func TestChargePersistsAllowanceReconciliation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", withActivePlan(f, "premium", 250, 120))

	result, err := f.svc.Charge(context.Background(), billingdomain.ChargeRequest{
		UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 1,
	})
	require.ErrorIs(t, err, billingdomain.ErrInsufficientBalance)
	assert.Zero(t, result)

	// The rejected charge rolled back, so nothing was persisted.
	account := f.account(t, "user-1")
	assert.Equal(t, "premium", *account.PlanID)
	assert.Equal(t, int64(250), account.PlanActionAllowance)

	require.NoError(t, f.db.Exec(`UPDATE accounts SET plan_actions_used = 40 WHERE user_id = ?`, "user-1").Error)

	result, err = f.svc.Charge(context.Background(), billingdomain.ChargeRequest{
		UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceSubscription, result.Source)
	assert.Equal(t, int64(100), result.PlanActionAllowance)
	assert.Equal(t, int64(41), result.PlanActionsUsed)

	account = f.account(t, "user-1")
	assert.Equal(t, "pro", *account.PlanID)
	assert.Equal(t, int64(100), account.PlanActionAllowance)
	assert.Equal(t, int64(41), account.PlanActionsUsed)

	// Both charges reconciled: the rejected one inside its rolled-back transaction.
	reconciled := f.logs.FilterMessage("plan allowance reconciled").All()
	require.Len(t, reconciled, 2)
	for _, entry := range reconciled {
		fields := entry.ContextMap()
		assert.Equal(t, "user-1", fields["user_id"])
		assert.Equal(t, "write", fields["path"])
		assert.Equal(t, "pro", fields["plan_id"])
		assert.Equal(t, "premium", fields["previous_plan_id"])
		assert.Equal(t, int64(100), fields["allowance"])
	}
}

func TestGrantTrialExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", nil)

	first, err := f.svc.GrantTrial(ctx, billingdomain.GrantTrialRequest{UserID: "user-1"})
	require.NoError(t, err)
	assert.True(t, first.Granted)
	assert.Equal(t, ledgerdomain.EntryTypeTrialGrant, first.EntryType)
	assert.Equal(t, ledgerdomain.SourceTrial, first.Source)
	assert.Equal(t, int64(10), first.CreditBalance)

	second, err := f.svc.GrantTrial(ctx, billingdomain.GrantTrialRequest{UserID: "user-1", Amount: 25})
	require.NoError(t, err)
	assert.False(t, second.Granted)
	assert.Empty(t, second.LedgerEntryID)
	assert.Equal(t, int64(10), second.CreditBalance)

	account := f.account(t, "user-1")
	assert.True(t, account.TrialGranted)
	assert.Equal(t, int64(10), account.CreditBalance)
	assert.Equal(t, int64(1), f.entryCount(t, "user-1"))
}

func TestGrantTrialReplaysKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", nil)

	req := billingdomain.GrantTrialRequest{UserID: "user-1", Amount: 15, IdempotencyKey: "signup-1"}
	first, err := f.svc.GrantTrial(ctx, req)
	require.NoError(t, err)

	assert.True(t, first.Granted)

	second, err := f.svc.GrantTrial(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Granted)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	assert.Equal(t, int64(15), second.CreditBalance)
	assert.Equal(t, int64(15), f.account(t, "user-1").CreditBalance)
	assert.Equal(t, int64(1), f.entryCount(t, "user-1"))
}

func TestActivatePlanReplaysKeyAfterTimePasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", nil)

	req := billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "basic", IdempotencyKey: "sub-1"}
	first, err := f.svc.ActivatePlan(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	f.clock.Advance(3 * 24 * time.Hour)
	second, err := f.svc.ActivatePlan(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	assert.Equal(t, ledgerdomain.EntryTypePlanPurchase, second.EntryType)
	require.NotNil(t, second.PlanExpiresAt)
	assert.True(t, first.PlanExpiresAt.Equal(*second.PlanExpiresAt))

	account := f.account(t, "user-1")
	assert.True(t, first.PlanExpiresAt.Equal(*account.PlanExpiresAt))
	assert.Equal(t, int64(1), f.entryCount(t, "user-1"))
}

func TestActivatePlanRejectsOversizedDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", nil)

	_, err := f.svc.ActivatePlan(ctx, billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "basic", DurationDays: maxPlanDurationDays + 1})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidDuration)

	_, err = f.svc.ActivatePlan(ctx, billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "basic", DurationDays: maxPlanDurationDays})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.entryCount(t, "user-1"))
}

func TestActivatePlanPurchaseThenRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 4 })

	purchase, err := f.svc.ActivatePlan(ctx, billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "basic", IdempotencyKey: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.EntryTypePlanPurchase, purchase.EntryType)
	assert.Equal(t, ledgerdomain.UnitPlanActions, purchase.Unit)
	assert.Equal(t, int64(30), purchase.Amount)
	assert.Equal(t, "basic", purchase.PlanID)
	require.NotNil(t, purchase.PlanExpiresAt)
	assert.True(t, f.clock.Now().AddDate(0, 0, 30).Equal(*purchase.PlanExpiresAt))

	for i := 0; i < 5; i++ {
		_, err := f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: ledgerdomain.ActionKindTryOn, Cost: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), f.account(t, "user-1").PlanActionsUsed)

	f.clock.Advance(10 * 24 * time.Hour)
	renewal, err := f.svc.ActivatePlan(ctx, billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "pro", DurationDays: 365, IdempotencyKey: "sub-2"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.EntryTypePlanRenewal, renewal.EntryType)
	assert.Equal(t, int64(100), renewal.PlanActionAllowance)
	assert.Zero(t, renewal.PlanActionsUsed)
	assert.True(t, f.clock.Now().AddDate(0, 0, 365).Equal(*renewal.PlanExpiresAt))

	account := f.account(t, "user-1")
	assert.Equal(t, "pro", *account.PlanID)
	assert.Zero(t, account.PlanActionsUsed)
	assert.Equal(t, int64(4), account.CreditBalance)
	require.NotNil(t, account.PlanPeriodResetAt)
	assert.True(t, f.clock.Now().Equal(*account.PlanPeriodResetAt))

	f.clock.Advance(366 * 24 * time.Hour)
	lapsed, err := f.svc.ActivatePlan(ctx, billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "pro", IdempotencyKey: "sub-3"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.EntryTypePlanPurchase, lapsed.EntryType)
}

func TestActivatePlanResolvesAlias(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", nil)

	result, err := f.svc.ActivatePlan(context.Background(), billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "Premium"})
	require.NoError(t, err)
	assert.Equal(t, "pro", result.PlanID)
	assert.Equal(t, int64(100), result.PlanActionAllowance)
	assert.Equal(t, "pro", *f.account(t, "user-1").PlanID)
}

func TestActivatePlanRejectsUnknownPlan(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", nil)

	_, err := f.svc.ActivatePlan(context.Background(), billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "enterprise"})
	assert.ErrorIs(t, err, billingdomain.ErrUnknownPlan)

	_, err = f.svc.ActivatePlan(context.Background(), billingdomain.ActivatePlanRequest{UserID: "user-1", PlanID: "pro", DurationDays: -1})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidDuration)
	assert.Zero(t, f.entryCount(t, "user-1"))
}

func TestCreditGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", nil)

	pack, err := f.svc.PurchaseCreditPackage(ctx, billingdomain.PurchaseCreditPackageRequest{UserID: "user-1", PackageID: "credits_medium", IdempotencyKey: "pay-1"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.EntryTypeCreditPackPurchase, pack.EntryType)
	assert.Equal(t, ledgerdomain.SourceCredits, pack.Source)
	assert.Equal(t, int64(120), pack.CreditBalance)

	replay, err := f.svc.PurchaseCreditPackage(ctx, billingdomain.PurchaseCreditPackageRequest{UserID: "user-1", PackageID: "credits_medium", IdempotencyKey: "pay-1"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	referral, err := f.svc.AwardReferralBonus(ctx, billingdomain.AwardCreditsRequest{UserID: "user-1", Amount: 20})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.EntryTypeReferralBonus, referral.EntryType)
	assert.Equal(t, ledgerdomain.SourceReferral, referral.Source)
	assert.Equal(t, int64(140), referral.CreditBalance)

	_, err = f.svc.PurchaseCreditPackage(ctx, billingdomain.PurchaseCreditPackageRequest{UserID: "user-1", PackageID: "credits_huge"})
	assert.ErrorIs(t, err, billingdomain.ErrUnknownCreditPackage)

	_, err = f.svc.AwardCredits(ctx, billingdomain.AwardCreditsRequest{UserID: "user-1", Amount: 0})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidAmount)

	_, err = f.svc.AwardCredits(ctx, billingdomain.AwardCreditsRequest{UserID: "user-1", Amount: 5, EntryType: ledgerdomain.EntryTypeTrialGrant})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidEntryType)

	entry, err := f.entries.FindByIdempotencyKey(ctx, f.db, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "credits_medium", entry.Metadata["package_id"])

	assert.Equal(t, int64(140), f.account(t, "user-1").CreditBalance)
}

func TestAdjustCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 5 })

	_, err := f.svc.AdjustCredits(ctx, billingdomain.AdjustCreditsRequest{UserID: "user-1", Delta: -6})
	require.ErrorIs(t, err, billingdomain.ErrNegativeBalance)

	_, err = f.svc.AdjustCredits(ctx, billingdomain.AdjustCreditsRequest{UserID: "user-1", Delta: 0})
	require.ErrorIs(t, err, billingdomain.ErrInvalidAmount)

	result, err := f.svc.AdjustCredits(ctx, billingdomain.AdjustCreditsRequest{UserID: "user-1", Delta: -5, Reason: "chargeback", IdempotencyKey: "adj-1"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceAdmin, result.Source)
	assert.Equal(t, ledgerdomain.EntryTypeAdminAdjustment, result.EntryType)
	assert.Zero(t, result.CreditBalance)

	entry, err := f.entries.FindByIdempotencyKey(ctx, f.db, "adj-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "chargeback", entry.Metadata["reason"])
}

func TestEveryEntryEmitsOutboxEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", func(a *accountdomain.Account) { a.CreditBalance = 10 })

	result, err := f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: ledgerdomain.ActionKindEdit, Cost: 2, IdempotencyKey: "job-1"})
	require.NoError(t, err)
	_, err = f.svc.Charge(ctx, billingdomain.ChargeRequest{UserID: "user-1", ActionKind: ledgerdomain.ActionKindEdit, Cost: 2, IdempotencyKey: "job-1"})
	require.NoError(t, err)

	var records []events.Record
	require.NoError(t, f.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, events.EventLedgerEntryCreated, records[0].EventType)
	assert.Equal(t, "user-1", records[0].AggregateID)
	assert.Equal(t, result.LedgerEntryID, records[0].Payload["ledger_entry_id"])
	assert.Equal(t, "edit_charge", records[0].Payload["entry_type"])
}
