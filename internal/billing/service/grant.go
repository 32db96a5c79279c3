package service

import (
	"context"
	"math"
	"strings"
	"time"

	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	"github.com/smallbiznis/creditline/internal/catalog"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// maxPlanDurationDays bounds caller-supplied plan durations to ten years.
const maxPlanDurationDays = 366 * 10

// GrantTrial grants trial credits once per account. A second grant reports
// Granted false without writing anything.
func (s *Service) GrantTrial(ctx context.Context, req billingdomain.GrantTrialRequest) (result billingdomain.GrantResult, err error) {
	started := time.Now()
	key := normalizeKey(req.IdempotencyKey)
	ctx, span, log := s.begin(ctx, "grant_trial", req.UserID, key)
	defer func() { s.finish(ctx, span, log, "grant_trial", started, result.Replayed, err) }()

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	amount := req.Amount
	if amount == 0 {
		amount = s.trialCredits
	}
	if amount <= 0 {
		return billingdomain.GrantResult{}, billingdomain.ErrInvalidAmount
	}

	op := operation{
		name:       "grant_trial",
		userID:     userID,
		key:        key,
		catalog:    s.catalog.Current(),
		compatible: entryTypeIs(ledgerdomain.EntryTypeTrialGrant),
		mutate: func(_ time.Time, account *accountdomain.Account) (*ledgerdomain.Entry, error) {
			if account.TrialGranted {
				return nil, nil
			}
			if err := addCredits(account, amount); err != nil {
				return nil, err
			}
			account.TrialGranted = true
			return &ledgerdomain.Entry{
				EntryType: ledgerdomain.EntryTypeTrialGrant,
				Amount:    amount,
				Unit:      ledgerdomain.UnitCredits,
				Source:    ledgerdomain.SourceTrial,
			}, nil
		},
	}

	out, err := s.apply(ctx, op)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	if out.entry == nil {
		log.Debug("trial already granted")
		return grantResultFromAccount(out.account), nil
	}
	result = s.grantResult(ctx, out)
	if out.replayed {
		// The trial flag was set by the replayed entry, not by this call.
		result.Granted = false
	}
	return result, nil
}

// ActivatePlan starts or renews a subscription plan and resets its counters.
// It is a renewal when the account had an unexpired plan at call time.
func (s *Service) ActivatePlan(ctx context.Context, req billingdomain.ActivatePlanRequest) (result billingdomain.GrantResult, err error) {
	started := time.Now()
	key := normalizeKey(req.IdempotencyKey)
	ctx, span, log := s.begin(ctx, "activate_plan", req.UserID, key, attribute.String("plan_id", req.PlanID))
	defer func() { s.finish(ctx, span, log, "activate_plan", started, result.Replayed, err) }()

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	if req.DurationDays < 0 || req.DurationDays > maxPlanDurationDays {
		return billingdomain.GrantResult{}, billingdomain.ErrInvalidDuration
	}

	cat := s.catalog.Current()
	plan, err := cat.GetPlan(catalog.PlanID(req.PlanID))
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	durationDays := plan.DurationDays
	if req.DurationDays > 0 {
		durationDays = req.DurationDays
	}

	metadata := withMetadata(copyMetadata(req.Metadata), map[string]any{
		"plan_id":       string(plan.ID),
		"duration_days": durationDays,
	})
	if requested := catalog.PlanID(req.PlanID).Normalize(); requested != plan.ID {
		metadata["requested_plan_id"] = string(requested)
	}

	op := operation{
		name:       "activate_plan",
		userID:     userID,
		key:        key,
		catalog:    cat,
		compatible: entryTypeIs(ledgerdomain.EntryTypePlanPurchase, ledgerdomain.EntryTypePlanRenewal),
		mutate: func(now time.Time, account *accountdomain.Account) (*ledgerdomain.Entry, error) {
			entryType := ledgerdomain.EntryTypePlanPurchase
			if account.PlanActive(now) {
				entryType = ledgerdomain.EntryTypePlanRenewal
			}

			planID := string(plan.ID)
			startedAt := now
			expiresAt := now.AddDate(0, 0, durationDays)
			account.PlanID = &planID
			account.PlanStartedAt = &startedAt
			account.PlanExpiresAt = &expiresAt
			account.PlanPeriodResetAt = &startedAt
			account.PlanActionAllowance = plan.ActionAllowance
			account.PlanActionsUsed = 0

			return &ledgerdomain.Entry{
				EntryType: entryType,
				Amount:    plan.ActionAllowance,
				Unit:      ledgerdomain.UnitPlanActions,
				Source:    ledgerdomain.SourceSubscription,
				Metadata:  metadata,
			}, nil
		},
	}

	out, err := s.apply(ctx, op)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	if !out.replayed {
		log.Info("plan activated",
			zap.String("plan_id", string(plan.ID)),
			zap.String("entry_type", string(out.entry.EntryType)),
			zap.Int("duration_days", durationDays),
		)
	}
	return s.grantResult(ctx, out), nil
}

// AwardCredits adds purchased or promotional credits. There is no upper cap
// beyond integer overflow.
func (s *Service) AwardCredits(ctx context.Context, req billingdomain.AwardCreditsRequest) (result billingdomain.GrantResult, err error) {
	started := time.Now()
	key := normalizeKey(req.IdempotencyKey)
	ctx, span, log := s.begin(ctx, "award_credits", req.UserID, key, attribute.String("entry_type", string(req.EntryType)))
	defer func() { s.finish(ctx, span, log, "award_credits", started, result.Replayed, err) }()

	return s.awardCredits(ctx, req, "award_credits")
}

// AwardReferralBonus adds referral credits.
func (s *Service) AwardReferralBonus(ctx context.Context, req billingdomain.AwardCreditsRequest) (result billingdomain.GrantResult, err error) {
	started := time.Now()
	key := normalizeKey(req.IdempotencyKey)
	ctx, span, log := s.begin(ctx, "award_referral_bonus", req.UserID, key)
	defer func() { s.finish(ctx, span, log, "award_referral_bonus", started, result.Replayed, err) }()

	req.EntryType = ledgerdomain.EntryTypeReferralBonus
	return s.awardCredits(ctx, req, "award_referral_bonus")
}

// PurchaseCreditPackage awards the credits of a catalog package.
func (s *Service) PurchaseCreditPackage(ctx context.Context, req billingdomain.PurchaseCreditPackageRequest) (result billingdomain.GrantResult, err error) {
	started := time.Now()
	key := normalizeKey(req.IdempotencyKey)
	ctx, span, log := s.begin(ctx, "purchase_credit_package", req.UserID, key, attribute.String("package_id", req.PackageID))
	defer func() { s.finish(ctx, span, log, "purchase_credit_package", started, result.Replayed, err) }()

	pkg, err := s.catalog.Current().GetCreditPackage(req.PackageID)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}

	return s.awardCredits(ctx, billingdomain.AwardCreditsRequest{
		UserID:         req.UserID,
		Amount:         pkg.Credits,
		EntryType:      ledgerdomain.EntryTypeCreditPackPurchase,
		IdempotencyKey: req.IdempotencyKey,
		Metadata: withMetadata(copyMetadata(req.Metadata), map[string]any{
			"package_id": pkg.ID,
			"price":      pkg.Price,
			"currency":   pkg.Currency,
		}),
	}, "purchase_credit_package")
}

func (s *Service) awardCredits(ctx context.Context, req billingdomain.AwardCreditsRequest, name string) (billingdomain.GrantResult, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	if req.Amount <= 0 {
		return billingdomain.GrantResult{}, billingdomain.ErrInvalidAmount
	}

	entryType := req.EntryType
	if entryType == "" {
		entryType = ledgerdomain.EntryTypeCreditPackPurchase
	}
	var source ledgerdomain.Source
	switch entryType {
	case ledgerdomain.EntryTypeCreditPackPurchase:
		source = ledgerdomain.SourceCredits
	case ledgerdomain.EntryTypeReferralBonus:
		source = ledgerdomain.SourceReferral
	default:
		return billingdomain.GrantResult{}, billingdomain.ErrInvalidEntryType
	}

	metadata := copyMetadata(req.Metadata)
	op := operation{
		name:       name,
		userID:     userID,
		key:        normalizeKey(req.IdempotencyKey),
		catalog:    s.catalog.Current(),
		compatible: entryTypeIs(entryType),
		mutate: func(_ time.Time, account *accountdomain.Account) (*ledgerdomain.Entry, error) {
			if err := addCredits(account, req.Amount); err != nil {
				return nil, err
			}
			return &ledgerdomain.Entry{
				EntryType: entryType,
				Amount:    req.Amount,
				Unit:      ledgerdomain.UnitCredits,
				Source:    source,
				Metadata:  metadata,
			}, nil
		},
	}

	out, err := s.apply(ctx, op)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	return s.grantResult(ctx, out), nil
}

// AdjustCredits applies a signed operator correction. The resulting balance
// may not drop below zero.
func (s *Service) AdjustCredits(ctx context.Context, req billingdomain.AdjustCreditsRequest) (result billingdomain.GrantResult, err error) {
	started := time.Now()
	key := normalizeKey(req.IdempotencyKey)
	ctx, span, log := s.begin(ctx, "adjust_credits", req.UserID, key)
	defer func() { s.finish(ctx, span, log, "adjust_credits", started, result.Replayed, err) }()

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	if req.Delta == 0 {
		return billingdomain.GrantResult{}, billingdomain.ErrInvalidAmount
	}

	var metadata map[string]any
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		metadata = map[string]any{"reason": reason}
	}

	op := operation{
		name:       "adjust_credits",
		userID:     userID,
		key:        key,
		catalog:    s.catalog.Current(),
		compatible: entryTypeIs(ledgerdomain.EntryTypeAdminAdjustment),
		mutate: func(_ time.Time, account *accountdomain.Account) (*ledgerdomain.Entry, error) {
			if req.Delta > 0 {
				if err := addCredits(account, req.Delta); err != nil {
					return nil, err
				}
			} else {
				if account.CreditBalance+req.Delta < 0 {
					return nil, billingdomain.ErrNegativeBalance
				}
				account.CreditBalance += req.Delta
			}
			return &ledgerdomain.Entry{
				EntryType: ledgerdomain.EntryTypeAdminAdjustment,
				Amount:    req.Delta,
				Unit:      ledgerdomain.UnitCredits,
				Source:    ledgerdomain.SourceAdmin,
				Metadata:  copyMetadata(metadata),
			}, nil
		},
	}

	out, err := s.apply(ctx, op)
	if err != nil {
		return billingdomain.GrantResult{}, err
	}
	if !out.replayed {
		log.Info("credits adjusted", zap.Int64("delta", req.Delta), zap.String("reason", req.Reason))
	}
	return s.grantResult(ctx, out), nil
}

func (s *Service) grantResult(ctx context.Context, out outcome) billingdomain.GrantResult {
	if !out.replayed && out.entry.EntryType != ledgerdomain.EntryTypeAdminAdjustment {
		s.obsMetrics.RecordGrant(ctx, string(out.entry.EntryType))
	}
	return grantResultFromEntry(out.entry, out.replayed)
}

func addCredits(account *accountdomain.Account, amount int64) error {
	if account.CreditBalance > math.MaxInt64-amount {
		return billingdomain.ErrBalanceOverflow
	}
	account.CreditBalance += amount
	return nil
}

func entryTypeIs(types ...ledgerdomain.EntryType) func(*ledgerdomain.Entry) bool {
	return func(e *ledgerdomain.Entry) bool {
		for _, t := range types {
			if e.EntryType == t {
				return true
			}
		}
		return false
	}
}

func grantResultFromEntry(entry *ledgerdomain.Entry, replayed bool) billingdomain.GrantResult {
	result := billingdomain.GrantResult{
		LedgerEntryID:       entry.ID.String(),
		EntryType:           entry.EntryType,
		Granted:             true,
		Amount:              entry.Amount,
		Unit:                entry.Unit,
		Source:              entry.Source,
		CreditBalance:       entry.CreditBalanceAfter,
		PlanExpiresAt:       entry.PlanExpiresAtAfter,
		PlanActionAllowance: entry.PlanActionAllowanceAfter,
		PlanActionsUsed:     entry.PlanActionsUsedAfter,
		Replayed:            replayed,
	}
	if entry.PlanID != nil {
		result.PlanID = *entry.PlanID
	}
	return result
}

func grantResultFromAccount(account *accountdomain.Account) billingdomain.GrantResult {
	return billingdomain.GrantResult{
		Granted:             false,
		CreditBalance:       account.CreditBalance,
		PlanID:              string(account.Plan()),
		PlanExpiresAt:       account.PlanExpiresAt,
		PlanActionAllowance: account.PlanActionAllowance,
		PlanActionsUsed:     account.PlanActionsUsed,
	}
}
