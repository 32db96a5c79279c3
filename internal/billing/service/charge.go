package service

import (
	"context"
	"errors"
	"time"

	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Charge spends one paid action. An active plan with remaining allowance is
// used first, otherwise cost credits are debited.
func (s *Service) Charge(ctx context.Context, req billingdomain.ChargeRequest) (result billingdomain.ChargeResult, err error) {
	started := time.Now()
	key := normalizeKey(req.IdempotencyKey)
	ctx, span, log := s.begin(ctx, "charge", req.UserID, key,
		attribute.String("action_kind", string(req.ActionKind)),
		attribute.Bool("unlimited", req.Unlimited),
	)
	log = log.With(zap.String("action_kind", string(req.ActionKind)))
	defer func() { s.finish(ctx, span, log, "charge", started, result.Replayed, err) }()

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return billingdomain.ChargeResult{}, err
	}
	creditEntryType, ok := req.ActionKind.CreditEntryType()
	if !ok || req.ActionKind == ledgerdomain.ActionKindAssistant {
		return billingdomain.ChargeResult{}, billingdomain.ErrInvalidActionKind
	}
	if req.Cost < 1 {
		return billingdomain.ChargeResult{}, billingdomain.ErrInvalidCost
	}

	op := operation{
		name:    "charge",
		userID:  userID,
		key:     key,
		catalog: s.catalog.Current(),
		compatible: func(e *ledgerdomain.Entry) bool {
			return e.ActionKind == req.ActionKind &&
				(e.EntryType == creditEntryType || e.EntryType == ledgerdomain.EntryTypePlanActionDebit)
		},
	}
	if req.Unlimited {
		return s.chargeUnlimited(ctx, op)
	}

	metadata := copyMetadata(req.Metadata)
	op.mutate = func(now time.Time, account *accountdomain.Account) (*ledgerdomain.Entry, error) {
		if account.PlanActive(now) && account.PlanActionsUsed < account.PlanActionAllowance {
			account.PlanActionsUsed++
			return &ledgerdomain.Entry{
				EntryType:  ledgerdomain.EntryTypePlanActionDebit,
				ActionKind: req.ActionKind,
				Amount:     -1,
				Unit:       ledgerdomain.UnitPlanActions,
				Source:     ledgerdomain.SourceSubscription,
				Metadata:   metadata,
			}, nil
		}
		if account.CreditBalance >= req.Cost {
			account.CreditBalance -= req.Cost
			return &ledgerdomain.Entry{
				EntryType:  creditEntryType,
				ActionKind: req.ActionKind,
				Amount:     -req.Cost,
				Unit:       ledgerdomain.UnitCredits,
				Source:     ledgerdomain.SourceCredits,
				Metadata:   metadata,
			}, nil
		}
		return nil, billingdomain.ErrInsufficientBalance
	}

	out, err := s.apply(ctx, op)
	if err != nil {
		if errors.Is(err, billingdomain.ErrInsufficientBalance) {
			log.Info("insufficient balance", zap.Int64("cost", req.Cost))
			s.obsMetrics.RecordInsufficientBalance(ctx, string(req.ActionKind))
		}
		return billingdomain.ChargeResult{}, err
	}

	result = chargeResultFromEntry(out.entry, out.replayed)
	if !out.replayed {
		s.obsMetrics.RecordCharge(ctx, string(result.Source), string(req.ActionKind), result.CreditsCharged)
	}
	return result, nil
}

// ChargeAssistant debits credits for an assistant action. Plan allowance is never used.
func (s *Service) ChargeAssistant(ctx context.Context, req billingdomain.AssistantChargeRequest) (result billingdomain.ChargeResult, err error) {
	started := time.Now()
	key := normalizeKey(req.IdempotencyKey)
	ctx, span, log := s.begin(ctx, "charge_assistant", req.UserID, key,
		attribute.String("action_kind", string(ledgerdomain.ActionKindAssistant)),
		attribute.Bool("unlimited", req.Unlimited),
	)
	log = log.With(zap.String("action_kind", string(ledgerdomain.ActionKindAssistant)))
	defer func() { s.finish(ctx, span, log, "charge_assistant", started, result.Replayed, err) }()

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return billingdomain.ChargeResult{}, err
	}
	if req.Cost < 1 {
		return billingdomain.ChargeResult{}, billingdomain.ErrInvalidCost
	}

	op := operation{
		name:    "charge_assistant",
		userID:  userID,
		key:     key,
		catalog: s.catalog.Current(),
		compatible: func(e *ledgerdomain.Entry) bool {
			return e.EntryType == ledgerdomain.EntryTypeAssistantCharge
		},
	}
	if req.Unlimited {
		return s.chargeUnlimited(ctx, op)
	}

	metadata := copyMetadata(req.Metadata)
	op.mutate = func(_ time.Time, account *accountdomain.Account) (*ledgerdomain.Entry, error) {
		if account.CreditBalance < req.Cost {
			return nil, billingdomain.ErrInsufficientAssistantBalance
		}
		account.CreditBalance -= req.Cost
		return &ledgerdomain.Entry{
			EntryType:  ledgerdomain.EntryTypeAssistantCharge,
			ActionKind: ledgerdomain.ActionKindAssistant,
			Amount:     -req.Cost,
			Unit:       ledgerdomain.UnitCredits,
			Source:     ledgerdomain.SourceCredits,
			Metadata:   metadata,
		}, nil
	}

	out, err := s.apply(ctx, op)
	if err != nil {
		if errors.Is(err, billingdomain.ErrInsufficientAssistantBalance) {
			log.Info("insufficient assistant balance", zap.Int64("cost", req.Cost))
			s.obsMetrics.RecordInsufficientBalance(ctx, string(ledgerdomain.ActionKindAssistant))
		}
		return billingdomain.ChargeResult{}, err
	}

	result = chargeResultFromEntry(out.entry, out.replayed)
	if !out.replayed {
		s.obsMetrics.RecordCharge(ctx, string(result.Source), string(ledgerdomain.ActionKindAssistant), result.CreditsCharged)
	}
	return result, nil
}

// chargeUnlimited serves accounts the caller flagged as unlimited. Nothing is
// written; an entry already recorded under the key is still replayed.
func (s *Service) chargeUnlimited(ctx context.Context, op operation) (billingdomain.ChargeResult, error) {
	if op.key != "" {
		existing, err := s.entries.FindByIdempotencyKey(ctx, s.db, op.key)
		if err != nil {
			return billingdomain.ChargeResult{}, err
		}
		if existing != nil {
			if !s.matches(op, existing) {
				return billingdomain.ChargeResult{}, billingdomain.ErrIdempotencyKeyReused
			}
			return chargeResultFromEntry(existing, true), nil
		}
	}

	account, err := s.accounts.FindByUserID(ctx, s.db, op.userID)
	if err != nil {
		return billingdomain.ChargeResult{}, err
	}
	if account == nil {
		return billingdomain.ChargeResult{}, billingdomain.ErrUserNotFound
	}
	accountdomain.Normalize(account, op.catalog)

	return billingdomain.ChargeResult{
		Source:              ledgerdomain.SourceAdmin,
		CreditBalance:       account.CreditBalance,
		PlanActionsUsed:     account.PlanActionsUsed,
		PlanActionAllowance: account.PlanActionAllowance,
	}, nil
}

func chargeResultFromEntry(entry *ledgerdomain.Entry, replayed bool) billingdomain.ChargeResult {
	result := billingdomain.ChargeResult{
		LedgerEntryID:       entry.ID.String(),
		Source:              entry.Source,
		Unit:                entry.Unit,
		CreditBalance:       entry.CreditBalanceAfter,
		PlanActionsUsed:     entry.PlanActionsUsedAfter,
		PlanActionAllowance: entry.PlanActionAllowanceAfter,
		Replayed:            replayed,
	}
	switch entry.Unit {
	case ledgerdomain.UnitCredits:
		result.CreditsCharged = -entry.Amount
	case ledgerdomain.UnitPlanActions:
		result.PlanActionsCharged = -entry.Amount
	}
	return result
}
