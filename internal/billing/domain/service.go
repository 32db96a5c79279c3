package domain

import (
	"context"
	"errors"

	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	"github.com/smallbiznis/creditline/internal/catalog"
)

// Service is the billing engine. Every operation locks the user's account,
// appends at most one ledger entry and commits both atomically.
type Service interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	ChargeAssistant(ctx context.Context, req AssistantChargeRequest) (ChargeResult, error)

	GrantTrial(ctx context.Context, req GrantTrialRequest) (GrantResult, error)
	ActivatePlan(ctx context.Context, req ActivatePlanRequest) (GrantResult, error)
	AwardCredits(ctx context.Context, req AwardCreditsRequest) (GrantResult, error)
	PurchaseCreditPackage(ctx context.Context, req PurchaseCreditPackageRequest) (GrantResult, error)
	AwardReferralBonus(ctx context.Context, req AwardCreditsRequest) (GrantResult, error)
	AdjustCredits(ctx context.Context, req AdjustCreditsRequest) (GrantResult, error)
}

var (
	ErrUserNotFound         = accountdomain.ErrUserNotFound
	ErrUnknownPlan          = catalog.ErrUnknownPlan
	ErrUnknownCreditPackage = catalog.ErrUnknownCreditPackage

	ErrInvalidUserID                = errors.New("invalid_user_id")
	ErrInvalidActionKind            = errors.New("invalid_action_kind")
	ErrInvalidCost                  = errors.New("invalid_cost")
	ErrInvalidAmount                = errors.New("invalid_amount")
	ErrInvalidDuration              = errors.New("invalid_duration")
	ErrInvalidEntryType             = errors.New("invalid_entry_type")
	ErrInsufficientBalance          = errors.New("insufficient_balance")
	ErrInsufficientAssistantBalance = errors.New("insufficient_assistant_balance")
	ErrIdempotencyKeyReused         = errors.New("idempotency_key_reused")
	ErrBalanceOverflow              = errors.New("balance_overflow")
	ErrNegativeBalance              = errors.New("negative_balance")

	// ErrAccountBusy is transient; retry with the same idempotency key.
	ErrAccountBusy = errors.New("account_busy")
)

// IsValidationError reports errors caused by a malformed request.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidUserID) ||
		errors.Is(err, ErrInvalidActionKind) ||
		errors.Is(err, ErrInvalidCost) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidDuration) ||
		errors.Is(err, ErrInvalidEntryType)
}

// IsExpected reports domain outcomes that are not operational failures.
func IsExpected(err error) bool {
	if err == nil {
		return false
	}
	return IsValidationError(err) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrUnknownPlan) ||
		errors.Is(err, ErrUnknownCreditPackage) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientAssistantBalance) ||
		errors.Is(err, ErrIdempotencyKeyReused) ||
		errors.Is(err, ErrBalanceOverflow) ||
		errors.Is(err, ErrNegativeBalance)
}
