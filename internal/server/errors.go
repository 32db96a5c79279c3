package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	"github.com/smallbiznis/creditline/internal/authorization"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, billingdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "Not enough credits for this action. Buy a credit package or subscribe to a plan to continue.",
		}
	case errors.Is(err, billingdomain.ErrInsufficientAssistantBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_assistant_credits",
			Message: "Not enough credits for the assistant. The assistant is paid with credits only, so buy a credit package to continue.",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "caller is not allowed to perform this operation",
		}
	case errors.Is(err, billingdomain.ErrUserNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "user_not_found",
			Message: "user not found",
		}
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, billingdomain.ErrIdempotencyKeyReused):
		return http.StatusConflict, errorPayload{
			Type:    "idempotency_key_reused",
			Message: "idempotency key was already used for a different operation",
		}
	case errors.Is(err, billingdomain.ErrUnknownPlan):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unknown_plan",
			Message: "unknown plan",
		}
	case errors.Is(err, billingdomain.ErrUnknownCreditPackage):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unknown_credit_package",
			Message: "unknown credit package",
		}
	case errors.Is(err, billingdomain.ErrNegativeBalance):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "negative_balance",
			Message: "adjustment would make the credit balance negative",
		}
	case errors.Is(err, billingdomain.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "balance_overflow",
			Message: "credit balance limit exceeded",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many charges for this user, retry later",
		}
	case errors.Is(err, billingdomain.ErrAccountBusy),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "temporarily unavailable, retry with the same idempotency key",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		billingdomain.IsValidationError(err),
		errors.Is(err, accountdomain.ErrInvalidUserID),
		errors.Is(err, ledgerdomain.ErrInvalidUserID),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, known := range []error{
		billingdomain.ErrInvalidUserID,
		accountdomain.ErrInvalidUserID,
		ledgerdomain.ErrInvalidUserID,
		billingdomain.ErrInvalidActionKind,
		billingdomain.ErrInvalidCost,
		billingdomain.ErrInvalidAmount,
		billingdomain.ErrInvalidDuration,
		billingdomain.ErrInvalidEntryType,
		ledgerdomain.ErrInvalidPageToken,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_user_id":
		return "user_id"
	case "invalid_action_kind":
		return "action_kind"
	case "invalid_cost":
		return "cost"
	case "invalid_amount":
		return "amount"
	case "invalid_duration":
		return "duration_days"
	case "invalid_entry_type":
		return "kind"
	case "invalid_page_token":
		return "page_token"
	default:
		return "request"
	}
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_user_id":
		return "user_id is required"
	case "invalid_action_kind":
		return "action_kind must be try_on or edit"
	case "invalid_cost":
		return "cost must be a positive integer"
	case "invalid_amount":
		return "amount is out of range"
	case "invalid_duration":
		return "duration_days must not be negative"
	case "invalid_entry_type":
		return "kind must be credit_pack_purchase or referral_bonus"
	case "invalid_page_token":
		return "page_token is invalid"
	default:
		return "invalid request"
	}
}

// classifyErrorForLog returns the response type and internal code for request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := "unknown"
	if err != nil {
		code = err.Error()
		if payload.Type == "internal_error" {
			code = "internal"
		}
	}
	if isValidationError(err) || asValidationErrors(err) != nil {
		code = validationErrorCode(err)
	}
	return payload.Type, code
}
