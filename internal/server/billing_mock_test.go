package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type mockBillingService struct {
	mock.Mock
}

func (m *mockBillingService) Charge(ctx context.Context, req billingdomain.ChargeRequest) (billingdomain.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(billingdomain.ChargeResult), args.Error(1)
}

func (m *mockBillingService) ChargeAssistant(ctx context.Context, req billingdomain.AssistantChargeRequest) (billingdomain.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(billingdomain.ChargeResult), args.Error(1)
}

func (m *mockBillingService) GrantTrial(ctx context.Context, req billingdomain.GrantTrialRequest) (billingdomain.GrantResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(billingdomain.GrantResult), args.Error(1)
}

func (m *mockBillingService) ActivatePlan(ctx context.Context, req billingdomain.ActivatePlanRequest) (billingdomain.GrantResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(billingdomain.GrantResult), args.Error(1)
}

func (m *mockBillingService) AwardCredits(ctx context.Context, req billingdomain.AwardCreditsRequest) (billingdomain.GrantResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(billingdomain.GrantResult), args.Error(1)
}

func (m *mockBillingService) PurchaseCreditPackage(ctx context.Context, req billingdomain.PurchaseCreditPackageRequest) (billingdomain.GrantResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(billingdomain.GrantResult), args.Error(1)
}

func (m *mockBillingService) AwardReferralBonus(ctx context.Context, req billingdomain.AwardCreditsRequest) (billingdomain.GrantResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(billingdomain.GrantResult), args.Error(1)
}

func (m *mockBillingService) AdjustCredits(ctx context.Context, req billingdomain.AdjustCreditsRequest) (billingdomain.GrantResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(billingdomain.GrantResult), args.Error(1)
}

func newMockServer(billing billingdomain.Service) *Server {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	return NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{InternalAPIToken: testToken},
		Log:        zap.NewNop(),
		BillingSvc: billing,
	})
}

func TestChargeMapsBusyAccountToUnavailable(t *testing.T) {
	billing := &mockBillingService{}
	billing.On("Charge", mock.Anything, mock.MatchedBy(func(req billingdomain.ChargeRequest) bool {
		return req.UserID == "u1" && req.IdempotencyKey == "hdr-key" && req.Cost == 2
	})).Return(billingdomain.ChargeResult{}, billingdomain.ErrAccountBusy).Once()
	s := newMockServer(billing)

	w := do(t, s, http.MethodPost, "/internal/v1/users/u1/charges", map[string]any{
		"action_kind":     "edit",
		"cost":            2,
		"idempotency_key": "body-key",
	}, map[string]string{"Idempotency-Key": "hdr-key"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "service_unavailable", decodeError(t, w).Error.Type)
	billing.AssertExpectations(t)
}

func TestGrantTrialAcceptsEmptyBody(t *testing.T) {
	billing := &mockBillingService{}
	billing.On("GrantTrial", mock.Anything, billingdomain.GrantTrialRequest{UserID: "u1"}).
		Return(billingdomain.GrantResult{Granted: true, Amount: 10}, nil).Once()
	s := newMockServer(billing)

	w := do(t, s, http.MethodPost, "/internal/v1/users/u1/trial", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeData(t, w)["granted"])
	billing.AssertExpectations(t)
}

func TestUnexpectedErrorsAreOpaque(t *testing.T) {
	billing := &mockBillingService{}
	billing.On("AwardCredits", mock.Anything, mock.Anything).
		Return(billingdomain.GrantResult{}, assert.AnError).Once()
	s := newMockServer(billing)

	w := do(t, s, http.MethodPost, "/internal/v1/users/u1/credits", map[string]any{"amount": 5}, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "internal_error", body.Error.Type)
	assert.NotContains(t, body.Error.Message, assert.AnError.Error())
}
