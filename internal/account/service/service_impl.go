package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	"github.com/smallbiznis/creditline/internal/catalog"
	"github.com/smallbiznis/creditline/internal/clock"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Catalog    catalog.Provider
	Repo       accountdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	catalog    catalog.Provider
	repo       accountdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("account.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		catalog:    p.Catalog,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Open(ctx context.Context, userID string) (accountdomain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return accountdomain.Balance{}, accountdomain.ErrInvalidUserID
	}

	now := s.clock.Now()
	account := &accountdomain.Account{
		ID:        s.genID.Generate(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, account)
	if err != nil {
		s.log.Error("failed to open account", zap.String("user_id", userID), zap.Error(err))
		return accountdomain.Balance{}, fmt.Errorf("open account: %w", err)
	}
	if inserted {
		s.log.Info("account opened", zap.String("user_id", userID), zap.String("account_id", account.ID.String()))
		return accountdomain.NewBalance(account, now), nil
	}

	return s.GetBalance(ctx, userID)
}

// GetBalance reads the account and applies catalog reconciliation in memory only.
func (s *Service) GetBalance(ctx context.Context, userID string) (accountdomain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return accountdomain.Balance{}, accountdomain.ErrInvalidUserID
	}

	account, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		s.log.Error("failed to load account", zap.String("user_id", userID), zap.Error(err))
		return accountdomain.Balance{}, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return accountdomain.Balance{}, accountdomain.ErrUserNotFound
	}

	if rec := accountdomain.Normalize(account, s.catalog.Current()); rec != nil {
		s.log.Info("plan allowance reconciled on read",
			zap.String("user_id", userID),
			zap.String("plan_id", string(rec.PlanID)),
			zap.String("previous_plan_id", string(rec.PreviousPlanID)),
			zap.Int64("previous_allowance", rec.PreviousAllowance),
			zap.Int64("allowance", rec.Allowance),
			zap.Int64("previous_used", rec.PreviousUsed),
			zap.Int64("used", rec.Used),
		)
		s.obsMetrics.RecordReconciliation(ctx, "read")
	}

	return accountdomain.NewBalance(account, s.clock.Now()), nil
}
