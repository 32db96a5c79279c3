package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditline/internal/account"
	accountdomain "github.com/smallbiznis/creditline/internal/account/domain"
	"github.com/smallbiznis/creditline/internal/authorization"
	"github.com/smallbiznis/creditline/internal/billing"
	billingdomain "github.com/smallbiznis/creditline/internal/billing/domain"
	"github.com/smallbiznis/creditline/internal/catalog"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/events"
	"github.com/smallbiznis/creditline/internal/ledger"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"github.com/smallbiznis/creditline/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditline/internal/observability/tracing"
	"github.com/smallbiznis/creditline/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ratelimit.Module,
	authorization.Module,
	events.Module,
	account.Module,
	ledger.Module,
	billing.Module,
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	accountSvc accountdomain.Service
	ledgerSvc  ledgerdomain.Service
	billingSvc billingdomain.Service
	catalog    catalog.Provider
	limiter    chargeLimiter
	authzSvc   authorization.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	AccountSvc accountdomain.Service
	LedgerSvc  ledgerdomain.Service
	BillingSvc billingdomain.Service
	Catalog    catalog.Provider
	Limiter    *ratelimit.ChargeLimiter `optional:"true"`
	AuthzSvc   authorization.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		accountSvc: p.AccountSvc,
		ledgerSvc:  p.LedgerSvc,
		billingSvc: p.BillingSvc,
		catalog:    p.Catalog,
		authzSvc:   p.AuthzSvc,
	}

	if p.Limiter != nil {
		svc.limiter = p.Limiter
	}

	if svc.cfg.InternalAPIToken == "" && svc.cfg.AdminAPIToken == "" {
		if svc.cfg.IsProduction() {
			svc.log.Warn("no internal API tokens configured; internal API rejects every request")
		} else {
			svc.log.Warn("no internal API tokens configured; internal API is unauthenticated outside production")
		}
	}

	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerInternalRoutes() {
	api := s.engine.Group("/internal/v1", s.InternalAuthRequired())

	// -------- Catalog --------
	catalogView := s.authorizeAction(authorization.ObjectCatalog, authorization.ActionView)
	api.GET("/catalog/plans", catalogView, s.ListPlans)
	api.GET("/catalog/credit-packages", catalogView, s.ListCreditPackages)

	users := api.Group("/users/:user_id")
	{
		// -------- Account --------
		users.POST("/account", s.authorizeAction(authorization.ObjectAccount, authorization.ActionCreate), s.OpenAccount)
		users.GET("/balance", s.authorizeAction(authorization.ObjectAccount, authorization.ActionView), s.GetBalance)
		users.GET("/ledger", s.authorizeAction(authorization.ObjectLedger, authorization.ActionView), s.ListLedgerEntries)

		// -------- Charges --------
		charge := s.authorizeAction(authorization.ObjectCharge, authorization.ActionCreate)
		users.POST("/charges", charge, s.ChargeRateLimit(), s.Charge)
		users.POST("/assistant-charges", charge, s.ChargeRateLimit(), s.ChargeAssistant)

		// -------- Grants --------
		grant := s.authorizeAction(authorization.ObjectGrant, authorization.ActionCreate)
		users.POST("/trial", grant, s.GrantTrial)
		users.POST("/plan", grant, s.ActivatePlan)
		users.POST("/credits", grant, s.AwardCredits)
		users.POST("/credit-packages", grant, s.PurchaseCreditPackage)
		users.POST("/referral-bonus", grant, s.AwardReferralBonus)

		// -------- Support --------
		users.POST("/adjustments", s.authorizeAction(authorization.ObjectAdjustment, authorization.ActionCreate), s.AdjustCredits)
	}
}
