package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meterbill/meterbill/internal/account"
	accountdomain "github.com/meterbill/meterbill/internal/account/domain"
	"github.com/meterbill/meterbill/internal/billing"
	billingdomain "github.com/meterbill/meterbill/internal/billing/domain"
	"github.com/meterbill/meterbill/internal/config"
	"github.com/meterbill/meterbill/internal/distlock"
	"github.com/meterbill/meterbill/internal/ledger"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
	"github.com/meterbill/meterbill/internal/reconcile"
	reconciledomain "github.com/meterbill/meterbill/internal/reconcile/domain"
	reconcileworker "github.com/meterbill/meterbill/internal/reconcile/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Server struct {
	log        *zap.Logger
	accountSvc accountdomain.Service
	billingSvc billingdomain.Service
	ledgerSvc  ledgerdomain.Service
	verifier   reconciledomain.Service
}

type ServerParams struct {
	fx.In

	Log        *zap.Logger
	AccountSvc accountdomain.Service
	BillingSvc billingdomain.Service
	LedgerSvc  ledgerdomain.Service
	Verifier   reconciledomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		log:        p.Log.Named("http.server"),
		accountSvc: p.AccountSvc,
		billingSvc: p.BillingSvc,
		ledgerSvc:  p.LedgerSvc,
		verifier:   p.Verifier,
	}
}

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())
	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	logger := log.Named("http.access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/usage/reports", s.ReportUsage)
		v1.POST("/adjustments", s.ApplyAdjustment)
		v1.POST("/resources/finalize", s.FinalizeResource)
		v1.GET("/accounts/:id/balance", s.GetBalance)
		v1.GET("/ledger", s.ListLedger)
		v1.GET("/consistency", s.GetConsistencyReport)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, s *Server) {
	s.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				s.log.Info("http server listening", zap.String("addr", cfg.ListenAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// Module wires the HTTP API together with the domain services it fronts.
var Module = fx.Module("http.server",
	account.Module,
	ledger.Module,
	billing.Module,
	reconcile.Module,
	distlock.Module,
	reconcileworker.Module,
	fx.Provide(
		NewEngine,
		NewServer,
	),
	fx.Invoke(run),
)
