package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/sautistream/ledgercore/internal/audit/domain"
	"github.com/sautistream/ledgercore/internal/authorization"
	"github.com/sautistream/ledgercore/internal/config"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	obsmetrics "github.com/sautistream/ledgercore/internal/observability/metrics"
	paymentdomain "github.com/sautistream/ledgercore/internal/payment/domain"
	payoutdomain "github.com/sautistream/ledgercore/internal/payout/domain"
	"github.com/sautistream/ledgercore/internal/ratelimit"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogMiddleware(log))
	r.Use(TracingMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	genID       *snowflake.Node
	ledgerSvc   ledgerdomain.Service
	revenueSvc  revenuedomain.Service
	royaltySvc  royaltydomain.Service
	paymentSvc  paymentdomain.Service
	saccoSvc    saccodomain.Service
	payoutSvc   payoutdomain.Service
	auditSvc    auditdomain.Service
	authzSvc    authorization.Service
	obsMetrics  *obsmetrics.Metrics
	playLimiter *ratelimit.PlayIngestLimiter
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	GenID       *snowflake.Node
	LedgerSvc   ledgerdomain.Service
	RevenueSvc  revenuedomain.Service
	RoyaltySvc  royaltydomain.Service
	PaymentSvc  paymentdomain.Service
	SaccoSvc    saccodomain.Service
	PayoutSvc   payoutdomain.Service
	AuditSvc    auditdomain.Service
	AuthzSvc    authorization.Service
	ObsMetrics  *obsmetrics.Metrics          `optional:"true"`
	PlayLimiter *ratelimit.PlayIngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		genID:       p.GenID,
		ledgerSvc:   p.LedgerSvc,
		revenueSvc:  p.RevenueSvc,
		royaltySvc:  p.RoyaltySvc,
		paymentSvc:  p.PaymentSvc,
		saccoSvc:    p.SaccoSvc,
		payoutSvc:   p.PayoutSvc,
		auditSvc:    p.AuditSvc,
		authzSvc:    p.AuthzSvc,
		obsMetrics:  p.ObsMetrics,
		playLimiter: p.PlayLimiter,
	}

	svc.registerWalletRoutes()
	svc.registerRevenueRoutes()
	svc.registerRoyaltyRoutes()
	svc.registerPaymentRoutes()
	svc.registerSaccoRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWalletRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/owners/:id/balance", s.GetBalance)
	v1.GET("/owners/:id/entries", s.ListEntries)
	v1.POST("/owners/:id/reconcile", s.ReconcileBalance)
	v1.POST("/transfers", s.Transfer)
}

func (s *Server) registerRevenueRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/plays", s.EnqueuePlay)
	v1.POST("/revenue/direct", s.RecordDirectRevenue)
}

func (s *Server) registerRoyaltyRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/royalty-splits", s.CreateSplit)
	v1.POST("/royalty-splits/:id/approve", s.ApproveSplit)
	v1.POST("/royalty-splits/:id/suspend", s.SuspendSplit)
	v1.POST("/royalty-splits/:id/terminate", s.TerminateSplit)
	v1.GET("/songs/:id/royalties", s.GetSongRoyalties)
}

func (s *Server) registerPaymentRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/payments", s.CreatePayment)
	v1.GET("/payments/:id", s.GetPayment)
	v1.POST("/payments/:id/processing", s.MarkPaymentProcessing)
	v1.POST("/payments/:id/complete", s.MarkPaymentCompleted)
	v1.POST("/payments/:id/fail", s.MarkPaymentFailed)
	v1.POST("/payments/:id/cancel", s.MarkPaymentCancelled)
	v1.POST("/payments/:id/refund", s.MarkPaymentRefunded)
}

func (s *Server) registerSaccoRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/sacco/accounts", s.OpenSaccoAccount)
	v1.GET("/sacco/accounts/:id/balance", s.GetSaccoBalance)
	v1.POST("/sacco/accounts/:id/deposits", s.SaccoDeposit)
	v1.POST("/sacco/accounts/:id/withdrawals", s.SaccoWithdraw)
	v1.POST("/sacco/loans", s.ApplyForLoan)
	v1.POST("/sacco/loans/:id/approve", s.ApproveLoan)
	v1.POST("/sacco/loans/:id/disburse", s.DisburseLoan)
	v1.POST("/sacco/loans/:id/repayments", s.RepayLoan)
	v1.GET("/sacco/loans/:id/standing", s.GetLoanStanding)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin")

	admin.POST("/payout-run", s.RunPayoutSweep)
	admin.GET("/audit-logs", s.ListAuditLogs)
}
