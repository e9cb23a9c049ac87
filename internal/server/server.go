package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountingdomain "github.com/smallbiznis/hotspotd/internal/accounting/domain"
	"github.com/smallbiznis/hotspotd/internal/config"
	devicedomain "github.com/smallbiznis/hotspotd/internal/device/domain"
	loyaltydomain "github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	obslogger "github.com/smallbiznis/hotspotd/internal/observability/logger"
	obstracing "github.com/smallbiznis/hotspotd/internal/observability/tracing"
	purchasedomain "github.com/smallbiznis/hotspotd/internal/purchase/domain"
	"github.com/smallbiznis/hotspotd/internal/ratelimit"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log.Named("http"), classifyErrorForLog))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	if !cfg.HasRole(config.RoleAPI) {
		return
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
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
	accounting accountingdomain.Service
	vouchers   voucherdomain.Service
	devices    devicedomain.Service
	purchases  purchasedomain.Service
	loyalty    loyaltydomain.Service
	limiter    *ratelimit.IngestLimiter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Accounting accountingdomain.Service
	Vouchers   voucherdomain.Service
	Devices    devicedomain.Service
	Purchases  purchasedomain.Service
	Loyalty    loyaltydomain.Service
	Limiter    *ratelimit.IngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		accounting: p.Accounting,
		vouchers:   p.Vouchers,
		devices:    p.Devices,
		purchases:  p.Purchases,
		loyalty:    p.Loyalty,
		limiter:    p.Limiter,
	}
	svc.registerRoutes()
	return svc
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/accounting/events", s.AccountingIngestRateLimit(), s.IngestAccountingEvent)
	v1.GET("/dead-letters", s.ListDeadLetters)

	vouchers := v1.Group("/vouchers/:code")
	vouchers.POST("/activate", s.ActivateVoucher)
	vouchers.POST("/cancel", s.CancelVoucher)
	vouchers.GET("/status", s.GetVoucherStatus)
	vouchers.GET("/devices", s.ListDevices)
	vouchers.DELETE("/devices/:mac", s.RevokeDevice)

	v1.POST("/purchases", s.SubmitPurchase)

	loyalty := v1.Group("/loyalty/:phone")
	loyalty.GET("/balance", s.GetLoyaltyBalance)
	loyalty.GET("/history", s.ListLoyaltyHistory)
	loyalty.POST("/redeem", s.RedeemPoints)
	loyalty.GET("/tier", s.GetLoyaltyTier)
	v1.GET("/loyalty-tiers", s.ListLoyaltyTiers)

	v1.GET("/point-rules", s.ListPointRules)
	v1.POST("/point-rules", s.CreatePointRule)
	v1.POST("/point-rules/:id/deactivate", s.DeactivatePointRule)

	v1.GET("/redemptions/pending", s.ListPendingRedemptions)
	v1.POST("/redemptions/:id/approve", s.ApproveRedemption)
	v1.POST("/redemptions/:id/deliver", s.DeliverRedemption)
}
