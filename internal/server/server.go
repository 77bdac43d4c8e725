package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soloventures/advai/internal/config"
	"github.com/soloventures/advai/internal/identity"
	ledgerdomain "github.com/soloventures/advai/internal/ledger/domain"
	"github.com/soloventures/advai/internal/observability"
	obsmetrics "github.com/soloventures/advai/internal/observability/metrics"
	obstracing "github.com/soloventures/advai/internal/observability/tracing"
	plandomain "github.com/soloventures/advai/internal/plan/domain"
	purchasedomain "github.com/soloventures/advai/internal/purchase/domain"
	reconciledomain "github.com/soloventures/advai/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke((*Server).RegisterRoutes),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics, _ observability.Config) *gin.Engine {
	return NewEngine(log, httpMetrics)
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	identity    identity.Resolver
	purchaseSvc purchasedomain.Service
	reconcile   reconciledomain.Service
	plans       plandomain.Repository
	ledger      ledgerdomain.Repository
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Identity    identity.Resolver
	PurchaseSvc purchasedomain.Service
	Reconcile   reconciledomain.Service
	Plans       plandomain.Repository
	Ledger      ledgerdomain.Repository
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("server"),
		identity:    p.Identity,
		purchaseSvc: p.PurchaseSvc,
		reconcile:   p.Reconcile,
		plans:       p.Plans,
		ledger:      p.Ledger,
	}
}

func (s *Server) RegisterRoutes() {
	s.engine.POST("/webhooks/asaas", s.HandleGatewayWebhook)

	api := s.engine.Group("/api")
	{
		billing := api.Group("/billing")
		{
			billing.POST("/credits", s.HandlePurchaseCredits)
			billing.POST("/subscribe", s.HandleSubscribe)
			billing.GET("/plans", s.HandleListPlans)
			billing.GET("/transactions", s.HandleListTransactions)
		}
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
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

// RequestLogMiddleware emits one structured line per request.
func RequestLogMiddleware(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
