// Package server wires the HTTP surface: raw event and session listings,
// per-channel reports, and the manual pipeline trigger.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ottworks/telemetria/internal/config"
	"github.com/ottworks/telemetria/internal/observability"
	obsmiddleware "github.com/ottworks/telemetria/internal/observability/logger"
	obsmetrics "github.com/ottworks/telemetria/internal/observability/metrics"
	obstracing "github.com/ottworks/telemetria/internal/observability/tracing"
	"github.com/ottworks/telemetria/internal/scheduler"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	"github.com/ottworks/telemetria/internal/stats"
	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
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
	return NewEngine(obsCfg, httpMetrics)
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

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	telemetrySvc telemetrydomain.Service
	sessionSvc   sessiondomain.Service
	statsEngine  stats.Engine
	scheduler    *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	TelemetrySvc telemetrydomain.Service
	SessionSvc   sessiondomain.Service
	StatsEngine  stats.Engine
	Scheduler    *scheduler.Scheduler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		telemetrySvc: p.TelemetrySvc,
		sessionSvc:   p.SessionSvc,
		statsEngine:  p.StatsEngine,
		scheduler:    p.Scheduler,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Pipeline --------
	v1.POST("/pipeline/run", s.TriggerPipelineRun)
	v1.GET("/pipeline/status", s.GetPipelineStatus)

	// -------- Events --------
	v1.GET("/events", s.ListEvents)

	// -------- Sessions --------
	v1.GET("/sessions", s.ListSessions)

	// -------- Reports --------
	v1.GET("/reports/channels", s.GetChannelReport)
}
