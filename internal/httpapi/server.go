// Package httpapi serves the read-only status API: health, Prometheus
// metrics, product metadata, tier occupancy and period reports.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	iconfig "github.com/xtxerr/raintier/config"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/query"
	"github.com/xtxerr/raintier/internal/storage/tier"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// ProductReader reads product metadata.
type ProductReader interface {
	ReadMeta(kind products.Kind, code string, dt time.Time) (*products.Meta, error)
}

// TierDescriber reports tier occupancy.
type TierDescriber interface {
	Describe(ctx context.Context, tf types.Timeframe) ([]tier.Status, error)
}

// Reporter summarizes products over a period.
type Reporter interface {
	PeriodTotals(ctx context.Context, kind products.Kind, code string, start, end time.Time) ([]query.PeriodTotal, error)
}

// Deps are the collaborators behind the routes. A nil collaborator makes its
// routes answer 503.
type Deps struct {
	Products ProductReader
	Tiers    TierDescriber
	Reports  Reporter
	Gatherer prometheus.Gatherer
	Clock    clockwork.Clock
}

// Server bundles the router and its collaborators.
type Server struct {
	listen string
	deps   Deps
	engine *gin.Engine
	logger *slog.Logger
}

// New constructs a server with routes and middleware.
func New(listen string, deps Deps, logger *slog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		listen: listen,
		deps:   deps,
		engine: engine,
		logger: logging.Component(logger, "http"),
	}
	engine.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("listening", "addr", s.listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), iconfig.DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	s.engine.GET("/products/:kind/:code/:datetime", s.handleProduct)
	s.engine.GET("/tiers/:timeframe", s.handleTiers)
	s.engine.GET("/report/:kind/:code", s.handleReport)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}
