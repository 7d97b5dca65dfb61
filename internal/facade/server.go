// Package facade exposes the read-side HTTP API: indicator queries served
// cache-first with synchronous recompute, history pages, subscription
// management, and the websocket push upgrade.
package facade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
	"github.com/cryptopulse/marketpipe/internal/push"
	"github.com/cryptopulse/marketpipe/internal/rescache"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

const defaultQueryTimeout = 2 * time.Second

var validate = validator.New()

// IndicatorSource answers on-demand window computations.
type IndicatorSource interface {
	SnapshotCompute(ctx context.Context, instrument string, kind models.IndicatorKind, period int, pair string) (models.IndicatorResult, error)
}

// ResultCache is the slice of the result cache the facade reads and
// repopulates.
type ResultCache interface {
	Get(ctx context.Context, key string) (rescache.Entry, error)
	Put(ctx context.Context, key string, result models.IndicatorResult) error
	Len() int
}

// VenueControl exposes connector fleet state and subscription management.
type VenueControl interface {
	SetInstruments(instruments []string)
	Status() []models.VenueStatus
}

// HistoryReader pages persisted indicator results, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, instrument string, kind models.IndicatorKind, period, limit int) ([]models.IndicatorResult, error)
}

// Deps collects the pipeline surfaces the facade serves from. History is
// nil when the store is disabled; QueueDepth is nil in tests.
type Deps struct {
	Indicators IndicatorSource
	Cache      ResultCache
	Venues     VenueControl
	History    HistoryReader
	Hub        *push.Hub
	QueueDepth func() int
}

// Server represents the query API server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	router      *gin.Engine
	rateLimiter gin.HandlerFunc
	http        *http.Server
}

// NewServer wires the gin engine with the standard middleware stack.
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("facade"),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(server.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(server.logger, true))
	router.Use(otelgin.Middleware("marketpipe-api"))

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// Per-IP ceiling; indicator reads are cheap but recomputes are not.
	store := memory.NewStore()
	rate, _ := limiter.NewRateFromFormatted("600-M")
	server.rateLimiter = ginlimiter.NewMiddleware(limiter.New(store, rate))

	server.router = router
	server.registerRoutes()
	return server
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.Use(s.rateLimiter)
	{
		api.GET("/indicators/:instrument/:kind", s.getIndicator)
		api.GET("/history/:instrument", s.getHistory)
		api.POST("/instruments", s.setInstruments)

		api.GET("/ws", func(c *gin.Context) {
			s.deps.Hub.ServeWS(c.Writer, c.Request)
		})
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.logger.Info("facade listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router returns the internal gin engine for testing purposes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) queryTimeout() time.Duration {
	if s.cfg.Server.QueryTimeout > 0 {
		return s.cfg.Server.QueryTimeout
	}
	return defaultQueryTimeout
}
