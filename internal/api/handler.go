// Package api exposes the read-only operator surface of the engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"autotrader-core/internal/engine"
	"autotrader-core/internal/events"
	"autotrader-core/internal/monitor"
	"autotrader-core/pkg/db"
	exchange "autotrader-core/pkg/exchanges/common"
)

// TickSource reports the latest tick.
type TickSource interface {
	LastTick() engine.TickResult
}

// RiskSource reports today's risk stats for an account.
type RiskSource interface {
	Stats(ctx context.Context, accountID string) (db.DailyRiskStats, error)
}

// LimiterSource reports rate limiter state per venue.
type LimiterSource interface {
	Snapshot() map[string]exchange.VenueLimitState
}

// HealthSource returns the latest cached health report.
type HealthSource interface {
	Last() monitor.HealthReport
}

// Store is the read side of persistence used by the API.
type Store interface {
	ListTrades(ctx context.Context, accountID string, limit int) ([]db.TradeRecord, error)
	RecentSystemEvents(ctx context.Context, limit int) ([]db.SystemEvent, error)
}

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router  *gin.Engine
	Bus     *events.Bus
	Ticks   TickSource
	Risk    RiskSource
	Limiter LimiterSource
	Health  HealthSource
	Store   Store
	Metrics *monitor.SystemMetrics
	Meta    SystemMeta
}

// SystemMeta describes runtime settings exposed to operators.
type SystemMeta struct {
	Version      string        `json:"version"`
	TickInterval time.Duration `json:"tick_interval_ns"`
	Testnet      bool          `json:"testnet"`
	Strategy     string        `json:"strategy_backend"`
}

// Deps groups the sources a Server reads from. Any may be nil.
type Deps struct {
	Bus     *events.Bus
	Ticks   TickSource
	Risk    RiskSource
	Limiter LimiterSource
	Health  HealthSource
	Store   Store
	Metrics *monitor.SystemMetrics
}

// NewServer builds the router. requestsPerSecond caps each client IP.
func NewServer(deps Deps, meta SystemMeta, requestsPerSecond float64) *Server {
	r := gin.New()

	// Middleware order matters: request id must exist before logging.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(NewIPLimiter(requestsPerSecond, 50)))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		Bus:     deps.Bus,
		Ticks:   deps.Ticks,
		Risk:    deps.Risk,
		Limiter: deps.Limiter,
		Health:  deps.Health,
		Store:   deps.Store,
		Metrics: deps.Metrics,
		Meta:    meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/ratelimits", s.getRateLimits)
		api.GET("/events", s.getEvents)
		api.GET("/accounts/:id/risk", s.getAccountRisk)
		api.GET("/accounts/:id/trades", s.getAccountTrades)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report := s.Health.Last()
	if report.Overall == "" {
		c.JSON(http.StatusOK, gin.H{"status": "starting"})
		return
	}
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{"meta": s.Meta}
	if s.Ticks != nil {
		resp["last_tick"] = s.Ticks.LastTick()
	}
	if s.Metrics != nil {
		snap := s.Metrics.GetSnapshot()
		resp["ticks_processed"] = snap.TicksProcessed
		resp["ticks_skipped"] = snap.TicksSkipped
		resp["uptime"] = snap.Uptime
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not available"})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getRateLimits(c *gin.Context) {
	if s.Limiter == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Limiter.Snapshot())
}

func (s *Server) getEvents(c *gin.Context) {
	if s.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store not available"})
		return
	}
	events, err := s.Store.RecentSystemEvents(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) getAccountRisk(c *gin.Context) {
	if s.Risk == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "risk gate not available"})
		return
	}
	stats, err := s.Risk.Stats(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no risk stats for today"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getAccountTrades(c *gin.Context) {
	if s.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store not available"})
		return
	}
	trades, err := s.Store.ListTrades(c.Request.Context(), c.Param("id"), queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func queryLimit(c *gin.Context, def int) int {
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		return v
	}
	return def
}

// HTTPServer wraps the router for graceful shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
