package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	exchange "autotrader-core/pkg/exchanges/common"
)

// Health states.
const (
	StatusHealthy   = "HEALTHY"
	StatusDegraded  = "DEGRADED"
	StatusUnhealthy = "UNHEALTHY"
)

// HealthStatus is one probed dependency.
type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	LatencyMs float64   `json:"latency_ms"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthReport aggregates every probe. Overall is unhealthy if any probe is.
type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

// Healthy reports whether trading may continue.
func (r HealthReport) Healthy() bool {
	return r.Overall != StatusUnhealthy
}

// Pinger is satisfied by *db.Database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker probes the database and the market data venue.
type HealthChecker struct {
	DB           Pinger
	Venue        exchange.PriceSource
	ProbePair    string
	SlowVenue    time.Duration // latency above this degrades the venue probe
	ProbeTimeout time.Duration

	mu   sync.RWMutex
	last HealthReport
}

// NewHealthChecker creates a checker with a 1s slow-venue threshold.
func NewHealthChecker(db Pinger, venue exchange.PriceSource, probePair string) *HealthChecker {
	if probePair == "" {
		probePair = "BTC/USDT"
	}
	return &HealthChecker{
		DB:           db,
		Venue:        venue,
		ProbePair:    probePair,
		SlowVenue:    time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Check runs every probe and caches the report.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.ProbeTimeout)
	defer cancel()

	report := HealthReport{Overall: StatusHealthy}
	if h.DB != nil {
		report.Services = append(report.Services, h.probe(ctx, "database", func(ctx context.Context) error {
			return h.DB.Ping(ctx)
		}))
	}
	if h.Venue != nil {
		st := h.probe(ctx, "venue", func(ctx context.Context) error {
			_, err := h.Venue.FetchTicker(ctx, h.ProbePair)
			return err
		})
		if st.Status == StatusHealthy && st.LatencyMs > float64(h.SlowVenue.Milliseconds()) {
			st.Status = StatusDegraded
			st.Message = fmt.Sprintf("high latency %.0fms", st.LatencyMs)
			log.Printf("monitor: venue latency %.0fms above %s", st.LatencyMs, h.SlowVenue)
		}
		report.Services = append(report.Services, st)
	}

	for _, s := range report.Services {
		switch s.Status {
		case StatusUnhealthy:
			report.Overall = StatusUnhealthy
		case StatusDegraded:
			if report.Overall == StatusHealthy {
				report.Overall = StatusDegraded
			}
		}
	}

	h.mu.Lock()
	h.last = report
	h.mu.Unlock()
	return report
}

// Last returns the most recent report without probing.
func (h *HealthChecker) Last() HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

func (h *HealthChecker) probe(ctx context.Context, name string, fn func(context.Context) error) HealthStatus {
	start := time.Now()
	err := fn(ctx)
	st := HealthStatus{
		Service:   name,
		Status:    StatusHealthy,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		Timestamp: time.Now(),
	}
	if err != nil {
		st.Status = StatusUnhealthy
		st.Message = err.Error()
		log.Printf("monitor: %s probe failed: %v", name, err)
	}
	return st
}
