package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"autotrader-core/internal/monitor"
	"autotrader-core/internal/notify"
	exchange "autotrader-core/pkg/exchanges/common"
)

// Ticker runs one tick.
type Ticker interface {
	RunTick(ctx context.Context) ([]Outcome, error)
}

// HealthProbe reports whether trading may continue.
type HealthProbe interface {
	Check(ctx context.Context) monitor.HealthReport
}

// RunnerConfig tunes the main loop.
type RunnerConfig struct {
	Interval         time.Duration // target spacing between tick starts
	MinSleep         time.Duration
	TickTimeout      time.Duration
	HealthEvery      int // run the health probe every N ticks
	UnhealthyPause   time.Duration
	UnhealthyAlertAt int // consecutive failed probes before a critical alert
}

// DefaultRunnerConfig returns a 5s loop with a health probe every 12 ticks.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Interval:         5 * time.Second,
		MinSleep:         time.Second,
		TickTimeout:      5 * time.Minute,
		HealthEvery:      12,
		UnhealthyPause:   10 * time.Second,
		UnhealthyAlertAt: 5,
	}
}

// Runner drives ticks until its context is cancelled. A tick that has
// started is allowed to finish; only the waits between ticks are interrupted.
type Runner struct {
	cfg      RunnerConfig
	ticker   Ticker
	health   HealthProbe
	notifier notify.Notifier

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewRunner creates a runner. health may be nil.
func NewRunner(cfg RunnerConfig, ticker Ticker, health HealthProbe, notifier notify.Notifier) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinSleep <= 0 {
		cfg.MinSleep = def.MinSleep
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = def.HealthEvery
	}
	if cfg.UnhealthyPause <= 0 {
		cfg.UnhealthyPause = def.UnhealthyPause
	}
	if cfg.UnhealthyAlertAt <= 0 {
		cfg.UnhealthyAlertAt = def.UnhealthyAlertAt
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Runner{
		cfg:      cfg,
		ticker:   ticker,
		health:   health,
		notifier: notifier,
		sleep:    exchange.SleepContext,
		now:      time.Now,
	}
}

// SetClock replaces the time source and sleeper. Tests only.
func (r *Runner) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	r.now = now
	r.sleep = sleep
}

// Run loops until ctx is done and returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("engine: runner started, interval %s", r.cfg.Interval)
	tickCount := 0
	unhealthy := 0

	for {
		if err := ctx.Err(); err != nil {
			log.Printf("engine: runner stopped after %d ticks", tickCount)
			return err
		}

		if r.health != nil && tickCount%r.cfg.HealthEvery == 0 {
			report := r.health.Check(ctx)
			if !report.Healthy() {
				unhealthy++
				log.Printf("engine: system unhealthy (%d in a row), pausing %s", unhealthy, r.cfg.UnhealthyPause)
				if unhealthy == r.cfg.UnhealthyAlertAt {
					r.notifier.Alert("System Unhealthy", describe(report), notify.LevelCritical)
				}
				_ = r.sleep(ctx, r.cfg.UnhealthyPause)
				continue
			}
			unhealthy = 0
		}

		started := r.now()
		r.tick(ctx)
		tickCount++

		wait := r.cfg.Interval - r.now().Sub(started)
		if wait < r.cfg.MinSleep {
			wait = r.cfg.MinSleep
		}
		_ = r.sleep(ctx, wait)
	}
}

func (r *Runner) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.TickTimeout)
	defer cancel()

	outcomes, err := r.ticker.RunTick(tickCtx)
	if errors.Is(err, ErrTickInFlight) {
		log.Printf("engine: previous tick still running, skipped")
		return
	}
	if err != nil {
		log.Printf("engine: tick failed: %v", err)
		return
	}
	for _, o := range outcomes {
		if o.Failed {
			log.Printf("engine: ERROR %s", o.Message)
			continue
		}
		log.Printf("engine: %s", o.Message)
	}
}

func describe(report monitor.HealthReport) string {
	msg := "overall " + report.Overall
	for _, s := range report.Services {
		if s.Status != monitor.StatusHealthy {
			msg += fmt.Sprintf("; %s %s %s", s.Service, s.Status, s.Message)
		}
	}
	return msg
}
