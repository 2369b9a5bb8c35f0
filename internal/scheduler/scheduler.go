// Package scheduler runs the daily housekeeping jobs around the tick loop.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"autotrader-core/internal/notify"
	"autotrader-core/internal/risk"
	"autotrader-core/pkg/db"
)

// DailySpec fires five seconds after UTC midnight, once the new risk day exists.
const DailySpec = "5 0 0 * * *"

// Store is the persistence the daily jobs need.
type Store interface {
	ListDailyStats(ctx context.Context, date string) ([]db.DailyRiskStats, error)
	PruneSystemEvents(ctx context.Context, before time.Time) (int64, error)
}

// LockJanitor forgets idle per-account risk locks.
type LockJanitor interface {
	CleanupLocks(ttl time.Duration) int
}

// Scheduler owns the cron runner.
type Scheduler struct {
	Cron      *cron.Cron
	Store     Store
	Locks     LockJanitor
	Notifier  notify.Notifier
	Retention time.Duration // system events older than this are pruned
	LockTTL   time.Duration

	ctx context.Context
	now func() time.Time
}

// New creates a scheduler evaluating specs in UTC with seconds precision.
func New(ctx context.Context, store Store, locks LockJanitor, notifier notify.Notifier, retention time.Duration) *Scheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Scheduler{
		Cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		Store:     store,
		Locks:     locks,
		Notifier:  notifier,
		Retention: retention,
		LockTTL:   24 * time.Hour,
		ctx:       ctx,
		now:       time.Now,
	}
}

// RegisterAll registers the daily job.
func (s *Scheduler) RegisterAll() error {
	if _, err := s.Cron.AddFunc(DailySpec, s.RunDaily); err != nil {
		return fmt.Errorf("register daily task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("scheduler: started")
}

// Stop stops the scheduler and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("scheduler: stopped")
}

// RunDaily summarizes yesterday, prunes old events and drops idle locks.
func (s *Scheduler) RunDaily() {
	yesterday := risk.DayKey(s.now().UTC().AddDate(0, 0, -1))
	log.Printf("scheduler: running daily task for %s", yesterday)

	stats, err := s.Store.ListDailyStats(s.ctx, yesterday)
	if err != nil {
		log.Printf("scheduler: load daily stats: %v", err)
	} else if len(stats) > 0 {
		level := notify.LevelInfo
		for _, st := range stats {
			if st.IsLocked {
				level = notify.LevelWarning
				break
			}
		}
		s.Notifier.Alert("Daily Summary "+yesterday, FormatSummary(stats), level)
	}

	if n, err := s.Store.PruneSystemEvents(s.ctx, s.now().Add(-s.Retention)); err != nil {
		log.Printf("scheduler: prune system events: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: pruned %d system events", n)
	}

	if s.Locks != nil {
		if n := s.Locks.CleanupLocks(s.LockTTL); n > 0 {
			log.Printf("scheduler: dropped %d idle risk locks", n)
		}
	}
}

// FormatSummary renders one line per account.
func FormatSummary(stats []db.DailyRiskStats) string {
	var b strings.Builder
	var total float64
	for _, st := range stats {
		pct := 0.0
		if st.StartingBalance > 0 {
			pct = st.DailyPnL / st.StartingBalance * 100
		}
		fmt.Fprintf(&b, "%s: PnL %.2f (%+.2f%%), trades %d, losses %d", st.AccountID, st.DailyPnL, pct, st.TradeCount, st.LossCount)
		if st.IsLocked {
			b.WriteString(", LOCKED")
		}
		b.WriteString("\n")
		total += st.DailyPnL
	}
	fmt.Fprintf(&b, "Total PnL %.2f across %d accounts", total, len(stats))
	return b.String()
}
