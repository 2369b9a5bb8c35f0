package engine

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"autotrader-core/internal/events"
	"autotrader-core/internal/monitor"
	"autotrader-core/pkg/db"
)

// AccountProcessor handles one account for one tick.
type AccountProcessor interface {
	Process(ctx context.Context, account db.AccountSettings) Outcome
}

// AccountLister loads the accounts a tick covers.
type AccountLister interface {
	ListEnabledAccounts(ctx context.Context) ([]db.AccountSettings, error)
}

// TickResult is the record of one completed tick.
type TickResult struct {
	Seq      int64         `json:"seq"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Outcomes []Outcome     `json:"outcomes"`
}

// Orchestrator fans a tick out over every enabled account. At most one tick
// runs at a time and one account's failure never affects another's.
type Orchestrator struct {
	accounts       AccountLister
	processor      AccountProcessor
	maxConcurrency int
	bus            *events.Bus
	metrics        *monitor.SystemMetrics

	running sync.Mutex
	seq     atomic.Int64

	mu   sync.RWMutex
	last TickResult
}

// NewOrchestrator creates an orchestrator. maxConcurrency <= 0 processes
// every account at once.
func NewOrchestrator(accounts AccountLister, processor AccountProcessor, maxConcurrency int, bus *events.Bus, metrics *monitor.SystemMetrics) *Orchestrator {
	return &Orchestrator{
		accounts:       accounts,
		processor:      processor,
		maxConcurrency: maxConcurrency,
		bus:            bus,
		metrics:        metrics,
	}
}

// RunTick processes every enabled account and returns their outcomes in
// account order. It returns ErrTickInFlight when a tick is already running.
func (o *Orchestrator) RunTick(ctx context.Context) ([]Outcome, error) {
	if !o.running.TryLock() {
		o.metrics.IncrementSkipped()
		return nil, ErrTickInFlight
	}
	defer o.running.Unlock()

	started := time.Now()
	outcomes := o.fanOut(ctx)
	elapsed := time.Since(started)

	o.metrics.IncrementTicks()
	if o.metrics != nil {
		o.metrics.TickLatency.RecordDuration(elapsed)
	}

	result := TickResult{
		Seq:      o.seq.Add(1),
		Started:  started,
		Duration: elapsed,
		Outcomes: outcomes,
	}
	o.mu.Lock()
	o.last = result
	o.mu.Unlock()

	o.bus.Publish(events.EventTickCompleted, events.TickEvent{
		Seq:      result.Seq,
		Started:  started,
		Duration: elapsed,
		Outcomes: Messages(outcomes),
	})
	return outcomes, nil
}

func (o *Orchestrator) fanOut(ctx context.Context) []Outcome {
	accounts, err := o.accounts.ListEnabledAccounts(ctx)
	if err != nil {
		log.Printf("engine: list accounts: %v", err)
		o.metrics.IncrementErrors()
		return []Outcome{{Stage: StageDone, Message: fmt.Sprintf("DB Error: %v", err), Failed: true}}
	}

	outcomes := make([]Outcome, len(accounts))
	var g errgroup.Group
	if o.maxConcurrency > 0 {
		g.SetLimit(o.maxConcurrency)
	}
	for i, account := range accounts {
		i := i
		account := account
		g.Go(func() error {
			outcomes[i] = o.processSafely(ctx, account)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) processSafely(ctx context.Context, account db.AccountSettings) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: panic processing %s: %v\n%s", account.AccountID, r, debug.Stack())
			o.metrics.IncrementErrors()
			out = Outcome{
				AccountID: account.AccountID,
				Stage:     StageDone,
				Message:   fmt.Sprintf("User %s: Error %v", account.AccountID, r),
				Failed:    true,
			}
		}
	}()
	return o.processor.Process(ctx, account)
}

// LastTick returns the most recently completed tick.
func (o *Orchestrator) LastTick() TickResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}
