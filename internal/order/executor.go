// Package order submits orders to a venue with idempotent retries.
package order

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"autotrader-core/internal/events"
	"autotrader-core/internal/monitor"
	exchange "autotrader-core/pkg/exchanges/common"
)

// Executor places orders on whichever venue it is handed. It holds no
// per-account state and is shared by every account processor.
type Executor struct {
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics

	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor; zero-valued cfg fields take the defaults.
func NewExecutor(cfg Config, bus *events.Bus, metrics *monitor.SystemMetrics) *Executor {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.HardNotionalCap <= 0 {
		cfg.HardNotionalCap = def.HardNotionalCap
	}
	if cfg.ClosedLookback <= 0 {
		cfg.ClosedLookback = def.ClosedLookback
	}
	return &Executor{
		Bus:     bus,
		Metrics: metrics,
		cfg:     cfg,
		sleep:   exchange.SleepContext,
	}
}

// SetSleep replaces the backoff sleep. Tests only.
func (e *Executor) SetSleep(fn func(ctx context.Context, d time.Duration) error) { e.sleep = fn }

// NewClientOrderID returns a fresh idempotency token for one trade intent.
func NewClientOrderID() string {
	return "at-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Execute submits req to venue, retrying transient failures with the same
// client order id so every attempt resolves to the same venue-side order.
func (e *Executor) Execute(ctx context.Context, venue exchange.Gateway, req Request) (exchange.Order, error) {
	if req.Pair == "" || req.Quantity <= 0 {
		return exchange.Order{}, fmt.Errorf("%w: pair %q quantity %v", ErrInvalidRequest, req.Pair, req.Quantity)
	}
	if req.Type == "" {
		req.Type = exchange.OrderTypeMarket
	}
	if n := req.Notional(); n > e.cfg.HardNotionalCap {
		return exchange.Order{}, fmt.Errorf("%w: %.2f > %.2f", ErrNotionalCap, n, e.cfg.HardNotionalCap)
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}

	if req.Type == exchange.OrderTypeMarket && req.Price <= 0 {
		if tk, err := venue.FetchTicker(ctx, req.Pair); err == nil {
			log.Printf("executor: %s %s %s qty=%.8f ref=%.8f", venue.Name(), req.Side, req.Pair, req.Quantity, tk.Last)
		} else {
			log.Printf("executor: reference price for %s unavailable: %v", req.Pair, err)
		}
	}

	timer := monitor.NewTimer(e.latency())
	defer timer.Stop()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			e.Metrics.IncrementRetries()
		}
		e.emit(events.EventOrderSubmitted, req, attempt, nil, nil)

		o, err := venue.PlaceOrder(ctx, req.venueRequest())
		if err == nil {
			if !o.Status.Accepted() {
				log.Printf("executor: order %s returned status %s", req.ClientOrderID, o.Status)
			}
			e.accepted(req, attempt, o)
			return o, nil
		}
		lastErr = err

		var delay time.Duration
		switch exchange.KindOf(err) {
		case exchange.KindDuplicate:
			if o, ok := e.recoverDuplicate(ctx, venue, req); ok {
				log.Printf("executor: recovered duplicate %s as venue order %s", req.ClientOrderID, o.ID)
				e.accepted(req, attempt, o)
				return o, nil
			}
			log.Printf("executor: duplicate %s reported but not found on %s", req.ClientOrderID, venue.Name())
			delay = e.cfg.BaseDelay * time.Duration(attempt)
		case exchange.KindInsufficientFunds, exchange.KindCredential:
			e.emit(events.EventOrderRejected, req, attempt, nil, err)
			return exchange.Order{}, err
		case exchange.KindRateLimited:
			delay = e.cfg.BaseDelay * time.Duration(attempt*2)
		default:
			delay = e.cfg.BaseDelay * time.Duration(attempt)
		}

		log.Printf("executor: attempt %d/%d for %s failed: %v", attempt, e.cfg.MaxRetries, req.ClientOrderID, err)
		if attempt == e.cfg.MaxRetries {
			break
		}
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("%w (last venue error: %v)", err, lastErr)
			break
		}
	}

	e.emit(events.EventOrderRejected, req, e.cfg.MaxRetries, nil, lastErr)
	return exchange.Order{}, fmt.Errorf("order %s failed after %d attempts: %w", req.ClientOrderID, e.cfg.MaxRetries, lastErr)
}

// recoverDuplicate looks the client id up among open, then recent closed orders.
func (e *Executor) recoverDuplicate(ctx context.Context, venue exchange.Gateway, req Request) (exchange.Order, bool) {
	if open, err := venue.FetchOpenOrders(ctx, req.Pair); err == nil {
		if o, ok := exchange.FindByClientID(open, req.ClientOrderID); ok {
			return o, true
		}
	} else {
		log.Printf("executor: fetch open orders for duplicate check: %v", err)
	}
	closed, err := venue.FetchClosedOrders(ctx, req.Pair, e.cfg.ClosedLookback)
	if err != nil {
		log.Printf("executor: fetch closed orders for duplicate check: %v", err)
		return exchange.Order{}, false
	}
	return exchange.FindByClientID(closed, req.ClientOrderID)
}

func (e *Executor) accepted(req Request, attempt int, o exchange.Order) {
	e.Metrics.IncrementOrders()
	e.emit(events.EventOrderAccepted, req, attempt, &o, nil)
}

func (e *Executor) latency() *monitor.LatencyHistogram {
	if e.Metrics == nil {
		return nil
	}
	return e.Metrics.OrderLatency
}
