package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"autotrader-core/internal/events"
	"autotrader-core/internal/monitor"
	"autotrader-core/internal/notify"
	"autotrader-core/internal/order"
	"autotrader-core/internal/risk"
	"autotrader-core/internal/strategy"
	"autotrader-core/pkg/db"
	exchange "autotrader-core/pkg/exchanges/common"
)

// Processor runs the per-account state machine:
// CHECK_CREDENTIALS -> RECONCILE_PENDING -> (MANAGE_OPEN | RISK_GATE -> SIGNAL -> OPEN_NEW) -> DONE.
// Every failure ends in an Outcome; nothing escapes to the orchestrator.
type Processor struct {
	cfg      ProcessorConfig
	store    Store
	venues   VenueOpener
	gate     RiskGate
	executor OrderExecutor
	strategy strategy.Service
	profiles risk.Profiles
	notifier notify.Notifier
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	now      func() time.Time
}

// ProcessorDeps groups the collaborators of a Processor.
type ProcessorDeps struct {
	Store    Store
	Venues   VenueOpener
	Gate     RiskGate
	Executor OrderExecutor
	Strategy strategy.Service
	Profiles risk.Profiles
	Notifier notify.Notifier
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
}

// NewProcessor creates a processor; zero-valued cfg fields take the defaults.
func NewProcessor(cfg ProcessorConfig, deps ProcessorDeps) *Processor {
	def := DefaultProcessorConfig()
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = def.QuoteCurrency
	}
	if cfg.DefaultInvestRatio <= 0 {
		cfg.DefaultInvestRatio = def.DefaultInvestRatio
	}
	if cfg.SignalThreshold <= 0 {
		cfg.SignalThreshold = def.SignalThreshold
	}
	if cfg.MinNotional <= 0 {
		cfg.MinNotional = def.MinNotional
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = def.CandleLimit
	}
	if cfg.ClosedLookback <= 0 {
		cfg.ClosedLookback = def.ClosedLookback
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.DefaultTimeframe == "" {
		cfg.DefaultTimeframe = def.DefaultTimeframe
	}
	if deps.Profiles == nil {
		deps.Profiles = risk.DefaultProfiles()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Processor{
		cfg:      cfg,
		store:    deps.Store,
		venues:   deps.Venues,
		gate:     deps.Gate,
		executor: deps.Executor,
		strategy: deps.Strategy,
		profiles: deps.Profiles,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// run carries one account through a single tick.
type run struct {
	p       *Processor
	ctx     context.Context
	account db.AccountSettings
	venue   exchange.Gateway
}

func (r *run) done(stage Stage, format string, args ...any) Outcome {
	return Outcome{
		AccountID: r.account.AccountID,
		Stage:     stage,
		Message:   fmt.Sprintf("User %s: %s", r.account.AccountID, fmt.Sprintf(format, args...)),
	}
}

func (r *run) fail(stage Stage, format string, args ...any) Outcome {
	o := r.done(stage, format, args...)
	o.Failed = true
	r.p.metrics.IncrementErrors()
	log.Printf("engine: %s", o.Message)
	return o
}

// Process runs the state machine for one account.
func (p *Processor) Process(ctx context.Context, account db.AccountSettings) Outcome {
	timer := monitor.NewTimer(p.accountLatency())
	defer timer.Stop()

	r := &run{p: p, ctx: ctx, account: account}

	// CHECK_CREDENTIALS
	venue, err := p.venues.Open(ctx, account)
	if err != nil {
		if exchange.IsKind(err, exchange.KindCredential) {
			return r.fail(StageCredentials, "Invalid Credentials")
		}
		return r.fail(StageCredentials, "Exchange init failed: %v", err)
	}
	defer venue.Close()
	r.venue = venue

	if err := venue.CheckCredentials(ctx); err != nil {
		if exchange.IsKind(err, exchange.KindCredential) {
			return r.fail(StageCredentials, "Invalid Credentials")
		}
		return r.fail(StageCredentials, "Credential Check Error: %v", err)
	}

	// RECONCILE_PENDING
	trade, hasTrade, outcome, ok := r.reconcile()
	if !ok {
		return outcome
	}

	tk, err := venue.FetchTicker(ctx, account.Pair)
	if err != nil || tk.Last <= 0 {
		return r.fail(StagePrice, "Could not fetch price")
	}
	price := tk.Last

	if hasTrade {
		return r.manage(trade, price)
	}
	return r.openNew(price)
}

// reconcile loads the live record for the account's pair and resolves a
// PENDING one against the venue. ok is false when processing must stop.
func (r *run) reconcile() (trade db.TradeRecord, has bool, out Outcome, ok bool) {
	trade, err := r.p.store.GetOpenOrPendingTrade(r.ctx, r.account.AccountID, r.account.Pair)
	if errors.Is(err, db.ErrNotFound) {
		return db.TradeRecord{}, false, Outcome{}, true
	}
	if err != nil {
		return trade, false, r.fail(StageReconcile, "DB Error: %v", err), false
	}
	if trade.Status != db.TradePending {
		return trade, true, Outcome{}, true
	}

	log.Printf("engine: %s has PENDING trade %s, reconciling", r.account.AccountID, trade.ClientOrderID)
	found, err := r.findOrder(trade)
	if err != nil {
		return trade, false, r.fail(StageReconcile, "Reconciliation Error %v", err), false
	}

	if found != nil && !found.Status.Accepted() {
		log.Printf("engine: pending trade %s ended %s on the venue, marking failed", trade.ClientOrderID, found.Status)
		if err := r.p.store.UpdateTradeStatus(r.ctx, trade.ID, db.TradeFailed, nil); err != nil {
			return trade, false, r.fail(StageReconcile, "Reconciliation Error %v", err), false
		}
		return db.TradeRecord{}, false, Outcome{}, true
	}
	if found != nil {
		if err := r.p.store.MarkTradeOpen(r.ctx, trade.ID, found.ID); err != nil {
			return trade, false, r.fail(StageReconcile, "Reconciliation Error %v", err), false
		}
		log.Printf("engine: reconciled %s as %s", trade.ClientOrderID, found.Status)
		trade.Status = db.TradeOpen
		trade.VenueOrderID = found.ID
		return trade, true, Outcome{}, true
	}

	age := r.p.now().Sub(trade.CreatedAt)
	if age > r.p.cfg.PendingTimeout {
		log.Printf("engine: pending trade %s not found after %s, marking failed", trade.ClientOrderID, age.Truncate(time.Second))
		if err := r.p.store.UpdateTradeStatus(r.ctx, trade.ID, db.TradeFailed, nil); err != nil {
			return trade, false, r.fail(StageReconcile, "Reconciliation Error %v", err), false
		}
		return db.TradeRecord{}, false, Outcome{}, true
	}
	return trade, false, r.done(StageReconcile, "Trade Pending Confirmation (%ds)...", int(age.Seconds())), false
}

func (r *run) findOrder(trade db.TradeRecord) (*exchange.Order, error) {
	open, err := r.venue.FetchOpenOrders(r.ctx, trade.Pair)
	if err != nil {
		return nil, err
	}
	if o, ok := exchange.FindByClientID(open, trade.ClientOrderID); ok {
		return &o, nil
	}
	closed, err := r.venue.FetchClosedOrders(r.ctx, trade.Pair, r.p.cfg.ClosedLookback)
	if err != nil {
		return nil, err
	}
	if o, ok := exchange.FindByClientID(closed, trade.ClientOrderID); ok {
		return &o, nil
	}
	return nil, nil
}

// manage closes an OPEN position whose stop-loss or take-profit is breached.
func (r *run) manage(trade db.TradeRecord, price float64) Outcome {
	reason := risk.CheckExit(trade, price)
	if reason == risk.ExitNone {
		return r.done(StageManage, "Holding Position")
	}

	side := exchange.SideSell
	if trade.IsShort() {
		side = exchange.SideBuy
	}
	o, err := r.p.executor.Execute(r.ctx, r.venue, order.Request{
		AccountID: r.account.AccountID,
		Pair:      trade.Pair,
		Type:      exchange.OrderTypeMarket,
		Side:      side,
		Quantity:  trade.Quantity,
		Price:     price,
	})
	if err != nil {
		r.p.notifier.Alert("Close Trade Failed",
			fmt.Sprintf("User %s failed to close %s: %v", r.account.AccountID, trade.Pair, err), notify.LevelCritical)
		return r.fail(StageManage, "Failed to close trade: %v", err)
	}

	exit := price
	if o.Price > 0 {
		exit = o.Price
	}
	pnl := risk.RealizedPnL(trade, exit)
	closedAt := r.p.now()
	if err := r.p.store.CloseTrade(r.ctx, trade.ID, exit, pnl, closedAt); err != nil {
		r.p.notifier.Alert("Close Trade Failed",
			fmt.Sprintf("User %s closed %s on the venue (order %s) but the record was not updated: %v",
				r.account.AccountID, trade.Pair, o.ID, err), notify.LevelCritical)
		return r.fail(StageManage, "Failed to record close: %v", err)
	}
	if err := r.p.gate.UpdateAfterTradeClose(r.ctx, r.account.AccountID, pnl, exit*trade.Quantity); err != nil {
		log.Printf("engine: risk update for %s failed: %v", r.account.AccountID, err)
	}

	msg := fmt.Sprintf("Trade Closed for %s: %s. PnL: %.2f", r.account.AccountID, reason, pnl)
	log.Printf("engine: %s", msg)
	r.p.notifier.Alert("Trade Closed", msg, notify.LevelInfo)
	r.p.bus.Publish(events.EventTradeClosed, events.TradeEvent{
		AccountID: r.account.AccountID,
		TradeID:   trade.ID,
		Pair:      trade.Pair,
		Side:      trade.Side,
		Price:     exit,
		Quantity:  trade.Quantity,
		PnL:       &pnl,
		Reason:    string(reason),
		Time:      closedAt,
	})
	return r.done(StageManage, "Closed Trade: %s at %s. PnL: %.2f", reason, formatPrice(exit), pnl)
}

// openNew runs RISK_GATE -> SIGNAL -> OPEN_NEW.
func (r *run) openNew(price float64) Outcome {
	p := r.p
	bal, err := r.venue.FetchBalance(r.ctx)
	if err != nil {
		return r.fail(StageRisk, "Balance Error: %v", err)
	}
	equity := bal.TotalOf(p.cfg.QuoteCurrency)

	notional := r.account.InvestmentAmount
	if notional <= 0 {
		notional = equity * p.cfg.DefaultInvestRatio
	}

	decision, err := p.gate.CheckTradeAllowed(r.ctx, r.account.AccountID, r.account.Pair, notional, equity)
	if err != nil {
		log.Printf("engine: risk check for %s: %v", r.account.AccountID, err)
	}
	if err != nil || !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = risk.ReasonError
		}
		p.metrics.IncrementRejections()
		p.bus.Publish(events.EventRiskRejected, r.done(StageRisk, "%s", reason))
		return r.done(StageRisk, "Risk Check Failed - %s", reason)
	}

	timeframe := r.account.Timeframe
	if timeframe == "" {
		timeframe = p.cfg.DefaultTimeframe
	}
	candles, err := r.venue.FetchCandles(r.ctx, r.account.Pair, timeframe, p.cfg.CandleLimit)
	if err != nil {
		return r.fail(StageSignal, "OHLCV Error %v", err)
	}

	timer := monitor.NewTimer(p.strategyLatency())
	analysis, err := p.strategy.Analyze(r.ctx, r.account.Strategy, candles)
	timer.Stop()
	if err != nil {
		return r.fail(StageSignal, "Strategy Error %v", err)
	}

	if analysis.Signal != strategy.SignalBuy || analysis.Confidence <= p.cfg.SignalThreshold {
		return r.done(StageSignal, "Processed (Signal: %s - %.2f)", analysis.Signal, analysis.Confidence)
	}
	p.metrics.IncrementSignals()
	return r.buy(price, notional, analysis)
}

func (r *run) buy(price, notional float64, analysis strategy.Analysis) Outcome {
	p := r.p
	quantity := notional / price
	if quantity*price < p.cfg.MinNotional {
		return r.done(StageOpen, "Insufficient funds/size for trade")
	}

	stopLoss, takeProfit := p.profiles.For(r.account.RiskLevel).Levels(price, db.SideBuy)
	token := order.NewClientOrderID()

	// The record exists before the venue sees the order so a crash mid-submit
	// is picked up by reconciliation on the next tick.
	id, err := p.store.InsertPendingTrade(r.ctx, db.TradeRecord{
		AccountID:     r.account.AccountID,
		Pair:          r.account.Pair,
		Side:          db.SideBuy,
		EntryPrice:    price,
		Quantity:      quantity,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		Strategy:      r.account.Strategy,
		ClientOrderID: token,
		CreatedAt:     p.now(),
	})
	if errors.Is(err, db.ErrTradeConflict) {
		return r.done(StageOpen, "Position already pending or open")
	}
	if err != nil {
		return r.fail(StageOpen, "Buy Failed - %v", err)
	}

	o, err := p.executor.Execute(r.ctx, r.venue, order.Request{
		AccountID:     r.account.AccountID,
		Pair:          r.account.Pair,
		Type:          exchange.OrderTypeMarket,
		Side:          exchange.SideBuy,
		Quantity:      quantity,
		Price:         price,
		ClientOrderID: token,
	})
	if err == nil && !o.Status.Accepted() {
		err = fmt.Errorf("order %s returned status %s", token, o.Status)
		r.markFailed(id)
	} else if err != nil && rejectedOutright(err) {
		r.markFailed(id)
	}
	if err != nil {
		p.notifier.Alert("Trade Failed",
			fmt.Sprintf("User %s failed to buy %s: %v", r.account.AccountID, r.account.Pair, err), notify.LevelWarning)
		return r.fail(StageOpen, "Buy Failed - %v", err)
	}

	if err := p.store.MarkTradeOpen(r.ctx, id, o.ID); err != nil {
		log.Printf("engine: mark trade %d open: %v (left for reconciliation)", id, err)
	}

	msg := fmt.Sprintf("BUY Executed for %s on %s @ %s", r.account.AccountID, r.account.Pair, formatPrice(price))
	log.Printf("engine: %s (%s)", msg, analysis.Reason)
	p.notifier.Alert("Trade Executed", msg, notify.LevelInfo)
	p.bus.Publish(events.EventTradeOpened, events.TradeEvent{
		AccountID: r.account.AccountID,
		TradeID:   id,
		Pair:      r.account.Pair,
		Side:      db.SideBuy,
		Price:     price,
		Quantity:  quantity,
		Reason:    analysis.Reason,
		Time:      p.now(),
	})
	return r.done(StageDone, "BUY Executed at %s", formatPrice(price))
}

// markFailed moves a PENDING record to FAILED when the venue certainly never
// took the order, so the next tick can trade again.
func (r *run) markFailed(id int64) {
	if err := r.p.store.UpdateTradeStatus(r.ctx, id, db.TradeFailed, nil); err != nil {
		log.Printf("engine: mark trade %d failed: %v", id, err)
	}
}

// rejectedOutright reports errors that guarantee no venue-side order exists.
func rejectedOutright(err error) bool {
	if errors.Is(err, order.ErrNotionalCap) || errors.Is(err, order.ErrInvalidRequest) {
		return true
	}
	switch exchange.KindOf(err) {
	case exchange.KindInsufficientFunds, exchange.KindCredential:
		return true
	}
	return false
}

func (p *Processor) accountLatency() *monitor.LatencyHistogram {
	if p.metrics == nil {
		return nil
	}
	return p.metrics.AccountLatency
}

func (p *Processor) strategyLatency() *monitor.LatencyHistogram {
	if p.metrics == nil {
		return nil
	}
	return p.metrics.StrategyLatency
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
