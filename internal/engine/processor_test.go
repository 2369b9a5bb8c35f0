package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader-core/internal/events"
	"autotrader-core/internal/gateway"
	"autotrader-core/internal/monitor"
	"autotrader-core/internal/order"
	"autotrader-core/internal/risk"
	"autotrader-core/internal/strategy"
	"autotrader-core/pkg/db"
	exchange "autotrader-core/pkg/exchanges/common"
	"autotrader-core/pkg/exchanges/ledger"
)

// prices is a settable market data source.
type prices struct {
	mu   sync.Mutex
	last float64
}

func (p *prices) set(v float64) {
	p.mu.Lock()
	p.last = v
	p.mu.Unlock()
}

func (p *prices) FetchTicker(ctx context.Context, pair string) (exchange.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return exchange.Ticker{Pair: pair, Last: p.last, Time: time.Now()}, nil
}

func (p *prices) FetchCandles(ctx context.Context, pair, tf string, limit int) ([]exchange.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]exchange.Candle, limit)
	for i := range out {
		out[i] = exchange.Candle{Open: p.last, High: p.last, Low: p.last, Close: p.last, Volume: 1}
	}
	return out, nil
}

// fixedSignal always returns the same analysis.
type fixedSignal struct {
	analysis strategy.Analysis
	err      error
}

func (f fixedSignal) Analyze(context.Context, string, []exchange.Candle) (strategy.Analysis, error) {
	return f.analysis, f.err
}

// failingOpener rejects every account.
type failingOpener struct{ err error }

func (f failingOpener) Open(context.Context, db.AccountSettings) (exchange.Gateway, error) {
	return nil, f.err
}

type harness struct {
	db        *db.Database
	store     *db.Queries
	prices    *prices
	factory   *gateway.Factory
	gate      *risk.Gate
	bus       *events.Bus
	metrics   *monitor.SystemMetrics
	processor *Processor
	now       time.Time
}

var buySignal = strategy.Analysis{Signal: strategy.SignalBuy, Confidence: 0.9, Reason: "test"}

func newHarness(t *testing.T, signal strategy.Service) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	h := &harness{
		db:      database,
		store:   database.Queries(),
		prices:  &prices{last: 100},
		bus:     events.NewBus(),
		metrics: monitor.NewSystemMetrics(),
		now:     time.Now().UTC().Truncate(time.Millisecond),
	}
	h.factory = gateway.NewFactory(gateway.Config{DemoStartBalance: 10000}, database, h.store, nil, nil, h.prices)
	h.gate = risk.NewGate(h.store, risk.DefaultConfig())

	executor := order.NewExecutor(order.DefaultConfig(), h.bus, h.metrics)
	executor.SetSleep(func(context.Context, time.Duration) error { return nil })

	h.processor = NewProcessor(DefaultProcessorConfig(), ProcessorDeps{
		Store:    h.store,
		Venues:   h.factory,
		Gate:     h.gate,
		Executor: executor,
		Strategy: signal,
		Bus:      h.bus,
		Metrics:  h.metrics,
	})
	h.processor.SetClock(func() time.Time { return h.now })
	return h
}

func demoAccount(id string, invest float64) db.AccountSettings {
	return db.AccountSettings{
		AccountID:        id,
		Enabled:          true,
		Pair:             "BTC/USDT",
		Timeframe:        "1h",
		RiskLevel:        "moderate",
		Strategy:         "combined_ai",
		InvestmentAmount: invest,
		Mode:             db.ModeDemo,
		ExchangeID:       "binance",
	}
}

func TestProcessOpensThenTakesProfit(t *testing.T) {
	h := newHarness(t, fixedSignal{analysis: buySignal})
	ctx := context.Background()
	account := demoAccount("u1", 100)

	opened, _ := h.bus.Subscribe(events.EventTradeOpened, 1)
	closed, _ := h.bus.Subscribe(events.EventTradeClosed, 1)

	out := h.processor.Process(ctx, account)
	assert.Equal(t, "User u1: BUY Executed at 100", out.Message)
	assert.Equal(t, StageDone, out.Stage)
	assert.False(t, out.Failed)
	<-opened

	trade, err := h.store.GetOpenOrPendingTrade(ctx, "u1", "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, db.TradeOpen, trade.Status)
	assert.InDelta(t, 1.0, trade.Quantity, 1e-9)
	assert.InDelta(t, 98.0, trade.StopLoss, 1e-9)
	assert.InDelta(t, 105.0, trade.TakeProfit, 1e-9)
	assert.NotEmpty(t, trade.VenueOrderID)

	h.prices.set(101)
	out = h.processor.Process(ctx, account)
	assert.Equal(t, "User u1: Holding Position", out.Message)

	h.prices.set(106)
	out = h.processor.Process(ctx, account)
	assert.Equal(t, "User u1: Closed Trade: Take Profit Hit at 106. PnL: 6.00", out.Message)
	<-closed

	final, err := h.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TradeClosed, final.Status)
	require.NotNil(t, final.PnL)
	assert.InDelta(t, 6.0, *final.PnL, 1e-9)

	stats, err := h.gate.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, stats.DailyPnL, 1e-9)
	assert.Equal(t, 1, stats.TradeCount)

	venue := ledger.New(h.db, "u1", db.ModeDemo, h.prices)
	bal, err := venue.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10006, bal.TotalOf("USDT"), 1e-6)
	assert.InDelta(t, 0, bal.TotalOf("BTC"), 1e-9)
}

func TestProcessStopLoss(t *testing.T) {
	h := newHarness(t, fixedSignal{analysis: buySignal})
	ctx := context.Background()
	account := demoAccount("u1", 100)

	require.Contains(t, h.processor.Process(ctx, account).Message, "BUY Executed")
	h.prices.set(97)
	out := h.processor.Process(ctx, account)
	assert.Equal(t, "User u1: Closed Trade: Stop Loss Hit at 97. PnL: -3.00", out.Message)
}

func TestProcessIsIdempotentAcrossTicks(t *testing.T) {
	h := newHarness(t, fixedSignal{analysis: buySignal})
	ctx := context.Background()
	account := demoAccount("u1", 100)

	for i := 0; i < 3; i++ {
		h.processor.Process(ctx, account)
	}
	trades, err := h.store.ListTrades(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1, "a held position must not be doubled")
}

func TestProcessReconcilesPending(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		onVenue    bool
		wantPrefix string
		wantStatus db.TradeStatus
	}{
		{"young and unknown waits", 59 * time.Second, false, "User u1: Trade Pending Confirmation (59s)...", db.TradePending},
		{"stale and unknown fails", 61 * time.Second, false, "User u1: BUY Executed at 100", db.TradeFailed},
		{"found on venue opens", 5 * time.Second, true, "User u1: Holding Position", db.TradeOpen},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fixedSignal{analysis: buySignal})
			ctx := context.Background()
			account := demoAccount("u1", 100)
			token := order.NewClientOrderID()

			if tt.onVenue {
				venue, err := h.factory.Open(ctx, account)
				require.NoError(t, err)
				_, err = venue.PlaceOrder(ctx, exchange.OrderRequest{
					Pair: "BTC/USDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket,
					Quantity: 1, ClientOrderID: token,
				})
				require.NoError(t, err)
				venue.Close()
			}

			id, err := h.store.InsertPendingTrade(ctx, db.TradeRecord{
				AccountID: "u1", Pair: "BTC/USDT", Side: db.SideBuy,
				EntryPrice: 100, Quantity: 1, StopLoss: 98, TakeProfit: 105,
				ClientOrderID: token, CreatedAt: h.now.Add(-tt.age),
			})
			require.NoError(t, err)

			out := h.processor.Process(ctx, account)
			assert.Equal(t, tt.wantPrefix, out.Message)

			trade, err := h.store.GetTrade(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, trade.Status)
		})
	}
}

func TestProcessRiskRejection(t *testing.T) {
	h := newHarness(t, fixedSignal{analysis: buySignal})
	rejected, _ := h.bus.Subscribe(events.EventRiskRejected, 1)

	out := h.processor.Process(context.Background(), demoAccount("u1", 5000))
	assert.Equal(t, "User u1: Risk Check Failed - Position size 5000.00 exceeds max 20% of equity", out.Message)
	assert.Equal(t, StageRisk, out.Stage)
	assert.Equal(t, uint64(1), h.metrics.GetSnapshot().RiskRejections)
	<-rejected
}

func TestProcessDailyLockIsSticky(t *testing.T) {
	h := newHarness(t, fixedSignal{analysis: buySignal})
	ctx := context.Background()

	stats, err := h.store.GetOrInitDailyStats(ctx, "u1", h.gate.Today(), 10000)
	require.NoError(t, err)
	stats.CurrentBalance, stats.DailyPnL = 9400, -600
	require.NoError(t, h.store.SaveDailyStats(ctx, stats))
	out := h.processor.Process(ctx, demoAccount("u1", 100))
	assert.Equal(t, "User u1: Risk Check Failed - Max Daily Loss Reached (-6.00%)", out.Message)

	out = h.processor.Process(ctx, demoAccount("u1", 100))
	assert.Equal(t, "User u1: Risk Check Failed - "+risk.ReasonLocked, out.Message)
}

func TestProcessSignalOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		signal fixedSignal
		invest float64
		want   string
		failed bool
	}{
		{"neutral", fixedSignal{analysis: strategy.Analysis{Signal: strategy.SignalNeutral, Confidence: 0.5}}, 100,
			"User u1: Processed (Signal: neutral - 0.50)", false},
		{"weak buy", fixedSignal{analysis: strategy.Analysis{Signal: strategy.SignalBuy, Confidence: 0.6}}, 100,
			"User u1: Processed (Signal: buy - 0.60)", false},
		{"sell without position", fixedSignal{analysis: strategy.Analysis{Signal: strategy.SignalSell, Confidence: 0.95}}, 100,
			"User u1: Processed (Signal: sell - 0.95)", false},
		{"dust", fixedSignal{analysis: buySignal}, 1,
			"User u1: Insufficient funds/size for trade", false},
		{"strategy error", fixedSignal{err: errors.New("worker down")}, 100,
			"User u1: Strategy Error worker down", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.signal)
			out := h.processor.Process(context.Background(), demoAccount("u1", tt.invest))
			assert.Equal(t, tt.want, out.Message)
			assert.Equal(t, tt.failed, out.Failed)
		})
	}
}

func TestProcessDefaultInvestmentIsTenPercentOfEquity(t *testing.T) {
	h := newHarness(t, fixedSignal{analysis: buySignal})
	ctx := context.Background()

	out := h.processor.Process(ctx, demoAccount("u1", 0))
	require.Equal(t, "User u1: BUY Executed at 100", out.Message)
	trade, err := h.store.GetOpenOrPendingTrade(ctx, "u1", "BTC/USDT")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, trade.Quantity, 1e-9)
}

func TestProcessCredentialFailures(t *testing.T) {
	h := newHarness(t, fixedSignal{analysis: buySignal})
	ctx := context.Background()

	h.processor.venues = failingOpener{err: exchange.NewVenueError("binance", "credentials", exchange.KindCredential, errors.New("no keys"))}
	out := h.processor.Process(ctx, demoAccount("u1", 100))
	assert.Equal(t, "User u1: Invalid Credentials", out.Message)
	assert.True(t, out.Failed)

	h.processor.venues = failingOpener{err: errors.New("dial tcp: refused")}
	out = h.processor.Process(ctx, demoAccount("u1", 100))
	assert.Equal(t, "User u1: Exchange init failed: dial tcp: refused", out.Message)
}

func TestProcessInsufficientFundsMarksFailed(t *testing.T) {
	h := newHarness(t, fixedSignal{analysis: buySignal})
	ctx := context.Background()
	account := demoAccount("u1", 100)

	// Seed, then drain the ledger below the order value.
	venue, err := h.factory.Open(ctx, account)
	require.NoError(t, err)
	require.NoError(t, venue.(*ledger.Venue).Deposit(ctx, "USDT", -9950))
	venue.Close()

	out := h.processor.Process(ctx, demoAccount("u1", 100))
	assert.Contains(t, out.Message, "User u1: Buy Failed - ")
	assert.True(t, out.Failed)

	_, err = h.store.GetOpenOrPendingTrade(ctx, "u1", "BTC/USDT")
	assert.ErrorIs(t, err, db.ErrNotFound, "a rejected buy must not leave a live record")
}
