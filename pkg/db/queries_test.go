package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Queries()
}

func TestQueriesRequireAccountID(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	t.Run("GetOpenOrPendingTrade requires accountID", func(t *testing.T) {
		_, err := q.GetOpenOrPendingTrade(ctx, "", "BTC/USDT")
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})

	t.Run("InsertPendingTrade requires accountID", func(t *testing.T) {
		_, err := q.InsertPendingTrade(ctx, TradeRecord{ClientOrderID: "x"})
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})

	t.Run("CountOpenTrades requires accountID", func(t *testing.T) {
		_, err := q.CountOpenTrades(ctx, "")
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})

	t.Run("GetOrInitDailyStats requires accountID", func(t *testing.T) {
		_, err := q.GetOrInitDailyStats(ctx, "", "2026-01-01", 1000)
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})
}

func TestListEnabledAccounts(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	for _, a := range []AccountSettings{
		{AccountID: "b", Enabled: true, Pair: "ETH/USDT", RiskLevel: "moderate", Strategy: "technical"},
		{AccountID: "a", Enabled: true, Pair: "BTC/USDT", RiskLevel: "aggressive", Strategy: "technical", InvestmentAmount: 250},
		{AccountID: "c", Enabled: false, Pair: "SOL/USDT"},
	} {
		if err := q.UpsertAccount(ctx, a); err != nil {
			t.Fatalf("UpsertAccount(%s): %v", a.AccountID, err)
		}
	}

	accounts, err := q.ListEnabledAccounts(ctx)
	if err != nil {
		t.Fatalf("ListEnabledAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 enabled accounts, got %d", len(accounts))
	}
	if accounts[0].AccountID != "a" || accounts[1].AccountID != "b" {
		t.Errorf("unexpected order: %s, %s", accounts[0].AccountID, accounts[1].AccountID)
	}
	if accounts[0].Mode != ModeDemo || accounts[0].Timeframe != "1h" || accounts[0].InvestmentAmount != 250 {
		t.Errorf("defaults not applied: %+v", accounts[0])
	}
}

func TestTradeLifecycle(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := q.InsertPendingTrade(ctx, TradeRecord{
		AccountID:     "u1",
		Pair:          "BTC/USDT",
		Side:          SideBuy,
		EntryPrice:    100,
		Quantity:      1,
		StopLoss:      98,
		TakeProfit:    105,
		ClientOrderID: "tok-1",
		CreatedAt:     created,
	})
	if err != nil {
		t.Fatalf("InsertPendingTrade: %v", err)
	}

	live, err := q.GetOpenOrPendingTrade(ctx, "u1", "BTC/USDT")
	if err != nil {
		t.Fatalf("GetOpenOrPendingTrade: %v", err)
	}
	if live.ID != id || live.Status != TradePending || !live.CreatedAt.Equal(created) {
		t.Fatalf("unexpected live trade: %+v", live)
	}

	t.Run("second live trade on same pair is rejected", func(t *testing.T) {
		_, err := q.InsertPendingTrade(ctx, TradeRecord{
			AccountID: "u1", Pair: "BTC/USDT", Side: SideBuy, EntryPrice: 100, Quantity: 1, ClientOrderID: "tok-2",
		})
		if !errors.Is(err, ErrTradeConflict) {
			t.Errorf("expected ErrTradeConflict, got %v", err)
		}
	})

	t.Run("pending cannot close", func(t *testing.T) {
		err := q.CloseTrade(ctx, id, 105, 5, created)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	if err := q.MarkTradeOpen(ctx, id, "venue-1"); err != nil {
		t.Fatalf("MarkTradeOpen: %v", err)
	}
	if n, err := q.CountOpenTrades(ctx, "u1"); err != nil || n != 1 {
		t.Fatalf("CountOpenTrades = %d, %v; want 1", n, err)
	}

	if err := q.CloseTrade(ctx, id, 105, 5, created.Add(time.Hour)); err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}
	closed, err := q.GetTrade(ctx, id)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if closed.Status != TradeClosed || closed.PnL == nil || *closed.PnL != 5 || closed.ExitPrice == nil || *closed.ExitPrice != 105 {
		t.Errorf("unexpected closed trade: %+v", closed)
	}

	t.Run("closed trade is immutable", func(t *testing.T) {
		if err := q.UpdateTradeStatus(ctx, id, TradeFailed, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	if _, err := q.GetOpenOrPendingTrade(ctx, "u1", "BTC/USDT"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after close, got %v", err)
	}
}

func TestTradeStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TradeStatus
		ok       bool
	}{
		{TradePending, TradeOpen, true},
		{TradePending, TradeFailed, true},
		{TradePending, TradeClosed, false},
		{TradeOpen, TradeClosed, true},
		{TradeOpen, TradeFailed, false},
		{TradeClosed, TradeOpen, false},
		{TradeFailed, TradeOpen, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestDailyStatsInitIsIdempotent(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	s, err := q.GetOrInitDailyStats(ctx, "u1", "2026-03-01", 1000)
	if err != nil {
		t.Fatalf("GetOrInitDailyStats: %v", err)
	}
	if s.StartingBalance != 1000 || s.CurrentBalance != 1000 || s.IsLocked {
		t.Fatalf("unexpected fresh stats: %+v", s)
	}

	s.DailyPnL = -60
	s.CurrentBalance = 940
	s.IsLocked = true
	if err := q.SaveDailyStats(ctx, s); err != nil {
		t.Fatalf("SaveDailyStats: %v", err)
	}

	again, err := q.GetOrInitDailyStats(ctx, "u1", "2026-03-01", 5000)
	if err != nil {
		t.Fatalf("GetOrInitDailyStats: %v", err)
	}
	if again.StartingBalance != 1000 || again.DailyPnL != -60 || !again.IsLocked {
		t.Errorf("existing row was overwritten: %+v", again)
	}
}

func TestSystemEventsPrune(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	err := q.InsertSystemEvents(ctx, []SystemEvent{
		{Level: "info", Subject: "old", Message: "m", CreatedAt: now.Add(-40 * 24 * time.Hour)},
		{Level: "warning", Subject: "new", Message: "m", CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("InsertSystemEvents: %v", err)
	}
	n, err := q.PruneSystemEvents(ctx, now.Add(-30*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneSystemEvents = %d, %v; want 1", n, err)
	}
	events, err := q.RecentSystemEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSystemEvents: %v", err)
	}
	if len(events) != 1 || events[0].Subject != "new" {
		t.Errorf("unexpected events: %+v", events)
	}
}
