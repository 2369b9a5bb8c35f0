// Package db provides account-isolated persistence for the tick engine.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrAccountIDRequired = errors.New("account_id is required for data isolation")
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid trade status transition")

	// ErrTradeConflict means the account already has a live trade on the pair,
	// or the client order id was used before.
	ErrTradeConflict = errors.New("conflicting live trade or client order id")
)

// Queries is the SQLite-backed store used by the engine and the risk gate.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Account Queries
// ----------------------------------------

const accountColumns = `account_id, enabled, pair, timeframe, risk_level, strategy,
	investment_amount, mode, exchange_id, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (AccountSettings, error) {
	var (
		a       AccountSettings
		enabled int
		updated int64
	)
	if err := row.Scan(&a.AccountID, &enabled, &a.Pair, &a.Timeframe, &a.RiskLevel, &a.Strategy,
		&a.InvestmentAmount, &a.Mode, &a.ExchangeID, &updated); err != nil {
		return a, err
	}
	a.Enabled = enabled != 0
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

// ListEnabledAccounts returns every account with the bot switched on, ordered by id.
func (q *Queries) ListEnabledAccounts(ctx context.Context) ([]AccountSettings, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+accountColumns+`
		FROM bot_settings WHERE enabled = 1 ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []AccountSettings
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccount loads one account's settings.
func (q *Queries) GetAccount(ctx context.Context, accountID string) (AccountSettings, error) {
	if accountID == "" {
		return AccountSettings{}, ErrAccountIDRequired
	}
	a, err := scanAccount(q.db.QueryRowContext(ctx, `SELECT `+accountColumns+`
		FROM bot_settings WHERE account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// UpsertAccount creates or replaces an account's settings.
func (q *Queries) UpsertAccount(ctx context.Context, a AccountSettings) error {
	if a.AccountID == "" {
		return ErrAccountIDRequired
	}
	if a.Mode == "" {
		a.Mode = ModeDemo
	}
	if a.ExchangeID == "" {
		a.ExchangeID = "binance"
	}
	if a.Timeframe == "" {
		a.Timeframe = "1h"
	}
	enabled := 0
	if a.Enabled {
		enabled = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bot_settings (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			enabled = excluded.enabled,
			pair = excluded.pair,
			timeframe = excluded.timeframe,
			risk_level = excluded.risk_level,
			strategy = excluded.strategy,
			investment_amount = excluded.investment_amount,
			mode = excluded.mode,
			exchange_id = excluded.exchange_id,
			updated_at = excluded.updated_at
	`, a.AccountID, enabled, a.Pair, a.Timeframe, a.RiskLevel, a.Strategy,
		a.InvestmentAmount, a.Mode, a.ExchangeID, toMillis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// SaveCredentials stores sealed API keys for an account on an exchange.
func (q *Queries) SaveCredentials(ctx context.Context, c Credentials) error {
	if c.AccountID == "" {
		return ErrAccountIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO exchange_credentials (account_id, exchange_id, api_key, api_secret, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, exchange_id) DO UPDATE SET
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			updated_at = excluded.updated_at
	`, c.AccountID, c.ExchangeID, c.APIKey, c.APISecret, toMillis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// GetCredentials loads the sealed API keys for an account.
func (q *Queries) GetCredentials(ctx context.Context, accountID, exchangeID string) (Credentials, error) {
	if accountID == "" {
		return Credentials{}, ErrAccountIDRequired
	}
	var (
		c       Credentials
		updated int64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, exchange_id, api_key, api_secret, updated_at
		FROM exchange_credentials WHERE account_id = ? AND exchange_id = ?
	`, accountID, exchangeID).Scan(&c.AccountID, &c.ExchangeID, &c.APIKey, &c.APISecret, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get credentials: %w", err)
	}
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

const tradeColumns = `id, account_id, pair, side, entry_price, quantity, stop_loss, take_profit,
	strategy, client_order_id, venue_order_id, status, pnl, exit_price, created_at, updated_at, closed_at`

func scanTrade(row interface{ Scan(...any) error }) (TradeRecord, error) {
	var (
		t                TradeRecord
		status           string
		pnl, exit        sql.NullFloat64
		created, updated int64
		closed           sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Pair, &t.Side, &t.EntryPrice, &t.Quantity,
		&t.StopLoss, &t.TakeProfit, &t.Strategy, &t.ClientOrderID, &t.VenueOrderID, &status,
		&pnl, &exit, &created, &updated, &closed); err != nil {
		return t, err
	}
	t.Status = TradeStatus(status)
	if pnl.Valid {
		v := pnl.Float64
		t.PnL = &v
	}
	if exit.Valid {
		v := exit.Float64
		t.ExitPrice = &v
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	if closed.Valid {
		c := fromMillis(closed.Int64)
		t.ClosedAt = &c
	}
	return t, nil
}

// GetOpenOrPendingTrade returns the account's live trade on pair, or ErrNotFound.
func (q *Queries) GetOpenOrPendingTrade(ctx context.Context, accountID, pair string) (TradeRecord, error) {
	if accountID == "" {
		return TradeRecord{}, ErrAccountIDRequired
	}
	t, err := scanTrade(q.db.QueryRowContext(ctx, `SELECT `+tradeColumns+`
		FROM trades
		WHERE account_id = ? AND pair = ? AND status IN ('PENDING', 'OPEN')
		ORDER BY id DESC LIMIT 1`, accountID, pair))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("get live trade: %w", err)
	}
	return t, nil
}

// GetTrade loads a trade by id.
func (q *Queries) GetTrade(ctx context.Context, id int64) (TradeRecord, error) {
	t, err := scanTrade(q.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("get trade: %w", err)
	}
	return t, nil
}

// ListTrades returns the most recent trades for an account.
func (q *Queries) ListTrades(ctx context.Context, accountID string, limit int) ([]TradeRecord, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+tradeColumns+`
		FROM trades WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertPendingTrade persists a new PENDING record and returns its id.
func (q *Queries) InsertPendingTrade(ctx context.Context, t TradeRecord) (int64, error) {
	if t.AccountID == "" {
		return 0, ErrAccountIDRequired
	}
	if t.ClientOrderID == "" {
		return 0, errors.New("client_order_id is required")
	}
	created := toMillis(t.CreatedAt)
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (account_id, pair, side, entry_price, quantity, stop_loss, take_profit,
			strategy, client_order_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?, ?)
	`, t.AccountID, t.Pair, t.Side, t.EntryPrice, t.Quantity, t.StopLoss, t.TakeProfit,
		t.Strategy, t.ClientOrderID, created, created)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrTradeConflict
		}
		return 0, fmt.Errorf("insert pending trade: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTradeStatus moves a trade to status, optionally recording pnl.
// Moves that the lifecycle does not allow return ErrInvalidTransition.
func (q *Queries) UpdateTradeStatus(ctx context.Context, id int64, status TradeStatus, pnl *float64) error {
	from := allowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing may move to %s", ErrInvalidTransition, status)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(status), time.Now().UnixMilli()}
	pnlSQL := ""
	if pnl != nil {
		pnlSQL = ", pnl = ?"
		args = append(args, *pnl)
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := q.db.ExecContext(ctx, `UPDATE trades SET status = ?, updated_at = ?`+pnlSQL+`
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	return expectOneRow(res, id, status)
}

// MarkTradeOpen confirms a PENDING trade and stores the venue order id.
func (q *Queries) MarkTradeOpen(ctx context.Context, id int64, venueOrderID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE trades SET status = 'OPEN', venue_order_id = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, venueOrderID, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark trade open: %w", err)
	}
	return expectOneRow(res, id, TradeOpen)
}

// CloseTrade moves an OPEN trade to CLOSED with its exit price and realized pnl.
func (q *Queries) CloseTrade(ctx context.Context, id int64, exitPrice, pnl float64, closedAt time.Time) error {
	ms := toMillis(closedAt)
	res, err := q.db.ExecContext(ctx, `
		UPDATE trades SET status = 'CLOSED', exit_price = ?, pnl = ?, closed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'
	`, exitPrice, pnl, ms, ms, id)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	return expectOneRow(res, id, TradeClosed)
}

// CountOpenTrades counts the account's OPEN trades across all pairs.
func (q *Queries) CountOpenTrades(ctx context.Context, accountID string) (int, error) {
	if accountID == "" {
		return 0, ErrAccountIDRequired
	}
	var n int
	if err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades WHERE account_id = ? AND status = 'OPEN'
	`, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open trades: %w", err)
	}
	return n, nil
}

func expectOneRow(res sql.Result, id int64, to TradeStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: trade %d -> %s", ErrInvalidTransition, id, to)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
