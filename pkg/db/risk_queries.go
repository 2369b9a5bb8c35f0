package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const riskColumns = `account_id, date, starting_balance, current_balance, daily_pnl,
	max_drawdown, trade_count, loss_count, is_locked, updated_at`

func scanDailyStats(row interface{ Scan(...any) error }) (DailyRiskStats, error) {
	var (
		s       DailyRiskStats
		locked  int
		updated int64
	)
	if err := row.Scan(&s.AccountID, &s.Date, &s.StartingBalance, &s.CurrentBalance, &s.DailyPnL,
		&s.MaxDrawdown, &s.TradeCount, &s.LossCount, &locked, &updated); err != nil {
		return s, err
	}
	s.IsLocked = locked != 0
	s.UpdatedAt = fromMillis(updated)
	return s, nil
}

// GetDailyStats loads the stats row for (account, date) or ErrNotFound.
func (q *Queries) GetDailyStats(ctx context.Context, accountID, date string) (DailyRiskStats, error) {
	if accountID == "" {
		return DailyRiskStats{}, ErrAccountIDRequired
	}
	s, err := scanDailyStats(q.db.QueryRowContext(ctx, `SELECT `+riskColumns+`
		FROM risk_daily_stats WHERE account_id = ? AND date = ?`, accountID, date))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("get daily stats: %w", err)
	}
	return s, nil
}

// GetOrInitDailyStats returns the (account, date) row, creating it with
// startingBalance when absent. An existing row is never overwritten.
func (q *Queries) GetOrInitDailyStats(ctx context.Context, accountID, date string, startingBalance float64) (DailyRiskStats, error) {
	if accountID == "" {
		return DailyRiskStats{}, ErrAccountIDRequired
	}
	if _, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO risk_daily_stats (account_id, date, starting_balance, current_balance, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, accountID, date, startingBalance, startingBalance, time.Now().UnixMilli()); err != nil {
		return DailyRiskStats{}, fmt.Errorf("init daily stats: %w", err)
	}
	return q.GetDailyStats(ctx, accountID, date)
}

// SaveDailyStats writes every mutable field of s in one statement.
func (q *Queries) SaveDailyStats(ctx context.Context, s DailyRiskStats) error {
	if s.AccountID == "" {
		return ErrAccountIDRequired
	}
	locked := 0
	if s.IsLocked {
		locked = 1
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE risk_daily_stats SET
			current_balance = ?, daily_pnl = ?, max_drawdown = ?,
			trade_count = ?, loss_count = ?, is_locked = ?, updated_at = ?
		WHERE account_id = ? AND date = ?
	`, s.CurrentBalance, s.DailyPnL, s.MaxDrawdown, s.TradeCount, s.LossCount, locked,
		time.Now().UnixMilli(), s.AccountID, s.Date)
	if err != nil {
		return fmt.Errorf("save daily stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDailyStats returns every account's stats for date.
func (q *Queries) ListDailyStats(ctx context.Context, date string) ([]DailyRiskStats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+riskColumns+`
		FROM risk_daily_stats WHERE date = ? ORDER BY account_id`, date)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var out []DailyRiskStats
	for rows.Next() {
		s, err := scanDailyStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// System Events
// ----------------------------------------

// InsertSystemEvents stores a batch of events in one transaction.
func (q *Queries) InsertSystemEvents(ctx context.Context, events []SystemEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO system_events (level, subject, message, created_at) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Level, e.Subject, e.Message, toMillis(e.CreatedAt)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// RecentSystemEvents returns the newest events first.
func (q *Queries) RecentSystemEvents(ctx context.Context, limit int) ([]SystemEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, level, subject, message, created_at FROM system_events
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []SystemEvent
	for rows.Next() {
		var (
			e  SystemEvent
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Subject, &e.Message, &ms); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = fromMillis(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneSystemEvents deletes events older than before and returns how many went.
func (q *Queries) PruneSystemEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM system_events WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
