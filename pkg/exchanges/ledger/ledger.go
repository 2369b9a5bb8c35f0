// Package ledger implements a simulated venue whose balances live in SQLite.
// It behaves like a remote venue from the engine's point of view: orders fill
// immediately at the reference price and are recorded so reconciliation and
// duplicate detection work the same way.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader-core/pkg/db"
	"autotrader-core/pkg/exchanges/common"
)

// VenueName identifies ledger handles in logs and errors.
const VenueName = "ledger"

// FallbackPrices are used when no price source is configured or it fails.
var FallbackPrices = map[string]float64{
	"BTC":  95000,
	"ETH":  2800,
	"SOL":  140,
	"BNB":  600,
	"USDT": 1,
}

// Venue is one account's simulated ledger for one mode.
type Venue struct {
	db        *sql.DB
	accountID string
	mode      string
	prices    common.PriceSource
	now       func() time.Time
	closed    atomic.Bool
}

var _ common.Gateway = (*Venue)(nil)

// New opens the ledger for accountID. prices may be nil.
func New(database *db.Database, accountID, mode string, prices common.PriceSource) *Venue {
	if mode == "" {
		mode = db.ModeDemo
	}
	return &Venue{
		db:        database.DB,
		accountID: accountID,
		mode:      mode,
		prices:    prices,
		now:       time.Now,
	}
}

// Name implements common.Gateway.
func (v *Venue) Name() string { return VenueName }

// CheckCredentials always succeeds; the ledger needs no keys.
func (v *Venue) CheckCredentials(ctx context.Context) error { return v.usable("credentials") }

// Close releases the handle.
func (v *Venue) Close() error {
	v.closed.Store(true)
	return nil
}

func (v *Venue) usable(op string) error {
	if v.closed.Load() {
		return common.NewVenueError(VenueName, op, common.KindUnavailable, errors.New("ledger handle closed"))
	}
	return nil
}

// FetchTicker asks the price source, falling back to the static table.
func (v *Venue) FetchTicker(ctx context.Context, pair string) (common.Ticker, error) {
	if err := v.usable("fetch_ticker"); err != nil {
		return common.Ticker{}, err
	}
	if v.prices != nil {
		tk, err := v.prices.FetchTicker(ctx, pair)
		if err == nil && tk.Last > 0 {
			return tk, nil
		}
		log.Printf("ledger: price source failed for %s, using fallback: %v", pair, err)
	}
	base, _ := common.SplitPair(pair)
	if p, ok := FallbackPrices[base]; ok {
		return common.Ticker{Pair: pair, Last: p, Time: v.now()}, nil
	}
	return common.Ticker{}, common.NewVenueError(VenueName, "fetch_ticker", common.KindUnavailable,
		fmt.Errorf("no price for %s", pair))
}

// FetchCandles proxies the price source.
func (v *Venue) FetchCandles(ctx context.Context, pair, timeframe string, limit int) ([]common.Candle, error) {
	if err := v.usable("fetch_candles"); err != nil {
		return nil, err
	}
	if v.prices == nil {
		return nil, common.NewVenueError(VenueName, "fetch_candles", common.KindUnavailable,
			errors.New("no market data source configured"))
	}
	return v.prices.FetchCandles(ctx, pair, timeframe, limit)
}

// FetchBalance returns every currency the account has held, zero rows
// included; free equals total.
func (v *Venue) FetchBalance(ctx context.Context) (common.Balance, error) {
	if err := v.usable("fetch_balance"); err != nil {
		return common.Balance{}, err
	}
	rows, err := v.db.QueryContext(ctx, `
		SELECT currency, balance FROM ledger_balances WHERE account_id = ? AND mode = ?
	`, v.accountID, v.mode)
	if err != nil {
		return common.Balance{}, fmt.Errorf("query ledger balances: %w", err)
	}
	defer rows.Close()

	bal := common.Balance{Free: map[string]float64{}, Total: map[string]float64{}}
	for rows.Next() {
		var currency, amount string
		if err := rows.Scan(&currency, &amount); err != nil {
			return common.Balance{}, fmt.Errorf("scan ledger balance: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return common.Balance{}, fmt.Errorf("parse ledger balance %s: %w", currency, err)
		}
		f, _ := d.Float64()
		bal.Free[currency] = f
		bal.Total[currency] = f
	}
	return bal, rows.Err()
}

// Deposit credits amount of currency, creating the row if needed.
func (v *Venue) Deposit(ctx context.Context, currency string, amount float64) error {
	if err := v.usable("deposit"); err != nil {
		return err
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := v.balanceTx(ctx, tx, currency)
	if err != nil {
		return err
	}
	next := cur.Add(decimal.NewFromFloat(amount))
	if err := v.setBalanceTx(ctx, tx, "deposit", currency, cur, next); err != nil {
		return err
	}
	return tx.Commit()
}

// PlaceOrder fills immediately at the request price (or the ticker for market
// orders), debiting and crediting inside one transaction.
func (v *Venue) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	if err := v.usable("place_order"); err != nil {
		return common.Order{}, err
	}
	if req.Quantity <= 0 {
		return common.Order{}, common.NewVenueError(VenueName, "place_order", common.KindUnknown,
			fmt.Errorf("invalid quantity %v", req.Quantity))
	}
	price := req.Price
	if req.Type == common.OrderTypeMarket || price <= 0 {
		tk, err := v.FetchTicker(ctx, req.Pair)
		if err != nil {
			return common.Order{}, err
		}
		price = tk.Last
	}
	base, quote := common.SplitPair(req.Pair)
	if quote == "" {
		return common.Order{}, common.NewVenueError(VenueName, "place_order", common.KindUnknown,
			fmt.Errorf("invalid pair %q", req.Pair))
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return common.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.ClientOrderID != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM ledger_orders WHERE account_id = ? AND mode = ? AND client_order_id = ?
		`, v.accountID, v.mode, req.ClientOrderID).Scan(&existing)
		if err == nil {
			return common.Order{}, common.NewVenueError(VenueName, "place_order", common.KindDuplicate,
				fmt.Errorf("duplicate client order id %s (order %s)", req.ClientOrderID, existing))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return common.Order{}, fmt.Errorf("check duplicate order: %w", err)
		}
	}

	qty := decimal.NewFromFloat(req.Quantity)
	px := decimal.NewFromFloat(price)
	notional := qty.Mul(px)

	debitCur, debitAmt, creditCur, creditAmt := quote, notional, base, qty
	if req.Side == common.SideSell {
		debitCur, debitAmt, creditCur, creditAmt = base, qty, quote, notional
	}

	orderID := uuid.NewString()
	debitBal, err := v.balanceTx(ctx, tx, debitCur)
	if err != nil {
		return common.Order{}, err
	}
	if debitBal.LessThan(debitAmt) {
		return common.Order{}, common.NewVenueError(VenueName, "place_order", common.KindInsufficientFunds,
			fmt.Errorf("insufficient %s balance: have %s, need %s", debitCur, debitBal.String(), debitAmt.String()))
	}
	if err := v.setBalanceTx(ctx, tx, orderID, debitCur, debitBal, debitBal.Sub(debitAmt)); err != nil {
		return common.Order{}, err
	}
	creditBal, err := v.balanceTx(ctx, tx, creditCur)
	if err != nil {
		return common.Order{}, err
	}
	if err := v.setBalanceTx(ctx, tx, orderID, creditCur, creditBal, creditBal.Add(creditAmt)); err != nil {
		return common.Order{}, err
	}

	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	created := v.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_orders (id, account_id, mode, client_order_id, pair, side, type, quantity, price, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, orderID, v.accountID, v.mode, clientIDOr(req.ClientOrderID, orderID), req.Pair, string(req.Side),
		string(ordType), qty.String(), px.String(), string(common.StatusClosed), created.UnixMilli()); err != nil {
		return common.Order{}, fmt.Errorf("insert ledger order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return common.Order{}, fmt.Errorf("commit ledger order: %w", err)
	}

	return common.Order{
		ID:            orderID,
		ClientOrderID: clientIDOr(req.ClientOrderID, orderID),
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          ordType,
		Quantity:      req.Quantity,
		Price:         price,
		Status:        common.StatusClosed,
		CreatedAt:     created,
	}, nil
}

// FetchOpenOrders returns resting ledger orders (normally none, fills are immediate).
func (v *Venue) FetchOpenOrders(ctx context.Context, pair string) ([]common.Order, error) {
	if err := v.usable("fetch_open_orders"); err != nil {
		return nil, err
	}
	return v.queryOrders(ctx, pair, "status = ?", string(common.StatusOpen), -1)
}

// FetchClosedOrders returns the most recent filled orders for pair.
func (v *Venue) FetchClosedOrders(ctx context.Context, pair string, limit int) ([]common.Order, error) {
	if err := v.usable("fetch_closed_orders"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	return v.queryOrders(ctx, pair, "status <> ?", string(common.StatusOpen), limit)
}

func (v *Venue) queryOrders(ctx context.Context, pair, statusCond, status string, limit int) ([]common.Order, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, client_order_id, pair, side, type, quantity, price, status, created_at
		FROM ledger_orders
		WHERE account_id = ? AND mode = ? AND pair = ? AND `+statusCond+`
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, v.accountID, v.mode, pair, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger orders: %w", err)
	}
	defer rows.Close()

	var out []common.Order
	for rows.Next() {
		var (
			o             common.Order
			side, typ, st string
			qtyStr, pxStr string
			createdMs     int64
		)
		if err := rows.Scan(&o.ID, &o.ClientOrderID, &o.Pair, &side, &typ, &qtyStr, &pxStr, &st, &createdMs); err != nil {
			return nil, fmt.Errorf("scan ledger order: %w", err)
		}
		o.Side = common.Side(side)
		o.Type = common.OrderType(typ)
		o.Status = common.OrderStatus(st)
		o.Quantity = decimalFloat(qtyStr)
		o.Price = decimalFloat(pxStr)
		o.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

func (v *Venue) balanceTx(ctx context.Context, tx *sql.Tx, currency string) (decimal.Decimal, error) {
	var amount string
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM ledger_balances WHERE account_id = ? AND mode = ? AND currency = ?
	`, v.accountID, v.mode, currency).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s balance: %w", currency, err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s balance: %w", currency, err)
	}
	return d, nil
}

func (v *Venue) setBalanceTx(ctx context.Context, tx *sql.Tx, ref, currency string, before, after decimal.Decimal) error {
	ms := v.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account_id, mode, currency, balance, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, mode, currency) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`, v.accountID, v.mode, currency, after.String(), ms); err != nil {
		return fmt.Errorf("write %s balance: %w", currency, err)
	}
	if v.mode != db.ModeLive {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (account_id, order_id, currency, delta, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.accountID, ref, currency, after.Sub(before).String(), after.String(), ms); err != nil {
		return fmt.Errorf("journal %s: %w", currency, err)
	}
	return nil
}

func clientIDOr(clientID, fallback string) string {
	if strings.TrimSpace(clientID) == "" {
		return fallback
	}
	return clientID
}

func decimalFloat(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
