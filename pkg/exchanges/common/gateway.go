package common

import "context"

// Gateway abstracts a trading venue. One handle is scoped to one account for one tick.
type Gateway interface {
	// Name identifies the venue (also the rate-limit key).
	Name() string
	FetchTicker(ctx context.Context, pair string) (Ticker, error)
	FetchCandles(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error)
	FetchBalance(ctx context.Context) (Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	FetchOpenOrders(ctx context.Context, pair string) ([]Order, error)
	FetchClosedOrders(ctx context.Context, pair string, limit int) ([]Order, error)
	// CheckCredentials fails with KindCredential when the handle cannot trade.
	CheckCredentials(ctx context.Context) error
	Close() error
}

// PriceSource is the public market-data subset of a Gateway.
type PriceSource interface {
	FetchTicker(ctx context.Context, pair string) (Ticker, error)
	FetchCandles(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error)
}

// FindByClientID returns the order carrying clientOrderID.
func FindByClientID(orders []Order, clientOrderID string) (Order, bool) {
	for _, o := range orders {
		if o.ClientOrderID == clientOrderID {
			return o, true
		}
	}
	return Order{}, false
}
