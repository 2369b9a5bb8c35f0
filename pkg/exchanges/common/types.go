package common

import (
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that unwinds s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"   // accepted, resting or partially filled
	StatusClosed   OrderStatus = "CLOSED" // fully filled
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Accepted reports whether the venue took the order.
func (s OrderStatus) Accepted() bool {
	return s == StatusOpen || s == StatusClosed
}

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	Pair          string // "BTC/USDT"
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // required for LIMIT, reference only for MARKET
	ClientOrderID string  // idempotency token, reused on every retry
}

// Order is a venue's view of an order.
type Order struct {
	ID            string
	ClientOrderID string
	Pair          string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // average fill price when known
	Status        OrderStatus
	CreatedAt     time.Time
}

// Ticker is the last traded price of a pair.
type Ticker struct {
	Pair string
	Last float64
	Time time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Balance holds per-currency amounts.
type Balance struct {
	Free  map[string]float64
	Total map[string]float64
}

// TotalOf returns the total amount held in currency.
func (b Balance) TotalOf(currency string) float64 {
	if b.Total == nil {
		return 0
	}
	return b.Total[currency]
}

// SplitPair splits "BTC/USDT" into base and quote.
func SplitPair(pair string) (base, quote string) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 {
		return pair, ""
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1])
}

// VenueSymbol turns "BTC/USDT" into "BTCUSDT".
func VenueSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}
