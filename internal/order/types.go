package order

import (
	"errors"
	"time"

	exchange "autotrader-core/pkg/exchanges/common"
)

var (
	// ErrNotionalCap rejects an order whose quantity*price exceeds the hard cap.
	ErrNotionalCap = errors.New("order notional exceeds hard cap")
	// ErrInvalidRequest rejects malformed requests before they reach a venue.
	ErrInvalidRequest = errors.New("invalid order request")
)

// Request is one logical order intent. ClientOrderID identifies the intent
// across every attempt; the executor generates one when it is empty.
type Request struct {
	AccountID     string
	Pair          string
	Type          exchange.OrderType
	Side          exchange.Side
	Quantity      float64
	Price         float64 // zero for market orders without a reference price
	ClientOrderID string
}

// Notional returns quantity*price, zero when the price is unknown.
func (r Request) Notional() float64 {
	return r.Quantity * r.Price
}

func (r Request) venueRequest() exchange.OrderRequest {
	return exchange.OrderRequest{
		Pair:          r.Pair,
		Side:          r.Side,
		Type:          r.Type,
		Quantity:      r.Quantity,
		Price:         r.Price,
		ClientOrderID: r.ClientOrderID,
	}
}

// Config tunes the retry policy.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	HardNotionalCap float64
	ClosedLookback  int // closed orders scanned during duplicate recovery
}

// DefaultConfig returns 3 attempts, 1s base delay and a $100,000 cap.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		HardNotionalCap: 100000,
		ClosedLookback:  20,
	}
}
