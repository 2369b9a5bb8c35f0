package events

import "time"

// Event enumerates the topics published inside the engine.
type Event string

const (
	EventTickCompleted  Event = "tick.completed"
	EventTradeOpened    Event = "trade.opened"
	EventTradeClosed    Event = "trade.closed"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderAccepted  Event = "order.accepted"
	EventOrderRejected  Event = "order.rejected"
	EventRiskRejected   Event = "risk.rejected"
)

// Topics lists every event, in the order the websocket stream subscribes to them.
var Topics = []Event{
	EventTickCompleted,
	EventTradeOpened,
	EventTradeClosed,
	EventOrderSubmitted,
	EventOrderAccepted,
	EventOrderRejected,
	EventRiskRejected,
}

// OrderEvent describes one order submission as seen by the executor.
type OrderEvent struct {
	AccountID     string    `json:"account_id,omitempty"`
	Pair          string    `json:"pair"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`
	ClientOrderID string    `json:"client_order_id"`
	VenueOrderID  string    `json:"venue_order_id,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

// TradeEvent is published when a position opens or closes.
type TradeEvent struct {
	AccountID string    `json:"account_id"`
	TradeID   int64     `json:"trade_id"`
	Pair      string    `json:"pair"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	PnL       *float64  `json:"pnl,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// TickEvent summarizes one completed tick.
type TickEvent struct {
	Seq      int64         `json:"seq"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Outcomes []string      `json:"outcomes"`
}
