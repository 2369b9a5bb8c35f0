package order

import (
	"time"

	"autotrader-core/internal/events"
	exchange "autotrader-core/pkg/exchanges/common"
)

func (e *Executor) emit(topic events.Event, req Request, attempt int, o *exchange.Order, err error) {
	if e.Bus == nil {
		return
	}
	ev := events.OrderEvent{
		AccountID:     req.AccountID,
		Pair:          req.Pair,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		Price:         req.Price,
		ClientOrderID: req.ClientOrderID,
		Attempt:       attempt,
		Time:          time.Now(),
	}
	if o != nil {
		ev.VenueOrderID = o.ID
		ev.Price = o.Price
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.Bus.Publish(topic, ev)
}
