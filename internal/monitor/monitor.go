// Package monitor tracks engine metrics, probes dependencies and turns
// rejection events into operator alerts.
package monitor

import (
	"context"
	"fmt"
	"log"

	"autotrader-core/internal/events"
	"autotrader-core/internal/notify"
)

// Monitor watches the bus and raises alerts for rejected orders.
type Monitor struct {
	Bus      *events.Bus
	Notifier notify.Notifier
}

// Start subscribes and forwards until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Notifier == nil {
		log.Println("monitor: not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventOrderRejected, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				subject, body := formatAlert(msg)
				m.Notifier.Alert(subject, body, notify.LevelWarning)
			}
		}
	}()
}

func formatAlert(msg any) (string, string) {
	switch ev := msg.(type) {
	case events.OrderEvent:
		return "Order Rejected", fmt.Sprintf("User %s: %s %s qty %.8f (%s): %s",
			ev.AccountID, ev.Side, ev.Pair, ev.Quantity, ev.ClientOrderID, ev.Error)
	case string:
		return "Alert", ev
	default:
		return "Alert", "alert triggered"
	}
}
