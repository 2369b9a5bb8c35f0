package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(EventTradeOpened, 1)
	b, unsubB := bus.Subscribe(EventTradeOpened, 1)
	defer unsubA()
	defer unsubB()

	bus.Publish(EventTradeOpened, TradeEvent{AccountID: "u1"})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "u1", (<-a).(TradeEvent).AccountID)
	assert.Equal(t, 2, bus.Subscribers(EventTradeOpened))
	assert.Zero(t, bus.Subscribers(EventTradeClosed))
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTickCompleted, 1)
	defer unsub()

	bus.Publish(EventTickCompleted, 1)
	bus.Publish(EventTickCompleted, 2)

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventOrderRejected, 0)
	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.Subscribers(EventOrderRejected))

	// Publishing after everyone left is a no-op.
	bus.Publish(EventOrderRejected, "x")
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(EventTickCompleted, nil) })
}
