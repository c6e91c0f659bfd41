package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOutAcrossTopics(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(4, EventPositionOpened, EventBalanceChanged)
	defer unsub()

	bus.Publish(EventPositionOpened, "a")
	bus.Publish(EventPriceTick, "ignored")
	bus.Publish(EventBalanceChanged, "b")

	got := []Message{<-ch, <-ch}
	assert.Equal(t, EventPositionOpened, got[0].Event)
	assert.Equal(t, "a", got[0].Payload)
	assert.Equal(t, EventBalanceChanged, got[1].Event)

	select {
	case m := <-ch:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	dropped := 0
	bus.OnDrop(func(Event) { dropped++ })

	_, unsub := bus.Subscribe(1, EventPositionSettled)
	defer unsub()

	bus.Publish(EventPositionSettled, 1)
	bus.Publish(EventPositionSettled, 2)
	assert.Equal(t, 1, dropped)
}

func TestBusUnsubscribeClosesOnce(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1, EventPositionOpened, EventPositionSettled)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(EventPositionOpened, "x")
	bus.Publish(EventPositionSettled, "x")
}
