package events

import (
	"testing"

	"dustdevil/internal/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(seq uint64) proto.Event {
	return proto.Event{
		Seq:       seq,
		Timestamp: 1700000000,
		Body:      proto.SessionEvent{K: proto.EvClientSourceShutdown, ID: seq},
	}
}

func TestBroadcastOrder(t *testing.T) {
	bus := NewBus()
	first := bus.Subscribe(8, false)
	second := bus.Subscribe(8, false)

	for seq := uint64(1); seq <= 5; seq++ {
		bus.Publish(makeEvent(seq))
	}

	for _, sub := range []*Subscription{first, second} {
		for seq := uint64(1); seq <= 5; seq++ {
			ev := <-sub.C
			assert.Equal(t, seq, ev.Seq)
		}
	}
}

func TestSubscribeMidStream(t *testing.T) {
	bus := NewBus()
	bus.Publish(makeEvent(1))

	sub := bus.Subscribe(8, false)
	bus.Publish(makeEvent(2))

	ev := <-sub.C
	assert.Equal(t, uint64(2), ev.Seq, "late subscriber must only see the suffix")
}

func TestSlowConsumerEvicted(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(1, false)
	fast := bus.Subscribe(8, false)

	bus.Publish(makeEvent(1))
	bus.Publish(makeEvent(2)) // slow queue full: evicted here

	select {
	case <-slow.Overrun():
	default:
		t.Fatal("expected the slow subscriber to be marked overrun")
	}

	// The fast subscriber is unaffected and keeps receiving.
	bus.Publish(makeEvent(3))
	require.Len(t, fast.C, 3)
	for seq := uint64(1); seq <= 3; seq++ {
		ev := <-fast.C
		assert.Equal(t, seq, ev.Seq)
	}

	// The evicted subscriber no longer receives anything new.
	assert.Len(t, slow.C, 1)
}

func TestLossySubscriberDropsWithoutEviction(t *testing.T) {
	bus := NewBus()
	lossy := bus.Subscribe(1, true)

	bus.Publish(makeEvent(1))
	bus.Publish(makeEvent(2))
	bus.Publish(makeEvent(3))

	select {
	case <-lossy.Overrun():
		t.Fatal("lossy subscribers must never be evicted")
	default:
	}
	assert.Equal(t, uint64(2), lossy.Dropped())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(8, false)
	bus.Unsubscribe(sub)
	bus.Publish(makeEvent(1))
	assert.Len(t, sub.C, 0)
}
