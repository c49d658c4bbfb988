package events

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestMemoryBrokerPublishSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	ch := b.Subscribe("trip1")

	b.Publish("trip1", Event{Type: "trip.eligibility.changed", Data: map[string]any{"x": 1}})
	b.Publish("other", Event{Type: "ignored"})

	got := expectEvent(t, ch)
	assert.Equal(t, "trip.eligibility.changed", got.Type)
	assert.Equal(t, 1, got.Data["x"])

	b.Unsubscribe("trip1", ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// second unsubscribe is a no-op
	b.Unsubscribe("trip1", ch)
}

func TestMemoryBrokerDropsWhenFull(t *testing.T) {
	b := NewMemoryBroker()
	ch := b.Subscribe("t")
	for i := 0; i < 100; i++ {
		b.Publish("t", Event{Type: "e"})
	}
	assert.Equal(t, cap(ch), len(ch))
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBrokerWithClient(rdb, nil)
	defer b.Close()

	require.NoError(t, b.Ping(t.Context()))
	ch := b.Subscribe("trip9")
	b.Publish("trip9", Event{Type: "stop.arrived", Data: map[string]any{"stopId": "4"}})

	got := expectEvent(t, ch)
	assert.Equal(t, "stop.arrived", got.Type)
	assert.Equal(t, "4", got.Data["stopId"])

	b.Unsubscribe("trip9", ch)
	_, ok := <-ch
	assert.False(t, ok)
}
