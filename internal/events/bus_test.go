package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(KindMatch, 0, 3, "")

	select {
	case ev := <-ch:
		assert.Equal(t, KindMatch, ev.Kind)
		assert.Equal(t, int32(0), ev.InstanceID)
		assert.Equal(t, uint32(3), ev.SyncPoint)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe() // never drained
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			bus.Publish(KindMismatch, 1, uint32(i), "x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestCloseIsIdempotentAndClosesChannels(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Close()
	bus.Close()

	_, open := <-ch
	require.False(t, open)

	// Publishing and subscribing after close are safe no-ops.
	bus.Publish(KindShutdown, 0, 0, "")
	ch2 := bus.Subscribe()
	_, open = <-ch2
	assert.False(t, open)
}
