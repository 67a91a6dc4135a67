package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalPokeWakesListener(t *testing.T) {
	b := NewLocal()
	ch, cancel := b.Listen("widgets")
	defer cancel()

	b.Poke("widgets", 42)

	select {
	case cursor := <-ch:
		require.Equal(t, uint64(42), cursor)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for poke")
	}
}

func TestLocalPokeScopedToListenerScope(t *testing.T) {
	b := NewLocal()
	ch, cancel := b.Listen("widgets")
	defer cancel()

	b.Poke("gadgets", 1)

	select {
	case cursor := <-ch:
		t.Fatalf("unexpected notification for a different scope: %d", cursor)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalCancelStopsDelivery(t *testing.T) {
	b := NewLocal()
	ch, cancel := b.Listen("widgets")
	cancel()

	b.Poke("widgets", 1)

	select {
	case _, ok := <-ch:
		require.False(t, ok, "channel should not receive after cancel; got a value instead")
	case <-time.After(50 * time.Millisecond):
		// No send and no close observed within the window: acceptable,
		// Listen's contract only promises no send, not a closed channel.
	}
}

func TestLocalPokeDropsWhenListenerFull(t *testing.T) {
	b := NewLocal()
	ch, cancel := b.Listen("widgets")
	defer cancel()

	// Listener's channel has capacity 1; a second poke before it's drained
	// must be dropped rather than block the caller.
	b.Poke("widgets", 1)
	done := make(chan struct{})
	go func() {
		b.Poke("widgets", 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Poke blocked instead of dropping the notification")
	}

	require.Equal(t, uint64(1), <-ch)
}

var _ Listener = (*Local)(nil)
var _ Broker = (*Local)(nil)
