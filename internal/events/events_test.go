package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestChannelBus_FanOut(t *testing.T) {
	bus := NewChannelBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Event{Name: MessageCreated, OrganizationID: "org-1"}))

	assert.Equal(t, MessageCreated, receive(t, a).Name)
	assert.Equal(t, MessageCreated, receive(t, b).Name)
}

func TestChannelBus_DropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			bus.Publish(ctx, Event{Name: ConversationStarted})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Len(t, ch, 1)
}

func TestChannelBus_UnsubscribeOnCancel(t *testing.T) {
	bus := NewChannelBus(1)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after cancel")
	}
}

func TestChannelBus_Close(t *testing.T) {
	bus := NewChannelBus(1)
	ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, ok := <-ch
	assert.False(t, ok)

	// publishing after close is a no-op
	assert.NoError(t, bus.Publish(context.Background(), Event{Name: ConversationEnded}))
}
