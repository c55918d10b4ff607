package webhook

import (
	"clai-chat/internal/events"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, organizationID, event string, payload map[string]any) ([]DeliveryResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.calls = append(f.calls, organizationID+"/"+event)
	f.mu.Unlock()
	return nil, nil
}

func TestNotifier_BoundsInFlight(t *testing.T) {
	fake := &fakeDispatcher{delay: 20 * time.Millisecond}
	n := NewNotifier(fake, 2, time.Second)

	for i := 0; i < 6; i++ {
		n.Notify(context.Background(), events.Event{Name: events.MessageCreated, OrganizationID: "org-1"})
	}
	n.Wait()

	assert.Len(t, fake.calls, 6)
	assert.LessOrEqual(t, fake.peak.Load(), int32(2))
}

func TestNotifier_DropsWhenContextDone(t *testing.T) {
	fake := &fakeDispatcher{delay: 100 * time.Millisecond}
	n := NewNotifier(fake, 1, time.Second)

	n.Notify(context.Background(), events.Event{Name: events.LeadCreated})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Notify(ctx, events.Event{Name: events.LeadCreated})
	n.Wait()

	assert.Len(t, fake.calls, 1)
}

func TestRelay_ForwardsBusEvents(t *testing.T) {
	fake := &fakeDispatcher{}
	n := NewNotifier(fake, 4, time.Second)
	bus := events.NewChannelBus(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Relay(ctx, bus, n) }()

	// wait for the relay to subscribe before publishing
	require.Eventually(t, func() bool {
		bus.Publish(ctx, events.Event{Name: events.ConversationStarted, OrganizationID: "org-1"})
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.calls) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	n.Wait()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "org-1/"+events.ConversationStarted, fake.calls[0])
}
