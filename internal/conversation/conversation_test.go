package conversation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockManager_SerializesSameConversation(t *testing.T) {
	lm := NewLockManager()

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := lm.Lock("conv-1")
			defer unlock()

			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("expected at most 1 holder at a time, saw %d", got)
	}
	if held := lm.Held(); held != 0 {
		t.Errorf("expected all entries released, %d remain", held)
	}
}

func TestLockManager_IndependentConversations(t *testing.T) {
	lm := NewLockManager()

	unlockA := lm.Lock("conv-a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlock := lm.Lock("conv-b")
		defer unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different conversation was blocked")
	}
}

func TestLockManager_UnlockIsIdempotent(t *testing.T) {
	lm := NewLockManager()

	unlock := lm.Lock("conv-1")
	unlock()
	unlock()

	if held := lm.Held(); held != 0 {
		t.Errorf("expected 0 held locks, got %d", held)
	}

	// lock is usable again
	done := make(chan struct{})
	go func() {
		lm.Lock("conv-1")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not reusable after release")
	}
}
