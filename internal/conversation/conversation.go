package conversation

import (
	"clai-chat/internal/logger"
	"sync"
)

// lockEntry is a per-conversation mutex shared by every caller currently
// holding or waiting for it
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// LockManager serializes work per conversation ID. Entries are reference
// counted and removed once no caller holds or waits on them, so the map only
// grows with concurrently busy conversations.
type LockManager struct {
	locks map[string]*lockEntry
	mu    sync.Mutex
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*lockEntry),
	}
}

// Lock blocks until the caller holds the conversation's lock and returns the
// function that releases it
func (lm *LockManager) Lock(conversationID string) (unlock func()) {
	lm.mu.Lock()
	entry, exists := lm.locks[conversationID]
	if !exists {
		entry = &lockEntry{}
		lm.locks[conversationID] = entry
	}
	entry.refs++
	lm.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			lm.release(conversationID, entry)
		})
	}
}

func (lm *LockManager) release(conversationID string, entry *lockEntry) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(lm.locks, conversationID)
		logger.ForConversation(conversationID).Trace("Released conversation lock")
	}
}

// Held returns how many conversations currently have a holder or waiter
func (lm *LockManager) Held() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return len(lm.locks)
}
