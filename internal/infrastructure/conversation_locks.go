package infrastructure

import (
	"sync"
)

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// ConversationLocks serializes routing work per conversation id inside one
// process. Entries are dropped once no goroutine holds or waits on them.
type ConversationLocks struct {
	locks map[string]*keyedLock
	mu    sync.Mutex
}

func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{
		locks: make(map[string]*keyedLock),
	}
}

// Lock blocks until key is free and returns the matching unlock func.
func (c *ConversationLocks) Lock(key string) func() {
	c.mu.Lock()
	l, exists := c.locks[key]
	if !exists {
		l = &keyedLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			c.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(c.locks, key)
			}
			c.mu.Unlock()
		})
	}
}

// held returns the number of keys currently held or awaited.
func (c *ConversationLocks) held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
