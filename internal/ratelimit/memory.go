package ratelimit

import (
	"context"
	"sync"
)

// MemoryLimiter is the in-process Limiter used by tests.
type MemoryLimiter struct {
	mu     sync.Mutex
	max    int
	active map[string]map[string]struct{}
}

func NewMemoryLimiter(maxActive int) *MemoryLimiter {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &MemoryLimiter{
		max:    maxActive,
		active: make(map[string]map[string]struct{}),
	}
}

func (l *MemoryLimiter) Acquire(_ context.Context, principal, jobID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slots := l.active[principal]
	if _, held := slots[jobID]; held {
		return true, nil
	}
	if len(slots) >= l.max {
		return false, nil
	}
	if slots == nil {
		slots = make(map[string]struct{})
		l.active[principal] = slots
	}
	slots[jobID] = struct{}{}
	return true, nil
}

func (l *MemoryLimiter) Release(_ context.Context, principal, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.active[principal], jobID)
	if len(l.active[principal]) == 0 {
		delete(l.active, principal)
	}
	return nil
}

// ActiveCount reports how many slots a principal currently holds.
func (l *MemoryLimiter) ActiveCount(principal string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active[principal])
}
