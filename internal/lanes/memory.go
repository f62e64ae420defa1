package lanes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/backrun/internal/domain"
)

// MemoryBroker is an in-process Broker used by unit tests. Now is
// injectable so tests can advance time past TTLs without sleeping.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[domain.Lane]map[string]time.Time // jobID -> readyAt
	locks      map[string]time.Time                 // jobID -> expiry
	cancels    map[string]time.Time
	heartbeats map[string]memHeartbeat
	progress   map[string]memProgress

	Now func() time.Time
}

type memHeartbeat struct {
	workerID string
	expires  time.Time
}

type memProgress struct {
	p       Progress
	expires time.Time
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:     make(map[domain.Lane]map[string]time.Time),
		locks:      make(map[string]time.Time),
		cancels:    make(map[string]time.Time),
		heartbeats: make(map[string]memHeartbeat),
		progress:   make(map[string]memProgress),
		Now:        time.Now,
	}
}

func (b *MemoryBroker) Push(_ context.Context, lane domain.Lane, jobID string, readyAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queues[lane] == nil {
		b.queues[lane] = make(map[string]time.Time)
	}
	b.queues[lane][jobID] = readyAt
	return nil
}

func (b *MemoryBroker) Pop(_ context.Context, lane domain.Lane) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.Now()
	type entry struct {
		id      string
		readyAt time.Time
	}
	var ready []entry
	for id, at := range b.queues[lane] {
		if !at.After(now) {
			ready = append(ready, entry{id, at})
		}
	}
	if len(ready) == 0 {
		return "", false, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].readyAt.Equal(ready[j].readyAt) {
			return ready[i].id < ready[j].id
		}
		return ready[i].readyAt.Before(ready[j].readyAt)
	})
	delete(b.queues[lane], ready[0].id)
	return ready[0].id, true, nil
}

func (b *MemoryBroker) Remove(_ context.Context, lane domain.Lane, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[lane][jobID]; !ok {
		return false, nil
	}
	delete(b.queues[lane], jobID)
	return true, nil
}

func (b *MemoryBroker) Contains(_ context.Context, lane domain.Lane, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[lane][jobID]
	return ok, nil
}

func (b *MemoryBroker) TryLock(_ context.Context, jobID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.Now()
	if exp, held := b.locks[jobID]; held && exp.After(now) {
		return false, nil
	}
	b.locks[jobID] = now.Add(ttl)
	return true, nil
}

func (b *MemoryBroker) Unlock(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locks, jobID)
	return nil
}

func (b *MemoryBroker) RequestCancel(_ context.Context, jobID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels[jobID] = b.Now().Add(ttl)
	return nil
}

func (b *MemoryBroker) CancelRequested(_ context.Context, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.cancels[jobID]
	return ok && exp.After(b.Now()), nil
}

func (b *MemoryBroker) Heartbeat(_ context.Context, jobID, workerID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats[jobID] = memHeartbeat{workerID: workerID, expires: b.Now().Add(ttl)}
	return nil
}

func (b *MemoryBroker) HeartbeatAlive(_ context.Context, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hb, ok := b.heartbeats[jobID]
	return ok && hb.expires.After(b.Now()), nil
}

func (b *MemoryBroker) SetProgress(_ context.Context, jobID string, p Progress, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress[jobID] = memProgress{p: p, expires: b.Now().Add(ttl)}
	return nil
}

func (b *MemoryBroker) GetProgress(_ context.Context, jobID string) (*Progress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mp, ok := b.progress[jobID]
	if !ok || !mp.expires.After(b.Now()) {
		return nil, nil
	}
	p := mp.p
	return &p, nil
}

func (b *MemoryBroker) ClearEphemeral(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.progress, jobID)
	delete(b.heartbeats, jobID)
	delete(b.cancels, jobID)
	return nil
}

func (b *MemoryBroker) Ping(context.Context) error { return nil }
