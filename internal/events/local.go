package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LocalBus is an in-process Bus, used when redis is not configured. Only
// subscribers in the same process see events.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[uint64]chan Event
	nextID uint64
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[uuid.UUID]map[uint64]chan Event)}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.WorkspaceID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, workspaceID uuid.UUID) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[workspaceID] == nil {
		b.subs[workspaceID] = make(map[uint64]chan Event)
	}
	b.subs[workspaceID][id] = ch
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			b.mu.Lock()
			delete(b.subs[workspaceID], id)
			if len(b.subs[workspaceID]) == 0 {
				delete(b.subs, workspaceID)
			}
			close(ch)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ch, stop, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
