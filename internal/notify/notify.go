package notify

import (
	"context"
	"sync"
)

// Notifier carries best-effort "something changed" signals between ticket
// writers and live views. Delivery may be delayed, coalesced or dropped.
type Notifier interface {
	Publish(ctx context.Context, ticketID string) error
	Subscribe(ctx context.Context, onChange func()) (func(), error)
	Close() error
}

// Local fans notifications out to subscribers of the same process.
type Local struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]func()
}

func NewLocal() *Local {
	return &Local{subscribers: make(map[int]func())}
}

func (l *Local) Publish(ctx context.Context, ticketID string) error {
	l.mu.RLock()
	callbacks := make([]func(), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		callbacks = append(callbacks, fn)
	}
	l.mu.RUnlock()

	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, onChange func()) (func(), error) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subscribers[id] = onChange
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subscribers, id)
			l.mu.Unlock()
		})
	}, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = make(map[int]func())
	return nil
}

func (l *Local) subscriberCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subscribers)
}
