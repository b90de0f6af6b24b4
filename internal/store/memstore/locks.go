package memstore

import (
	"context"
	"sync"
)

// lockTable hands out exclusive named locks whose waits honour ctx.
type lockTable struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]chan struct{})}
}

func (l *lockTable) acquire(ctx context.Context, name string) error {
	for {
		l.mu.Lock()
		released, busy := l.held[name]
		if !busy {
			l.held[name] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return classifyCtx(ctx.Err())
		}
	}
}

func (l *lockTable) release(name string) {
	l.mu.Lock()
	ch, ok := l.held[name]
	delete(l.held, name)
	l.mu.Unlock()
	if ok {
		close(ch)
	}
}
