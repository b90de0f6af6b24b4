package admission

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type fixedWindow struct {
	start  time.Time
	length time.Duration
	count  int64
}

// MemoryCounter keeps windows in process memory. All operations are
// serialised by one mutex.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	now     func() time.Time
}

type MemoryOption func(*MemoryCounter)

func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCounter) { c.now = now }
}

func NewMemoryCounter(opts ...MemoryOption) *MemoryCounter {
	c := &MemoryCounter{windows: make(map[string]*fixedWindow), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key]
	if !ok || !now.Before(w.start.Add(w.length)) {
		w = &fixedWindow{start: now, length: window}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// Sweep drops expired windows and returns how many were removed.
func (c *MemoryCounter) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, w := range c.windows {
		if !now.Before(w.start.Add(w.length)) {
			delete(c.windows, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// ScheduleSweep runs c.Sweep on the cron schedule (e.g. "@every 1m") until the
// returned scheduler is stopped.
func ScheduleSweep(c *MemoryCounter, schedule string, log *zap.Logger) (*cron.Cron, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sched := cron.New()
	_, err := sched.AddFunc(schedule, func() {
		if n := c.Sweep(); n > 0 {
			log.Debug("admission windows swept", zap.Int("removed", n))
		}
	})
	if err != nil {
		return nil, err
	}
	sched.Start()
	return sched, nil
}
