// Package admission bounds how often one client may call one group of
// endpoints: at most Limit requests per fixed window per (group, client key).
package admission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrRejected = errors.New("too many requests")

// Counter counts hits in fixed windows.
type Counter interface {
	// Incr records one hit for key in its current window and returns the
	// window's count including this hit. A window starts at the first hit
	// after the previous one expired.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	log     *zap.Logger
}

// NewLimiter admits at most limit requests per window for every
// (group, client key) pair. A limit <= 0 admits everything.
func NewLimiter(counter Counter, limit int, window time.Duration, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{counter: counter, limit: int64(limit), window: window, log: log}
}

// Admit reports whether the request may proceed. Counter failures admit the
// request.
func (l *Limiter) Admit(ctx context.Context, group, clientKey string) bool {
	if l == nil || l.limit <= 0 || l.counter == nil {
		return true
	}
	n, err := l.counter.Incr(ctx, group+":"+clientKey, l.window)
	if err != nil {
		l.log.Warn("admission counter unavailable, admitting request",
			zap.String("group", group),
			zap.Error(err))
		return true
	}
	if n > l.limit {
		l.log.Debug("admission rejected",
			zap.String("group", group),
			zap.String("client", clientKey),
			zap.Int64("count", n))
		return false
	}
	return true
}

func (l *Limiter) Limit() int { return int(l.limit) }

func (l *Limiter) Window() time.Duration { return l.window }
