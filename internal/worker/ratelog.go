package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger lets at most one event through per interval. Dropped
// events are counted and reported on the next one that passes.
type rateLimitedLogger struct {
	log      zerolog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(l zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: l, interval: interval}
}

// Warn returns nil when the event is suppressed; zerolog treats a nil event
// as disabled, so callers can chain on it unconditionally.
func (l *rateLimitedLogger) Warn() *zerolog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return nil
	}
	l.lastAt = now
	ev := l.log.Warn()
	if l.suppressed > 0 {
		ev = ev.Int("suppressed", l.suppressed)
		l.suppressed = 0
	}
	return ev
}
