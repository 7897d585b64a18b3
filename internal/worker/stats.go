package worker

import (
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type statsCollector struct {
	served    atomic.Uint64
	fromCache atomic.Uint64
	failures  atomic.Uint64
	respBytes atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(res Result, err error) {
	if err != nil {
		s.failures.Add(1)
		return
	}
	switch res.Outcome {
	case OutcomeHit, OutcomeStale, OutcomeFallback, OutcomeOffline:
		s.fromCache.Add(1)
	}

	n := uint64(len(res.Response.Body))
	s.served.Add(1)
	s.respBytes.Add(n)
	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Served    uint64
	FromCache uint64
	Failures  uint64
	MinBytes  uint64
	AvgBytes  uint64
	MaxBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Served:    s.served.Load(),
		FromCache: s.fromCache.Load(),
		Failures:  s.failures.Load(),
	}
	if out.Served == 0 {
		return out
	}
	out.MinBytes = s.minBytes.Load()
	if out.MinBytes == math.MaxUint64 {
		out.MinBytes = 0
	}
	out.MaxBytes = s.maxBytes.Load()
	out.AvgBytes = s.respBytes.Load() / out.Served
	return out
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.logStats()
		}
	}
}

func (w *Worker) logStats() {
	ss := w.stats.Snapshot()
	entries := -1
	if keys, err := w.cache.Keys(); err == nil {
		entries = len(keys)
	}
	ramEntries, ramBytes := w.cache.RAMUsage()
	ev := w.log.Info()
	if rss, ok := processRSS(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.
		Str("state", w.State().String()).
		Str("generation", w.cache.Name()).
		Int("entries", entries).
		Int("ramEntries", ramEntries).
		Str("ram", formatBytes(uint64(ramBytes))).
		Uint64("served", ss.Served).
		Uint64("fromCache", ss.FromCache).
		Uint64("failures", ss.Failures).
		Str("resp", formatBytes(ss.MinBytes)+"/"+formatBytes(ss.AvgBytes)+"/"+formatBytes(ss.MaxBytes)).
		Msg("cache stats")
}

// formatBytes renders b in the largest binary unit that keeps the value at
// least 1, with one decimal at most: "512b", "1.5kb", "2mb".
func formatBytes(b uint64) string {
	units := [...]string{"b", "kb", "mb", "gb"}
	if b < 1024 {
		return strconv.FormatUint(b, 10) + units[0]
	}
	v, i := float64(b), 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0") + units[i]
}
