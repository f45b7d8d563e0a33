package worker

import (
	"fmt"
	"log"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

type statsCollector struct {
	responses atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

// Observe records the size of one response served from or into the cache.
func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.responses.Add(1)
	s.bytes.Add(v)
	for {
		cur := s.minBytes.Load()
		if v >= cur || s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur || s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	Min       uint64
	Avg       uint64
	Max       uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.responses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		Min:       minv,
		Avg:       s.bytes.Load() / count,
		Max:       s.maxBytes.Load(),
	}
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			log.Print(w.statsLine())
		}
	}
}

func (w *Worker) statsLine() string {
	ss := w.stats.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "worker: cached %d, ram %s, disk %s, resp min/avg/max %s/%s/%s",
		w.cachedCount(),
		formatBytes(uint64(w.ram.TotalSize())),
		formatBytes(uint64(w.disk.TotalSize())),
		formatBytes(ss.Min), formatBytes(ss.Avg), formatBytes(ss.Max),
	)
	if rss, ok := processRSSBytes(); ok {
		fmt.Fprintf(&b, ", rss %s", formatBytes(rss))
	}
	if w.pending != nil {
		fmt.Fprintf(&b, ", pending %d", w.pending())
	}
	return b.String()
}

// cachedCount is the size of the union of RAM and disk keys.
func (w *Worker) cachedCount() int {
	ramKeys := w.ram.Keys()
	both := 0
	for _, k := range ramKeys {
		if w.disk.HasKey(w.gen, k) {
			both++
		}
	}
	return len(ramKeys) + w.disk.KeyCount(w.gen) - both
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	}
	return trimFloat(float64(b)/gb) + "gb"
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
