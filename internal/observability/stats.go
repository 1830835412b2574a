package observability

import (
	"sort"
	"sync"

	"github.com/arkilian/iobench/internal/report"
)

// TimerStats aggregates one timer slot per backend over every iteration
// of a run.
type TimerStats struct {
	mu    sync.RWMutex
	slots map[string]map[string]*BackendStats // timer -> backend -> stats
}

// BackendStats holds the aggregate for one backend and timer.
type BackendStats struct {
	Backend    string
	Timer      string
	Iterations int
	Seconds    float64
	Chunks     uint64

	// Worst is the iteration with the highest per-chunk time.
	Worst        int
	WorstSeconds float64
}

// SecondsPerChunk averages the aggregate over every chunk transferred.
func (s BackendStats) SecondsPerChunk() float64 {
	if s.Chunks == 0 {
		return 0
	}
	return s.Seconds / float64(s.Chunks)
}

// NewTimerStats creates an empty aggregate.
func NewTimerStats() *TimerStats {
	return &TimerStats{slots: make(map[string]map[string]*BackendStats)}
}

// Append records rows. TimerStats is a report.Sink.
func (q *TimerStats) Append(rows []report.Row) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range rows {
		byBackend, ok := q.slots[r.Timer]
		if !ok {
			byBackend = make(map[string]*BackendStats)
			q.slots[r.Timer] = byBackend
		}
		stats, ok := byBackend[r.Backend]
		if !ok {
			stats = &BackendStats{Backend: r.Backend, Timer: r.Timer, Worst: -1}
			byBackend[r.Backend] = stats
		}

		stats.Iterations++
		stats.Seconds += r.Seconds()
		stats.Chunks += r.ChunksPerRank
		if per := r.SecondsPerChunk(); stats.Worst < 0 || per > stats.WorstSeconds {
			stats.Worst, stats.WorstSeconds = r.Iteration, per
		}
	}
	return nil
}

func (q *TimerStats) Close() error { return nil }

// Slowest returns up to n backends for timer, ordered by per-chunk time,
// slowest first.
func (q *TimerStats) Slowest(timer string, n int) []BackendStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	byBackend := q.slots[timer]
	if n <= 0 || len(byBackend) == 0 {
		return []BackendStats{}
	}

	stats := make([]BackendStats, 0, len(byBackend))
	for _, s := range byBackend {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SecondsPerChunk() != stats[j].SecondsPerChunk() {
			return stats[i].SecondsPerChunk() > stats[j].SecondsPerChunk()
		}
		return stats[i].Backend < stats[j].Backend
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Timers lists every timer seen so far, sorted.
func (q *TimerStats) Timers() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	timers := make([]string, 0, len(q.slots))
	for t := range q.slots {
		timers = append(timers, t)
	}
	sort.Strings(timers)
	return timers
}
