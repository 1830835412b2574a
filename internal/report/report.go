// Package report turns drained timer slots into result rows and writes
// them out.
package report

import (
	"sync"
	"time"

	"github.com/arkilian/iobench/internal/timing"
	"github.com/arkilian/iobench/pkg/types"
)

// Row is one timer slot of one executed iteration.
type Row struct {
	Iteration      int
	Workload       string
	Backend        string
	ChunksPerRank  uint64
	NumRanks       int
	Timer          string
	Elapsed        time.Duration
	Calls          int
	ChunkSizeBytes uint64
	Participation  types.Participation
	Filter         types.Filter
}

// Seconds is the accumulated slot time in seconds.
func (r Row) Seconds() float64 {
	return r.Elapsed.Seconds()
}

// SecondsPerChunk is the accumulated time divided by chunks per rank.
func (r Row) SecondsPerChunk() float64 {
	if r.ChunksPerRank == 0 {
		return 0
	}
	return r.Seconds() / float64(r.ChunksPerRank)
}

// Labels identify the iteration a row belongs to.
type Labels struct {
	Iteration      int
	Workload       string
	Backend        string
	ChunksPerRank  uint64
	NumRanks       int
	ChunkSizeBytes uint64
	Participation  types.Participation
	Filter         types.Filter
}

// Rows builds one row per timer slot, in slot order.
func Rows(l Labels, results []timing.Result) []Row {
	rows := make([]Row, 0, len(results))
	for _, res := range results {
		rows = append(rows, Row{
			Iteration:      l.Iteration,
			Workload:       l.Workload,
			Backend:        l.Backend,
			ChunksPerRank:  l.ChunksPerRank,
			NumRanks:       l.NumRanks,
			Timer:          res.Slot.String(),
			Elapsed:        res.Elapsed,
			Calls:          res.Calls,
			ChunkSizeBytes: l.ChunkSizeBytes,
			Participation:  l.Participation,
			Filter:         l.Filter,
		})
	}
	return rows
}

// Sink receives the rows of each completed iteration.
type Sink interface {
	Append(rows []Row) error
	Close() error
}

// Memory keeps rows in memory.
type Memory struct {
	mu   sync.Mutex
	rows []Row
}

func (m *Memory) Append(rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *Memory) Close() error { return nil }

// Rows returns a copy of every row appended so far.
func (m *Memory) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Row(nil), m.rows...)
}

// Discard drops every row. Ranks other than 0 report into it.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append([]Row) error { return nil }
func (discard) Close() error       { return nil }

// Tee fans rows out to several sinks, stopping at the first failure.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) Append(rows []Row) error {
	for _, s := range t {
		if err := s.Append(rows); err != nil {
			return err
		}
	}
	return nil
}

func (t tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
