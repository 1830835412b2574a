package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/arkilian/iobench/internal/report"
)

func TestTimerStats_SlowestOrdering(t *testing.T) {
	s := NewTimerStats()
	s.Append([]report.Row{
		row(0, "posix", "write_chunk", 4*time.Second),
		row(1, "sqlite", "write_chunk", 8*time.Second),
		row(2, "object", "write_chunk", 2*time.Second),
		row(3, "posix", "write_chunk", 8*time.Second),
	})

	top := s.Slowest("write_chunk", 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(top))
	}
	// posix averages 12s over 8 chunks, sqlite 8s over 4
	if top[0].Backend != "sqlite" || top[1].Backend != "posix" {
		t.Errorf("order = %s, %s", top[0].Backend, top[1].Backend)
	}
	if top[1].Iterations != 2 || top[1].Chunks != 8 {
		t.Errorf("posix aggregate = %+v", top[1])
	}
	if top[1].Worst != 3 || top[1].WorstSeconds != 2 {
		t.Errorf("posix worst = %d (%v), want 3 (2)", top[1].Worst, top[1].WorstSeconds)
	}
}

func TestTimerStats_Empty(t *testing.T) {
	s := NewTimerStats()
	if got := s.Slowest("read_chunk", 3); len(got) != 0 {
		t.Errorf("expected no entries, got %v", got)
	}
	s.Append([]report.Row{row(0, "posix", "read_chunk", time.Second)})
	if got := s.Slowest("read_chunk", 0); len(got) != 0 {
		t.Errorf("expected no entries for n=0, got %v", got)
	}
	if got := s.Timers(); len(got) != 1 || got[0] != "read_chunk" {
		t.Errorf("Timers() = %v", got)
	}
}

func TestTimerStats_Concurrent(t *testing.T) {
	s := NewTimerStats()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Append([]report.Row{row(i, "posix", "write_chunk", time.Millisecond)})
			}
		}(i)
	}
	wg.Wait()

	top := s.Slowest("write_chunk", 1)
	if len(top) != 1 || top[0].Iterations != 1000 {
		t.Errorf("expected 1000 iterations, got %+v", top)
	}
}
