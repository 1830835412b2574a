package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arkilian/iobench/internal/report"
	"github.com/arkilian/iobench/pkg/types"
)

func row(iter int, backend, timer string, elapsed time.Duration) report.Row {
	return report.Row{
		Iteration:      iter,
		Workload:       "w" + backend,
		Backend:        backend,
		ChunksPerRank:  4,
		NumRanks:       1,
		Timer:          timer,
		Elapsed:        elapsed,
		Calls:          4,
		ChunkSizeBytes: 2048,
		Participation:  types.Independent,
		Filter:         types.FilterRaw,
	}
}

func TestTextfile_WritesGauges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iobench.prom")
	tf := NewTextfile(path)

	rows := []report.Row{
		row(0, "posix", "write_chunk", 2*time.Second),
		row(0, "posix", "write_all_chunks", 3*time.Second),
	}
	if err := tf.Append(rows); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got := testutil.ToFloat64(tf.seconds.WithLabelValues("wposix", "write_all_chunks", "independent", "raw", "0"))
	if got != 3 {
		t.Errorf("timer_seconds = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(tf.seconds); n != 2 {
		t.Errorf("expected 2 series, got %d", n)
	}

	if err := tf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for _, want := range []string{
		"# TYPE iobench_timer_seconds gauge",
		`iobench_timer_seconds{filter="raw",iteration="0",participation="independent",timer="write_chunk",workload="wposix"} 2`,
		"iobench_chunk_size_bytes",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}

func TestTextfile_UnwritablePath(t *testing.T) {
	tf := NewTextfile(filepath.Join(t.TempDir(), "missing", "iobench.prom"))
	if err := tf.Close(); err == nil {
		t.Fatal("expected error writing to a missing directory")
	}
}
