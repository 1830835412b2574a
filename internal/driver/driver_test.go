package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/arkilian/iobench/internal/backend"
	"github.com/arkilian/iobench/internal/backend/posix"
	"github.com/arkilian/iobench/internal/config"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/group"
	"github.com/arkilian/iobench/internal/report"
	"github.com/arkilian/iobench/internal/timing"
	"github.com/arkilian/iobench/pkg/types"
)

// store is shared by every memBackend built from it, standing in for a
// file system shared between ranks.
type store struct {
	mu     sync.Mutex
	chunks map[uint64][]float64
	calls  []string
	sizes  []int
}

func newStore() *store {
	return &store{chunks: make(map[uint64][]float64)}
}

func (s *store) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *store) count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

type memBackend struct{ s *store }

func (m memBackend) Init(context.Context, *backend.Env) error {
	m.s.record("init")
	return nil
}

func (m memBackend) Deinit(context.Context, *backend.Env) error {
	m.s.record("deinit")
	return nil
}

func (m memBackend) CreateDataset(context.Context, *backend.Env) error {
	m.s.record("create_dataset")
	return nil
}

func (m memBackend) OpenDataset(context.Context, *backend.Env) error {
	m.s.record("open_dataset")
	return nil
}

func (m memBackend) WriteChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		m.s.record("write_chunk")
		m.s.mu.Lock()
		defer m.s.mu.Unlock()
		m.s.sizes = append(m.s.sizes, len(buf))
		m.s.chunks[env.GlobalChunk()] = append([]float64(nil), buf...)
		return nil
	})
}

func (m memBackend) ReadChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		m.s.record("read_chunk")
		m.s.mu.Lock()
		defer m.s.mu.Unlock()
		stored, ok := m.s.chunks[env.GlobalChunk()]
		if !ok {
			return fmt.Errorf("chunk %d missing", env.GlobalChunk())
		}
		copy(buf, stored)
		return nil
	})
}

func (m memBackend) Flush(context.Context, *backend.Env) error {
	m.s.record("flush")
	return nil
}

func (m memBackend) CloseDataset(context.Context, *backend.Env) error {
	m.s.record("close_dataset")
	return nil
}

func registryFor(s *store) *backend.Registry {
	r := backend.NewRegistry()
	r.Register("memory", func() backend.Backend { return memBackend{s} }, "mem")
	r.Register(posix.ID, posix.New)
	return r
}

type countingGroup struct {
	group.Group
	mu       sync.Mutex
	barriers int
}

func (c *countingGroup) Barrier(ctx context.Context) error {
	c.mu.Lock()
	c.barriers++
	c.mu.Unlock()
	return c.Group.Barrier(ctx)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func workload(name, impl, ioType, params string, parts ...string) string {
	return fmt.Sprintf(`{"name": %q, "implementation": %q, "filter": "raw", "io_type": %q, "params": %q, "io_participations": %s}`,
		name, impl, ioType, params, quoteAll(parts))
}

func quoteAll(parts []string) string {
	out := "["
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", p)
	}
	return out + "]"
}

func parse(t *testing.T, chunkSize, cpr int, workloads ...string) *config.RunConfig {
	t.Helper()
	doc := fmt.Sprintf(`{"chunk_size_bytes": %d, "chunks_per_rank": %d, "workloads": [`, chunkSize, cpr)
	for i, w := range workloads {
		if i > 0 {
			doc += ","
		}
		doc += w
	}
	doc += "]}"

	cfg, err := config.ParseBytes(".json", []byte(doc))
	if err != nil {
		t.Fatalf("ParseBytes failed: %v", err)
	}
	return cfg
}

func runSolo(t *testing.T, cfg *config.RunConfig, r *backend.Registry, sink report.Sink) ([]report.Row, *countingGroup, error) {
	t.Helper()
	g := &countingGroup{Group: group.Solo()}
	if err := cfg.Bind(g.Rank(), g.Size()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	rows, err := New(cfg, r, g, sink, discard()).Run(context.Background())
	return rows, g, err
}

func TestRun_ScenarioA(t *testing.T) {
	s := newStore()
	cfg := parse(t, 131072, 2, workload("scenario-a", "memory", "write", "none", "independent"))

	var mem report.Memory
	rows, g, err := runSolo(t, cfg, registryFor(s), &mem)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := s.count("write_chunk"); n != 2 {
		t.Errorf("expected 2 write_chunk calls, got %d", n)
	}
	for i, size := range s.sizes {
		if size != 16384 {
			t.Errorf("write %d carried %d elements, want 16384", i, size)
		}
	}
	if n := s.count("flush"); n != 1 {
		t.Errorf("expected 1 flush, got %d", n)
	}
	if g.barriers != 2 {
		t.Errorf("expected 2 barriers, got %d", g.barriers)
	}

	if len(rows) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(rows))
	}
	if len(mem.Rows()) != 6 {
		t.Errorf("sink received %d rows, want 6", len(mem.Rows()))
	}
	if rows[timing.WriteAllChunks].Elapsed < rows[timing.WriteChunk].Elapsed {
		t.Errorf("write_all_chunks %v < write_chunk %v", rows[timing.WriteAllChunks].Elapsed, rows[timing.WriteChunk].Elapsed)
	}
	for _, r := range rows {
		if r.Workload != "scenario-a" || r.NumRanks != 1 || r.ChunksPerRank != 2 || r.ChunkSizeBytes != 131072 {
			t.Errorf("unexpected row labels: %+v", r)
		}
	}
	if rows[timing.WriteChunk].Calls != 2 {
		t.Errorf("write_chunk calls = %d, want 2", rows[timing.WriteChunk].Calls)
	}
}

func TestRun_ScenarioB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.dat")
	params := "path=" + path

	write := parse(t, 131072, 2, workload("a", "posix", "write", params, "independent"))
	if _, _, err := runSolo(t, write, registryFor(newStore()), nil); err != nil {
		t.Fatalf("write run failed: %v", err)
	}

	read := parse(t, 131072, 2, workload("b", "posix", "read", params, "independent"))
	rows, _, err := runSolo(t, read, registryFor(newStore()), nil)
	if err != nil {
		t.Fatalf("read run failed: %v", err)
	}
	if len(rows) != 6 {
		t.Errorf("expected 6 rows, got %d", len(rows))
	}

	// flip the top exponent bit of the second chunk's first element
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	var b [1]byte
	off := int64(131072)
	if _, err := f.ReadAt(b[:], off+7); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	b[0] ^= 0x40
	if _, err := f.WriteAt(b[:], off+7); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Close()

	read = parse(t, 131072, 2, workload("b", "posix", "read", params, "independent"))
	var mem report.Memory
	_, _, err = runSolo(t, read, registryFor(newStore()), &mem)
	if benchErrors.GetCategory(err) != benchErrors.ErrCategoryIntegrity {
		t.Fatalf("expected INTEGRITY error, got %v", err)
	}
	if benchErrors.GetPhase(err) != "validate" {
		t.Errorf("phase = %q, want validate", benchErrors.GetPhase(err))
	}
	if len(mem.Rows()) != 0 {
		t.Errorf("failing iteration produced %d rows", len(mem.Rows()))
	}
}

func TestRun_ScenarioC(t *testing.T) {
	s := newStore()
	cfg := parse(t, 2048, 2,
		workload("ok", "memory", "write", "none", "independent"),
		workload("bad", "no-such-backend", "write", "none", "independent"),
	)

	_, _, err := runSolo(t, cfg, registryFor(s), nil)
	if benchErrors.GetCategory(err) != benchErrors.ErrCategoryResolution {
		t.Fatalf("expected RESOLUTION error, got %v", err)
	}
	if benchErrors.GetCode(err) != benchErrors.CodeUnknownBackend {
		t.Errorf("code = %s, want %s", benchErrors.GetCode(err), benchErrors.CodeUnknownBackend)
	}
	if benchErrors.GetPhase(err) != PhaseResolve {
		t.Errorf("phase = %q, want %q", benchErrors.GetPhase(err), PhaseResolve)
	}
	if len(s.calls) != 0 {
		t.Errorf("backend was called before resolution finished: %v", s.calls)
	}
}

func TestPlan_Errors(t *testing.T) {
	tests := []struct {
		name     string
		workload string
		category benchErrors.ErrorCategory
		code     string
	}{
		{
			name:     "unknown filter",
			workload: `{"name": "w", "implementation": "memory", "filter": "gzip", "io_type": "write", "params": "", "io_participations": ["independent"]}`,
			category: benchErrors.ErrCategoryResolution,
			code:     benchErrors.CodeUnknownFilter,
		},
		{
			name:     "unknown io_type",
			workload: workload("w", "memory", "append", "", "independent"),
			category: benchErrors.ErrCategoryConfig,
			code:     benchErrors.CodeInvalidValue,
		},
		{
			name:     "malformed params",
			workload: workload("w", "memory", "write", "path", "independent"),
			category: benchErrors.ErrCategoryConfig,
			code:     benchErrors.CodeInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			_, _, err := runSolo(t, parse(t, 2048, 1, tt.workload), registryFor(s), nil)
			if benchErrors.GetCategory(err) != tt.category {
				t.Fatalf("category = %s, want %s (err: %v)", benchErrors.GetCategory(err), tt.category, err)
			}
			if benchErrors.GetCode(err) != tt.code {
				t.Errorf("code = %s, want %s", benchErrors.GetCode(err), tt.code)
			}
			if len(s.calls) != 0 {
				t.Errorf("backend called: %v", s.calls)
			}
		})
	}
}

func TestPlan_ExpandsParticipations(t *testing.T) {
	cfg := parse(t, 2048, 1,
		workload("first", "mem", "write", "none", "independent", "collective"),
		workload("second", "memory", "read", "none", "collective"),
	)
	if err := cfg.Bind(0, 1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	steps, err := New(cfg, registryFor(newStore()), group.Solo(), nil, discard()).Plan()
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	want := []struct {
		workload string
		part     types.Participation
		dir      types.IODirection
	}{
		{"first", types.Independent, types.DirectionWrite},
		{"first", types.Collective, types.DirectionWrite},
		{"second", types.Collective, types.DirectionRead},
	}
	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(steps))
	}
	for i, w := range want {
		it := steps[i].Iteration
		if it.Index != i || it.Workload != w.workload || it.Participation != w.part || it.Direction != w.dir {
			t.Errorf("step %d = %+v", i, it)
		}
		if it.BackendID != "memory" {
			t.Errorf("step %d backend = %q, want memory", i, it.BackendID)
		}
		if it.ElementsPerDim != 16 || it.TotalBytes != 2048 {
			t.Errorf("step %d geometry = %d/%d", i, it.ElementsPerDim, it.TotalBytes)
		}
	}
}

func TestRun_TimersResetPerIteration(t *testing.T) {
	s := newStore()
	cfg := parse(t, 2048, 3,
		workload("w", "memory", "write", "none", "independent", "collective"),
		workload("r", "memory", "read", "none", "independent"),
	)

	rows, g, err := runSolo(t, cfg, registryFor(s), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rows) != 18 {
		t.Fatalf("expected 18 rows, got %d", len(rows))
	}

	for iter := 0; iter < 3; iter++ {
		block := rows[iter*6 : (iter+1)*6]
		for _, r := range block {
			if r.Iteration != iter {
				t.Errorf("row %+v in block %d", r, iter)
			}
		}
		wantWrite, wantRead := 3, 0
		if iter == 2 {
			wantWrite, wantRead = 0, 3
		}
		if block[timing.WriteChunk].Calls != wantWrite || block[timing.ReadChunk].Calls != wantRead {
			t.Errorf("iteration %d calls = %d/%d, want %d/%d", iter,
				block[timing.WriteChunk].Calls, block[timing.ReadChunk].Calls, wantWrite, wantRead)
		}
	}

	// engine: 2 per iteration, collective: 2 per chunk, none from the driver on one rank
	if want := 3*2 + 3*2; g.barriers != want {
		t.Errorf("barriers = %d, want %d", g.barriers, want)
	}
}

func TestRun_MultiRank(t *testing.T) {
	const ranks = 3
	s := newStore()
	l, err := group.NewLocal(ranks)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	cfgs := make([]*config.RunConfig, ranks)
	for r := range cfgs {
		cfgs[r] = parse(t, 2048, 2,
			workload("w", "memory", "write", "none", "collective", "independent"),
			workload("r", "memory", "read", "none", "independent"),
		)
	}

	var mem report.Memory
	errs := make([]error, ranks)
	var wg sync.WaitGroup
	for r := 0; r < ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			cfg := cfgs[r]
			member := l.Member(r)
			if err := cfg.Bind(member.Rank(), member.Size()); err != nil {
				errs[r] = err
				return
			}
			sink := report.Discard
			if r == 0 {
				sink = &mem
			}
			_, errs[r] = New(cfg, registryFor(s), member, sink, discard(), WithRunID("test-run")).Run(context.Background())
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			t.Errorf("rank %d failed: %v", r, err)
		}
	}
	if n := s.count("write_chunk"); n != 2*ranks*2 {
		t.Errorf("write_chunk calls = %d, want %d", n, 2*ranks*2)
	}
	if len(s.chunks) != ranks*2 {
		t.Errorf("stored chunks = %d, want %d", len(s.chunks), ranks*2)
	}
	if len(mem.Rows()) != 18 {
		t.Errorf("rank 0 reported %d rows, want 18", len(mem.Rows()))
	}
	for _, r := range mem.Rows() {
		if r.NumRanks != ranks {
			t.Errorf("row num_ranks = %d", r.NumRanks)
		}
	}
}

func TestRun_SinkFailure(t *testing.T) {
	cfg := parse(t, 2048, 1, workload("w", "memory", "write", "none", "independent"))
	_, _, err := runSolo(t, cfg, registryFor(newStore()), failingSink{})
	if benchErrors.GetCategory(err) != benchErrors.ErrCategoryInternal {
		t.Fatalf("expected INTERNAL error, got %v", err)
	}
	if benchErrors.GetPhase(err) != PhaseReport {
		t.Errorf("phase = %q, want %q", benchErrors.GetPhase(err), PhaseReport)
	}
}

type failingSink struct{}

func (failingSink) Append([]report.Row) error { return fmt.Errorf("disk full") }
func (failingSink) Close() error              { return nil }

func TestRun_RowSecondsAreFinite(t *testing.T) {
	cfg := parse(t, 2048, 2, workload("w", "memory", "write", "none", "independent"))
	rows, _, err := runSolo(t, cfg, registryFor(newStore()), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, r := range rows {
		if math.IsNaN(r.SecondsPerChunk()) || r.Seconds() < 0 {
			t.Errorf("row %s has invalid timing %v", r.Timer, r.Elapsed)
		}
	}
}
