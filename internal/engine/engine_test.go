package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/arkilian/iobench/internal/backend"
	"github.com/arkilian/iobench/internal/config"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/group"
	"github.com/arkilian/iobench/internal/timing"
	"github.com/arkilian/iobench/pkg/types"
)

// memoryBackend stores chunks by global index and records every call.
type memoryBackend struct {
	mu     sync.Mutex
	chunks map[uint64][]float64
	calls  []string
	sizes  []int
	caps   *backend.Capabilities
	failOn string
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{chunks: make(map[uint64][]float64)}
}

func (m *memoryBackend) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if call == m.failOn {
		return errors.New("injected failure")
	}
	return nil
}

func (m *memoryBackend) Capabilities() backend.Capabilities {
	if m.caps != nil {
		return *m.caps
	}
	return backend.Capabilities{Collective: true, Filters: types.AllFilters()}
}

func (m *memoryBackend) Init(context.Context, *backend.Env) error   { return m.record("init") }
func (m *memoryBackend) Deinit(context.Context, *backend.Env) error { return m.record("deinit") }
func (m *memoryBackend) CreateDataset(context.Context, *backend.Env) error {
	return m.record("create_dataset")
}
func (m *memoryBackend) OpenDataset(context.Context, *backend.Env) error {
	return m.record("open_dataset")
}
func (m *memoryBackend) Flush(context.Context, *backend.Env) error { return m.record("flush") }
func (m *memoryBackend) CloseDataset(context.Context, *backend.Env) error {
	return m.record("close_dataset")
}

func (m *memoryBackend) WriteChunk(_ context.Context, env *backend.Env, buf []float64) error {
	if err := m.record("write_chunk"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, len(buf))
	m.chunks[env.GlobalChunk()] = append([]float64(nil), buf...)
	return nil
}

func (m *memoryBackend) ReadChunk(_ context.Context, env *backend.Env, buf []float64) error {
	if err := m.record("read_chunk"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, len(buf))
	copy(buf, m.chunks[env.GlobalChunk()])
	return nil
}

// countingGroup is a single-member group that counts barriers.
type countingGroup struct {
	group.Group
	barriers int
}

func (c *countingGroup) Barrier(ctx context.Context) error {
	c.barriers++
	return c.Group.Barrier(ctx)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scenarioEnv(t *testing.T, dir types.IODirection, part types.Participation, g group.Group) *backend.Env {
	t.Helper()
	cfg := &config.RunConfig{
		ChunkSizeBytes: 131072,
		ChunksPerRank:  2,
		ElementsPerDim: config.ElementsPerDim(131072),
		ValidateRead:   true,
	}
	if err := cfg.Bind(g.Rank(), g.Size()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	return &backend.Env{
		Config: cfg,
		Group:  g,
		Logger: discard(),
		Iteration: backend.Iteration{
			Workload:      "scenario",
			BackendID:     "memory",
			Direction:     dir,
			Participation: part,
			Filter:        types.FilterRaw,
			Params:        backend.Params{},
		},
	}
}

func equalCalls(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecute_WriteScenario(t *testing.T) {
	mem := newMemoryBackend()
	g := &countingGroup{Group: group.Solo()}
	timers := timing.New()
	env := scenarioEnv(t, types.DirectionWrite, types.Independent, g)

	if err := New(timers, discard()).Execute(context.Background(), mem, env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []string{"init", "create_dataset", "write_chunk", "write_chunk", "flush", "close_dataset", "deinit"}
	if !equalCalls(mem.calls, want) {
		t.Errorf("calls = %v, want %v", mem.calls, want)
	}
	for i, n := range mem.sizes {
		if n != 16384 {
			t.Errorf("write %d: %d elements, want 16384", i, n)
		}
	}
	if g.barriers != 2 {
		t.Errorf("barriers = %d, want 2", g.barriers)
	}
	if timers.Calls(timing.WriteChunk) != 2 || timers.Calls(timing.WriteFlush) != 1 || timers.Calls(timing.WriteAllChunks) != 1 {
		t.Errorf("unexpected timer calls: %+v", timers.Snapshot())
	}
	if timers.Elapsed(timing.WriteAllChunks) < timers.Elapsed(timing.WriteChunk) {
		t.Errorf("WriteAllChunks %v < WriteChunk %v", timers.Elapsed(timing.WriteAllChunks), timers.Elapsed(timing.WriteChunk))
	}
	if timers.Calls(timing.ReadChunk) != 0 {
		t.Error("read slots should be untouched by a write iteration")
	}
}

func TestExecute_ReadValidatesAndDetectsCorruption(t *testing.T) {
	mem := newMemoryBackend()
	ctx := context.Background()

	if err := New(timing.New(), discard()).Execute(ctx, mem, scenarioEnv(t, types.DirectionWrite, types.Independent, group.Solo())); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	timers := timing.New()
	mem.calls = nil
	if err := New(timers, discard()).Execute(ctx, mem, scenarioEnv(t, types.DirectionRead, types.Independent, group.Solo())); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := []string{"init", "open_dataset", "read_chunk", "read_chunk", "flush", "close_dataset", "deinit"}
	if !equalCalls(mem.calls, want) {
		t.Errorf("calls = %v, want %v", mem.calls, want)
	}
	if timers.Calls(timing.ReadChunk) != 2 || timers.Calls(timing.ReadAllChunks) != 1 {
		t.Errorf("unexpected timer calls: %+v", timers.Snapshot())
	}

	// flip one exponent bit of chunk 1, element 0
	bits := math.Float64bits(mem.chunks[1][0])
	mem.chunks[1][0] = math.Float64frombits(bits ^ (0x40 << 56))

	err := New(timing.New(), discard()).Execute(ctx, mem, scenarioEnv(t, types.DirectionRead, types.Independent, group.Solo()))
	if benchErrors.GetCategory(err) != benchErrors.ErrCategoryIntegrity {
		t.Fatalf("expected INTEGRITY error, got %v", err)
	}
	if benchErrors.GetPhase(err) != string(PhaseValidate) || benchErrors.GetRank(err) != 0 {
		t.Errorf("error should name rank 0 and validate phase: %v", err)
	}
}

func TestExecute_ValidationDisabled(t *testing.T) {
	mem := newMemoryBackend()
	env := scenarioEnv(t, types.DirectionRead, types.Independent, group.Solo())
	env.Config.ValidateRead = false

	// nothing was written, so every element stays at FillValue
	if err := New(timing.New(), discard()).Execute(context.Background(), mem, env); err != nil {
		t.Fatalf("read without validation failed: %v", err)
	}
}

func TestExecute_UnreadChunkFailsValidation(t *testing.T) {
	mem := newMemoryBackend()
	env := scenarioEnv(t, types.DirectionRead, types.Independent, group.Solo())
	err := New(timing.New(), discard()).Execute(context.Background(), mem, env)
	if benchErrors.GetCategory(err) != benchErrors.ErrCategoryIntegrity {
		t.Errorf("expected INTEGRITY error for never-written data, got %v", err)
	}
}

func TestExecute_Prechecks(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*backend.Env, *memoryBackend)
	}{
		{"bad direction", func(env *backend.Env, _ *memoryBackend) { env.Iteration.Direction = "append" }},
		{"collective unsupported", func(env *backend.Env, m *memoryBackend) {
			env.Iteration.Participation = types.Collective
			m.caps = &backend.Capabilities{Filters: types.AllFilters()}
		}},
		{"filter unsupported", func(env *backend.Env, m *memoryBackend) {
			env.Iteration.Filter = types.FilterCompressLossy
			m.caps = &backend.Capabilities{Collective: true, Filters: []types.Filter{types.FilterRaw}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemoryBackend()
			env := scenarioEnv(t, types.DirectionWrite, types.Independent, group.Solo())
			tt.setup(env, mem)

			err := New(timing.New(), discard()).Execute(context.Background(), mem, env)
			if benchErrors.GetCategory(err) != benchErrors.ErrCategoryConfig {
				t.Errorf("expected CONFIG error, got %v", err)
			}
			if len(mem.calls) != 0 {
				t.Errorf("no backend call expected before prechecks pass, got %v", mem.calls)
			}
		})
	}
}

func TestExecute_BackendFailure(t *testing.T) {
	mem := newMemoryBackend()
	mem.failOn = "write_chunk"
	env := scenarioEnv(t, types.DirectionWrite, types.Independent, group.Solo())

	err := New(timing.New(), discard()).Execute(context.Background(), mem, env)
	if benchErrors.GetCategory(err) != benchErrors.ErrCategoryBackend {
		t.Fatalf("expected BACKEND error, got %v", err)
	}
	if benchErrors.GetPhase(err) != string(PhaseWriteLoop) {
		t.Errorf("phase = %q, want write_loop", benchErrors.GetPhase(err))
	}
	if got := len(mem.calls); got != 3 {
		t.Errorf("engine should stop at the first failure, calls = %v", mem.calls)
	}
}

func TestExecute_MultiRankCollective(t *testing.T) {
	const size = 3
	l, _ := group.NewLocal(size)
	mem := newMemoryBackend()

	run := func(dir types.IODirection) {
		var wg sync.WaitGroup
		for r := 0; r < size; r++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				env := scenarioEnv(t, dir, types.Collective, l.Member(r))
				if err := New(timing.New(), discard()).Execute(context.Background(), mem, env); err != nil {
					t.Errorf("rank %d %s: %v", r, dir, err)
				}
			}(r)
		}
		wg.Wait()
	}

	run(types.DirectionWrite)
	if len(mem.chunks) != size*2 {
		t.Errorf("expected %d distinct chunks, got %d", size*2, len(mem.chunks))
	}
	run(types.DirectionRead)
}

func TestExecute_AbortedPeer(t *testing.T) {
	l, _ := group.NewLocal(2)
	l.Member(1).Abort(context.Background(), "peer failed")

	env := scenarioEnv(t, types.DirectionWrite, types.Independent, l.Member(0))
	err := New(timing.New(), discard()).Execute(context.Background(), newMemoryBackend(), env)
	if benchErrors.GetCode(err) != benchErrors.CodeAborted {
		t.Errorf("expected ABORTED, got %v", err)
	}
}

func TestExecute_CoordinatorGone(t *testing.T) {
	root, err := group.Join(0, 2, "127.0.0.1:0", discard())
	if err != nil {
		t.Fatalf("Join rank 0 failed: %v", err)
	}
	addr := root.Addr()
	root.Close()

	peer, err := group.Join(1, 2, addr, discard(), group.WithStartupTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Join rank 1 failed: %v", err)
	}
	defer peer.Close()

	env := scenarioEnv(t, types.DirectionWrite, types.Collective, peer)
	err = New(timing.New(), discard()).Execute(context.Background(), newMemoryBackend(), env)
	if benchErrors.GetCategory(err) != benchErrors.ErrCategoryInternal || benchErrors.GetCode(err) != benchErrors.CodeAborted {
		t.Errorf("expected INTERNAL/ABORTED, got %v", err)
	}
}

func TestFillChunk_Deterministic(t *testing.T) {
	a := make([]float64, 64)
	b := make([]float64, 64)
	FillChunk(a)
	FillChunk(b)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("element %d differs: %v vs %v", i, a[i], b[i])
		}
		if a[i] < 0 || a[i] >= 1 {
			t.Fatalf("element %d out of [0,1): %v", i, a[i])
		}
	}
}

func TestValidate_ToleranceAndNaN(t *testing.T) {
	buf := make([]float64, 8)
	FillChunk(buf)
	buf[3] += Tolerance / 2
	if err := Validate(buf, 8); err != nil {
		t.Errorf("within tolerance should pass: %v", err)
	}
	buf[3] = math.NaN()
	if err := Validate(buf, 8); benchErrors.GetCategory(err) != benchErrors.ErrCategoryIntegrity {
		t.Errorf("NaN should fail validation, got %v", err)
	}
}

// slowBackend sleeps inside each chunk so timer ordering is observable.
type slowBackend struct{ *memoryBackend }

func (s slowBackend) WriteChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	time.Sleep(time.Millisecond)
	return s.memoryBackend.WriteChunk(ctx, env, buf)
}

func TestExecute_AllChunksCoversChunks(t *testing.T) {
	timers := timing.New()
	env := scenarioEnv(t, types.DirectionWrite, types.Independent, group.Solo())
	if err := New(timers, discard()).Execute(context.Background(), slowBackend{newMemoryBackend()}, env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if timers.Elapsed(timing.WriteChunk) < 2*time.Millisecond {
		t.Errorf("WriteChunk = %v, want >= 2ms", timers.Elapsed(timing.WriteChunk))
	}
	if timers.Elapsed(timing.WriteAllChunks) < timers.Elapsed(timing.WriteChunk)+timers.Elapsed(timing.WriteFlush) {
		t.Error("WriteAllChunks should cover the chunk loop and the flush")
	}
}
