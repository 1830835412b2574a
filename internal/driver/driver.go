// Package driver expands a run configuration into iterations and runs
// them one after another through the engine.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arkilian/iobench/internal/backend"
	"github.com/arkilian/iobench/internal/config"
	"github.com/arkilian/iobench/internal/engine"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/group"
	"github.com/arkilian/iobench/internal/report"
	"github.com/arkilian/iobench/internal/timing"
	"github.com/arkilian/iobench/pkg/types"
)

// Phases owned by the driver rather than the engine.
const (
	PhaseResolve = "resolve"
	PhaseBarrier = "iteration_barrier"
	PhaseReport  = "report"
)

// Step is one planned iteration.
type Step struct {
	Workload  *config.WorkloadSpec
	Iteration backend.Iteration
}

// Driver runs a bound configuration on one rank.
type Driver struct {
	cfg      *config.RunConfig
	registry *backend.Registry
	group    group.Group
	sink     report.Sink
	timers   *timing.Context
	engine   *engine.Engine
	logger   *slog.Logger
	runID    string
}

// Option configures a Driver.
type Option func(*Driver)

// WithTimers makes the driver record into timers instead of a fresh context.
func WithTimers(timers *timing.Context) Option {
	return func(d *Driver) { d.timers = timers }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(d *Driver) { d.runID = id }
}

// New creates a driver. cfg must already be bound to g's rank and size.
func New(cfg *config.RunConfig, registry *backend.Registry, g group.Group, sink report.Sink, logger *slog.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = report.Discard
	}
	d := &Driver{
		cfg:      cfg,
		registry: registry,
		group:    g,
		sink:     sink,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.timers == nil {
		d.timers = timing.New()
	}
	if d.runID == "" {
		d.runID = uuid.NewString()
	}
	d.engine = engine.New(d.timers, logger)
	return d
}

// RunID identifies this run in logs.
func (d *Driver) RunID() string { return d.runID }

// Plan resolves every workload and expands it into one step per
// participation mode, in config order. Nothing is executed.
func (d *Driver) Plan() ([]Step, error) {
	var steps []Step
	for i := range d.cfg.Workloads {
		w := &d.cfg.Workloads[i]

		id, err := d.registry.Resolve(w.Implementation)
		if err != nil {
			return nil, d.planError(w, err)
		}
		f, err := types.ParseFilter(w.Filter)
		if err != nil {
			return nil, d.planError(w, benchErrors.NewResolutionError(benchErrors.CodeUnknownFilter, err.Error()))
		}
		dir, err := types.ParseDirection(w.IOType)
		if err != nil {
			return nil, d.planError(w, benchErrors.NewConfigError(benchErrors.CodeInvalidValue, err.Error()))
		}
		params, err := backend.ParseParams(w.Params)
		if err != nil {
			return nil, d.planError(w, err)
		}

		for _, p := range w.Participations {
			steps = append(steps, Step{
				Workload: w,
				Iteration: backend.Iteration{
					Index:          len(steps),
					Workload:       w.Name,
					BackendID:      id,
					Direction:      dir,
					Participation:  p,
					Filter:         f,
					Params:         params,
					ElementsPerDim: d.cfg.ElementsPerDim,
					ChunkElements:  d.cfg.ChunkElements(),
					TotalBytes:     d.cfg.TotalBytes(),
				},
			})
		}
	}
	return steps, nil
}

func (d *Driver) planError(w *config.WorkloadSpec, err error) error {
	var be *benchErrors.BenchError
	if !errors.As(err, &be) {
		be = benchErrors.NewInternalError("planning failed", err)
	}
	return be.WithDetails(map[string]interface{}{"workload": w.Name}).At(d.cfg.MyRank, PhaseResolve)
}

// Run plans the configuration and executes every step. After each step
// the ranks synchronize before its rows are reported, so no rank starts the
// next step early and a step that failed on any rank reports nothing. Rows
// of completed steps are appended to the sink as they finish; on failure
// the rows produced so far are returned with the error.
func (d *Driver) Run(ctx context.Context) ([]report.Row, error) {
	steps, err := d.Plan()
	if err != nil {
		return nil, err
	}

	var rows []report.Row
	for _, step := range steps {
		stepRows, err := d.runStep(ctx, step)
		if err != nil {
			return rows, err
		}
		rows = append(rows, stepRows...)
	}

	d.logger.Info("run complete", "run_id", d.runID, "iterations", len(steps), "rows", len(rows))
	return rows, nil
}

func (d *Driver) runStep(ctx context.Context, step Step) ([]report.Row, error) {
	it := step.Iteration
	d.logger.Info("iteration starting",
		"run_id", d.runID,
		"iteration", it.Index,
		"workload", it.Workload,
		"backend", it.BackendID,
		"direction", it.Direction,
		"participation", it.Participation,
		"filter", it.Filter,
		"elements_per_dim", it.ElementsPerDim,
		"chunk_bytes", d.cfg.RealizedChunkBytes(),
		"chunks_per_rank", d.cfg.ChunksPerRank,
		"total_bytes", it.TotalBytes,
		"ranks", d.cfg.NumRanks,
	)

	b, err := d.registry.Instance(it.BackendID)
	if err != nil {
		return nil, d.planError(step.Workload, err)
	}

	env := &backend.Env{
		Config:    d.cfg,
		Workload:  step.Workload,
		Iteration: it,
		Group:     d.group,
		Logger:    d.logger.With("backend", it.BackendID),
	}

	d.timers.Reset()
	if err := d.engine.Execute(ctx, b, env); err != nil {
		return nil, err
	}
	// a lone rank has no peer that could still fail the step
	if d.group.Size() > 1 {
		if err := d.group.Barrier(ctx); err != nil {
			return nil, d.barrierError(err)
		}
	}

	rows := report.Rows(report.Labels{
		Iteration:      it.Index,
		Workload:       it.Workload,
		Backend:        it.BackendID,
		ChunksPerRank:  d.cfg.ChunksPerRank,
		NumRanks:       d.cfg.NumRanks,
		ChunkSizeBytes: d.cfg.ChunkSizeBytes,
		Participation:  it.Participation,
		Filter:         it.Filter,
	}, d.timers.Snapshot())
	d.timers.Reset()

	if err := d.sink.Append(rows); err != nil {
		return nil, benchErrors.NewInternalError("failed to append report rows", err).At(d.cfg.MyRank, PhaseReport)
	}

	d.logger.Info("iteration complete",
		"run_id", d.runID,
		"iteration", it.Index,
		"write_all_chunks_s", rows[timing.WriteAllChunks].Seconds(),
		"read_all_chunks_s", rows[timing.ReadAllChunks].Seconds(),
	)
	return rows, nil
}

func (d *Driver) barrierError(err error) error {
	if errors.Is(err, group.ErrAborted) {
		return benchErrors.Wrap(benchErrors.ErrCategoryInternal, benchErrors.CodeAborted,
			"process group aborted by a peer", err).At(d.cfg.MyRank, PhaseBarrier)
	}
	return benchErrors.NewInternalError(fmt.Sprintf("barrier failed on rank %d", d.cfg.MyRank), err).At(d.cfg.MyRank, PhaseBarrier)
}
