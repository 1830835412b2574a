// Package app wires a benchmark run together: process group, backends,
// report sinks and the run driver.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/arkilian/iobench/internal/backend"
	"github.com/arkilian/iobench/internal/backend/builtin"
	"github.com/arkilian/iobench/internal/config"
	"github.com/arkilian/iobench/internal/driver"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/group"
	"github.com/arkilian/iobench/internal/observability"
	"github.com/arkilian/iobench/internal/report"
)

// ExitFatal is the exit status of a run that hit a fatal error, matching
// termination by SIGABRT.
const ExitFatal = 134

// DefaultCoordinator is the coordinator address used when none is given.
const DefaultCoordinator = "127.0.0.1:7311"

// Options configures a run.
type Options struct {
	ConfigPath string

	// ReportPath is the CSV report appended to by rank 0; empty disables it.
	ReportPath  string
	MetricsFile string
	Summary     bool

	Rank        int
	Size        int
	Coordinator string

	// StartupTimeout bounds the wait for the coordinator; zero keeps the
	// group default.
	StartupTimeout time.Duration

	// Group overrides the process group built from Rank, Size and Coordinator.
	Group    group.Group
	// Registry overrides the builtin backend registry.
	Registry *backend.Registry

	Stdout io.Writer
	Logger *slog.Logger
}

// App is one rank's view of a benchmark run.
type App struct {
	opts   Options
	cfg    *config.RunConfig
	logger *slog.Logger

	group   group.Group
	closers []io.Closer
	stats   *observability.TimerStats
	rows    report.Memory
}

// New parses the configuration. Nothing is opened until Run.
func New(opts Options) (*App, error) {
	if opts.Size == 0 {
		opts.Size = 1
	}
	if opts.Coordinator == "" {
		opts.Coordinator = DefaultCoordinator
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = builtin.NewRegistry()
	}
	if opts.ConfigPath == "" {
		return nil, benchErrors.NewConfigError(benchErrors.CodeMissingField, "no config file given")
	}

	cfg, err := config.ParseConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &App{
		opts:   opts,
		cfg:    cfg,
		logger: opts.Logger,
		stats:  observability.NewTimerStats(),
	}, nil
}

// Config is the parsed run configuration.
func (a *App) Config() *config.RunConfig { return a.cfg }

// Rows returns the rows produced so far on this rank.
func (a *App) Rows() []report.Row { return a.rows.Rows() }

// Run executes every iteration. On failure the process group is aborted so
// no peer waits on this rank, and the error is returned attributed to the
// failing rank and phase.
func (a *App) Run(ctx context.Context) (err error) {
	if err := a.joinGroup(); err != nil {
		return err
	}
	a.logger = a.logger.With("rank", a.group.Rank())

	defer func() {
		if err != nil {
			a.abort(ctx, err)
		}
		if cerr := a.closeAll(); cerr != nil && err == nil {
			err = benchErrors.NewInternalError("failed to close run resources", cerr).At(a.group.Rank(), "shutdown")
		}
	}()

	if err := a.cfg.Bind(a.group.Rank(), a.group.Size()); err != nil {
		return attach(err, a.group.Rank(), "bind")
	}

	sink, err := a.sinks()
	if err != nil {
		return err
	}

	d := driver.New(a.cfg, a.opts.Registry, a.group, sink, a.logger)
	a.logger.Info("run starting",
		"run_id", d.RunID(),
		"config", a.opts.ConfigPath,
		"ranks", a.cfg.NumRanks,
		"workloads", len(a.cfg.Workloads),
		"chunks_per_rank", a.cfg.ChunksPerRank,
		"chunk_size_bytes", a.cfg.ChunkSizeBytes,
	)

	if _, err := d.Run(ctx); err != nil {
		return err
	}

	if a.group.Rank() == 0 {
		a.logSlowest()
		if a.opts.Summary {
			report.WriteSummary(a.opts.Stdout, a.rows.Rows())
		}
	}
	return nil
}

func (a *App) joinGroup() error {
	switch {
	case a.opts.Group != nil:
		a.group = a.opts.Group
	case a.opts.Size <= 1:
		if a.opts.Rank != 0 {
			return benchErrors.Configf(benchErrors.CodeOutOfRange, "rank %d outside process group of size 1", a.opts.Rank)
		}
		a.group = group.Solo()
	default:
		r, err := group.Join(a.opts.Rank, a.opts.Size, a.opts.Coordinator, a.logger,
			group.WithStartupTimeout(a.opts.StartupTimeout))
		if err != nil {
			return benchErrors.NewInternalError("failed to join process group", err).At(a.opts.Rank, "join")
		}
		a.group = r
	}
	a.closers = append(a.closers, a.group)
	return nil
}

// sinks builds the report fan-out. Only rank 0 writes files.
func (a *App) sinks() (report.Sink, error) {
	if a.group.Rank() != 0 {
		return report.Tee(&a.rows, a.stats), nil
	}

	sinks := []report.Sink{&a.rows, a.stats}
	if a.opts.ReportPath != "" {
		csv, err := report.OpenCSV(a.opts.ReportPath)
		if err != nil {
			return nil, benchErrors.NewInternalError("failed to open report", err).At(0, driver.PhaseReport)
		}
		a.closers = append(a.closers, csv)
		sinks = append(sinks, csv)
	}
	if a.opts.MetricsFile != "" {
		tf := observability.NewTextfile(a.opts.MetricsFile)
		a.closers = append(a.closers, tf)
		sinks = append(sinks, tf)
	}
	return report.Tee(sinks...), nil
}

func (a *App) logSlowest() {
	for _, timer := range a.stats.Timers() {
		for _, s := range a.stats.Slowest(timer, 1) {
			if s.Seconds == 0 {
				continue
			}
			a.logger.Info("slowest backend",
				"timer", timer,
				"backend", s.Backend,
				"seconds_per_chunk", s.SecondsPerChunk(),
				"worst_iteration", s.Worst,
			)
		}
	}
}

func (a *App) abort(ctx context.Context, err error) {
	if a.group == nil {
		return
	}
	if abortErr := a.group.Abort(ctx, err.Error()); abortErr != nil {
		a.logger.Warn("failed to abort process group", "error", abortErr)
	}
}

// closeAll closes resources in reverse order of acquisition.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func attach(err error, rank int, phase string) error {
	var be *benchErrors.BenchError
	if errors.As(err, &be) {
		if be.Phase != "" {
			return err
		}
		return be.At(rank, phase)
	}
	if errors.Is(err, group.ErrAborted) {
		return benchErrors.Wrap(benchErrors.ErrCategoryInternal, benchErrors.CodeAborted,
			"process group aborted by a peer", err).At(rank, phase)
	}
	return benchErrors.NewInternalError(fmt.Sprintf("%s failed", phase), err).At(rank, phase)
}

// LogFatal logs err with its rank, phase and category.
func LogFatal(logger *slog.Logger, err error) {
	logger.Error("fatal error",
		"rank", benchErrors.GetRank(err),
		"phase", benchErrors.GetPhase(err),
		"category", benchErrors.GetCategory(err),
		"code", benchErrors.GetCode(err),
		"error", err,
	)
}
