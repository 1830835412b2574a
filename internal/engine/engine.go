// Package engine runs one benchmark iteration against a backend: it drives
// the backend through its lifecycle, times the transfer loop and validates
// data read back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arkilian/iobench/internal/backend"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/group"
	"github.com/arkilian/iobench/internal/timing"
	"github.com/arkilian/iobench/pkg/types"
)

// Phase names a step of the iteration lifecycle.
type Phase string

const (
	PhasePrecheck  Phase = "precheck"
	PhaseInit      Phase = "init"
	PhaseCreate    Phase = "create_dataset"
	PhaseOpen      Phase = "open_dataset"
	PhaseWriteLoop Phase = "write_loop"
	PhaseReadLoop  Phase = "read_loop"
	PhaseFlush     Phase = "flush"
	PhaseValidate  Phase = "validate"
	PhaseClose     Phase = "close_dataset"
	PhaseDeinit    Phase = "deinit"
)

// Engine executes iterations, accumulating into one timing context.
type Engine struct {
	timers *timing.Context
	logger *slog.Logger
}

// New creates an engine that records into timers.
func New(timers *timing.Context, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{timers: timers, logger: logger}
}

// Execute runs one iteration of env against b. Any failure is fatal for
// the run and is returned attributed to the failing rank and phase.
func (e *Engine) Execute(ctx context.Context, b backend.Backend, env *backend.Env) error {
	rank := env.Rank()
	logger := e.logger.With("backend", env.Iteration.BackendID, "workload", env.Iteration.Workload)

	dir, err := types.ParseDirection(string(env.Iteration.Direction))
	if err != nil {
		return benchErrors.Configf(benchErrors.CodeInvalidValue, "%v", err).At(rank, string(PhasePrecheck))
	}
	if err := backend.CheckSupport(b, env.Iteration, env.Config.NumRanks); err != nil {
		return attribute(rank, PhasePrecheck, err)
	}

	if err := b.Init(ctx, env); err != nil {
		return attribute(rank, PhaseInit, err)
	}

	switch dir {
	case types.DirectionWrite:
		err = e.write(ctx, b, env, logger)
	case types.DirectionRead:
		err = e.read(ctx, b, env, logger)
	}
	if err != nil {
		return err
	}

	if err := b.Deinit(ctx, env); err != nil {
		return attribute(rank, PhaseDeinit, err)
	}
	return nil
}

func (e *Engine) write(ctx context.Context, b backend.Backend, env *backend.Env, logger *slog.Logger) error {
	rank := env.Rank()

	if err := b.CreateDataset(ctx, env); err != nil {
		return attribute(rank, PhaseCreate, err)
	}

	buf := make([]float64, env.Config.ChunkElements())
	FillChunk(buf)

	e.timers.Start(timing.WriteAllChunks)
	if err := env.Group.Barrier(ctx); err != nil {
		return attribute(rank, PhaseWriteLoop, err)
	}
	for cur := uint64(0); cur < env.Config.ChunksPerRank; cur++ {
		env.CurChunk = cur
		e.timers.Start(timing.WriteChunk)
		err := b.WriteChunk(ctx, env, buf)
		e.timers.Stop(timing.WriteChunk)
		if err != nil {
			return attribute(rank, PhaseWriteLoop, err)
		}
		logger.Debug("chunk written", "chunk", cur, "offset", env.ChunkOffset())
	}

	e.timers.Start(timing.WriteFlush)
	err := b.Flush(ctx, env)
	e.timers.Stop(timing.WriteFlush)
	if err != nil {
		return attribute(rank, PhaseFlush, err)
	}

	if err := env.Group.Barrier(ctx); err != nil {
		return attribute(rank, PhaseWriteLoop, err)
	}
	e.timers.Stop(timing.WriteAllChunks)

	if err := b.CloseDataset(ctx, env); err != nil {
		return attribute(rank, PhaseClose, err)
	}
	return nil
}

func (e *Engine) read(ctx context.Context, b backend.Backend, env *backend.Env, logger *slog.Logger) error {
	rank := env.Rank()

	if err := b.OpenDataset(ctx, env); err != nil {
		return attribute(rank, PhaseOpen, err)
	}

	chunkElems := env.Config.ChunkElements()
	buf := make([]float64, env.Config.ChunksPerRank*chunkElems)
	for i := range buf {
		buf[i] = FillValue
	}

	e.timers.Start(timing.ReadAllChunks)
	if err := env.Group.Barrier(ctx); err != nil {
		return attribute(rank, PhaseReadLoop, err)
	}
	for cur := uint64(0); cur < env.Config.ChunksPerRank; cur++ {
		env.CurChunk = cur
		chunk := buf[cur*chunkElems : (cur+1)*chunkElems]
		e.timers.Start(timing.ReadChunk)
		err := b.ReadChunk(ctx, env, chunk)
		e.timers.Stop(timing.ReadChunk)
		if err != nil {
			return attribute(rank, PhaseReadLoop, err)
		}
		logger.Debug("chunk read", "chunk", cur, "offset", env.ChunkOffset())
	}

	e.timers.Start(timing.ReadFlush)
	err := b.Flush(ctx, env)
	e.timers.Stop(timing.ReadFlush)
	if err != nil {
		return attribute(rank, PhaseFlush, err)
	}

	if err := env.Group.Barrier(ctx); err != nil {
		return attribute(rank, PhaseReadLoop, err)
	}
	e.timers.Stop(timing.ReadAllChunks)

	if env.Config.ValidateRead {
		if err := Validate(buf, int(chunkElems)); err != nil {
			return attribute(rank, PhaseValidate, err)
		}
		logger.Info("read validated", "chunks", env.Config.ChunksPerRank)
	}

	if err := b.CloseDataset(ctx, env); err != nil {
		return attribute(rank, PhaseClose, err)
	}
	return nil
}

// attribute tags err with the rank and phase it occurred in. Errors that
// are not already categorized become BACKEND errors.
func attribute(rank int, phase Phase, err error) error {
	var be *benchErrors.BenchError
	if errors.As(err, &be) {
		if be.Phase != "" {
			return err
		}
		return be.At(rank, string(phase))
	}
	if errors.Is(err, group.ErrAborted) {
		return benchErrors.Wrap(benchErrors.ErrCategoryInternal, benchErrors.CodeAborted,
			"process group aborted by a peer", err).At(rank, string(phase))
	}
	return benchErrors.NewBackendError(benchErrors.CodeOperationFailed,
		fmt.Sprintf("%s failed", phase), err).At(rank, string(phase))
}
