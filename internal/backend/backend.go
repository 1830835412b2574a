// Package backend defines the lifecycle contract every storage backend
// implements, plus the per-iteration environment passed to each call.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/arkilian/iobench/internal/config"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/filter"
	"github.com/arkilian/iobench/internal/group"
	"github.com/arkilian/iobench/pkg/types"
)

// Backend is the capability contract. Calls for one iteration arrive in
// lifecycle order: Init, CreateDataset or OpenDataset, WriteChunk or
// ReadChunk once per chunk, Flush, CloseDataset, Deinit.
type Backend interface {
	// Init performs one-time setup and validates prerequisites.
	Init(ctx context.Context, env *Env) error

	// Deinit releases process-wide resources acquired by Init.
	Deinit(ctx context.Context, env *Env) error

	// CreateDataset allocates a dataset sized for every rank's chunks and
	// applies the iteration's filter before any data is written.
	CreateDataset(ctx context.Context, env *Env) error

	// OpenDataset attaches to a dataset written by an earlier run.
	OpenDataset(ctx context.Context, env *Env) error

	// WriteChunk writes buf, exactly one chunk, at env's current chunk.
	WriteChunk(ctx context.Context, env *Env, buf []float64) error

	// ReadChunk fills buf, exactly one chunk, from env's current chunk.
	// Backends that queue transfers may fill buf as late as Flush.
	ReadChunk(ctx context.Context, env *Env, buf []float64) error

	// Flush completes every transfer issued since the previous flush.
	Flush(ctx context.Context, env *Env) error

	// CloseDataset releases the dataset handle.
	CloseDataset(ctx context.Context, env *Env) error
}

// Capabilities describes what a backend can do.
type Capabilities struct {
	Collective bool
	Filters    []types.Filter
	// MaxRanks limits the process group size; 0 means unlimited.
	MaxRanks int
}

// SupportsFilter reports whether f is in the capability's filter list.
func (c Capabilities) SupportsFilter(f types.Filter) bool {
	return lo.Contains(c.Filters, f)
}

// CapabilityReporter is implemented by backends that declare their capabilities.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// CapabilitiesOf returns b's declared capabilities. Backends that do not
// declare any are assumed to support everything.
func CapabilitiesOf(b Backend) Capabilities {
	if r, ok := b.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	return Capabilities{Collective: true, Filters: types.AllFilters()}
}

// CheckSupport fails with a CONFIG error when b cannot run the iteration.
func CheckSupport(b Backend, it Iteration, size int) error {
	caps := CapabilitiesOf(b)
	if it.Participation == types.Collective && !caps.Collective {
		return benchErrors.Configf(benchErrors.CodeUnsupported,
			"backend %s does not support collective participation", it.BackendID)
	}
	if !caps.SupportsFilter(it.Filter) {
		return benchErrors.Configf(benchErrors.CodeUnsupported,
			"backend %s does not support filter %s", it.BackendID, it.Filter)
	}
	if caps.MaxRanks > 0 && size > caps.MaxRanks {
		return benchErrors.Configf(benchErrors.CodeUnsupported,
			"backend %s supports at most %d ranks, group has %d", it.BackendID, caps.MaxRanks, size)
	}
	return nil
}

// Iteration is one resolved (workload, participation) pair.
type Iteration struct {
	Index          int
	Workload       string
	BackendID      string
	Direction      types.IODirection
	Participation  types.Participation
	Filter         types.Filter
	Params         Params
	ElementsPerDim uint64
	ChunkElements  uint64
	TotalBytes     uint64
}

// Env is the environment handed to every backend call.
type Env struct {
	Config    *config.RunConfig
	Workload  *config.WorkloadSpec
	Iteration Iteration
	Group     group.Group
	Logger    *slog.Logger

	// CurChunk is the rank-local index of the chunk being transferred.
	CurChunk uint64
}

// Rank is this process's rank.
func (e *Env) Rank() int { return e.Config.MyRank }

// Collective reports whether transfers are collective for this iteration.
func (e *Env) Collective() bool {
	return e.Iteration.Participation == types.Collective
}

// GlobalChunk is the dataset-wide index of the current chunk.
func (e *Env) GlobalChunk() uint64 {
	return e.Config.GlobalChunk(e.CurChunk)
}

// ChunkOffset is the leading-dimension offset of the current chunk.
func (e *Env) ChunkOffset() uint64 {
	return e.Config.ChunkOffset(e.CurChunk)
}

// ChunkByteOffset is the byte offset of the current chunk in a flat layout.
func (e *Env) ChunkByteOffset() int64 {
	return int64(e.GlobalChunk() * e.Config.RealizedChunkBytes())
}

// NewCodec builds the iteration's filter codec, honoring the accuracy param.
func (e *Env) NewCodec() (filter.Codec, error) {
	acc, err := e.Iteration.Params.Float("accuracy", 0)
	if err != nil {
		return nil, err
	}
	return filter.New(e.Iteration.Filter, filter.Options{Accuracy: acc})
}

// Meta returns the geometry of the dataset this iteration addresses.
func (e *Env) Meta() DatasetMeta {
	return DatasetMeta{
		TotalChunks:    e.Config.TotalChunks(),
		ElementsPerDim: e.Config.ElementsPerDim,
		Filter:         e.Iteration.Filter,
	}
}

// DatasetMeta is the geometry recorded alongside a dataset.
type DatasetMeta struct {
	TotalChunks    uint64       `json:"total_chunks"`
	ElementsPerDim uint64       `json:"elements_per_dim"`
	Filter         types.Filter `json:"filter"`
}

// CheckOpen verifies that a stored dataset can serve the iteration in env.
func (m DatasetMeta) CheckOpen(env *Env) error {
	want := env.Meta()
	switch {
	case m.ElementsPerDim != want.ElementsPerDim:
		return mismatch("elements per dimension is %d, run expects %d", m.ElementsPerDim, want.ElementsPerDim)
	case m.Filter != want.Filter:
		return mismatch("dataset filter is %s, run expects %s", m.Filter, want.Filter)
	case m.TotalChunks < want.TotalChunks:
		return mismatch("dataset holds %d chunks, run reads %d", m.TotalChunks, want.TotalChunks)
	}
	return nil
}

func mismatch(format string, args ...interface{}) error {
	return benchErrors.New(benchErrors.ErrCategoryBackend, benchErrors.CodeDatasetMismatch, fmt.Sprintf(format, args...))
}

// Coordinated runs op as a collective call when the iteration is collective:
// all ranks enter together and none leaves before every rank has finished.
// Independent iterations run op directly.
func Coordinated(ctx context.Context, env *Env, op func() error) error {
	if !env.Collective() {
		return op()
	}
	if err := env.Group.Barrier(ctx); err != nil {
		return err
	}
	if err := op(); err != nil {
		return err
	}
	return env.Group.Barrier(ctx)
}

// RankZeroFirst runs create on rank 0, waits for it at a barrier, then
// runs attach on every rank.
func RankZeroFirst(ctx context.Context, env *Env, create, attach func() error) error {
	if env.Rank() == 0 && create != nil {
		if err := create(); err != nil {
			return err
		}
	}
	if err := env.Group.Barrier(ctx); err != nil {
		return err
	}
	if attach != nil {
		return attach()
	}
	return nil
}
