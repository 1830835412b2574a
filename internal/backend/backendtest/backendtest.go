// Package backendtest runs backends through the engine with an in-process
// process group, for use in backend tests.
package backendtest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/arkilian/iobench/internal/backend"
	"github.com/arkilian/iobench/internal/config"
	"github.com/arkilian/iobench/internal/engine"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/group"
	"github.com/arkilian/iobench/internal/timing"
	"github.com/arkilian/iobench/pkg/types"
)

// Case describes one iteration to run.
type Case struct {
	Ranks          int
	ChunksPerRank  uint64
	ChunkSizeBytes uint64
	Participation  types.Participation
	Filter         types.Filter
	Params         string
}

func (c Case) withDefaults() Case {
	if c.Ranks == 0 {
		c.Ranks = 1
	}
	if c.ChunksPerRank == 0 {
		c.ChunksPerRank = 2
	}
	if c.ChunkSizeBytes == 0 {
		c.ChunkSizeBytes = 8 * 16 * 16
	}
	if c.Participation == "" {
		c.Participation = types.Independent
	}
	if c.Filter == "" {
		c.Filter = types.FilterRaw
	}
	return c
}

// Run executes one direction of c with every rank in its own goroutine and
// its own backend instance, as separate processes would. It returns the
// failing rank's error, if any; a failing rank aborts the group.
func Run(t testing.TB, newBackend func() backend.Backend, c Case, dir types.IODirection) error {
	t.Helper()
	c = c.withDefaults()

	params, err := backend.ParseParams(c.Params)
	if err != nil {
		return err
	}

	l, err := group.NewLocal(c.Ranks)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	errs := make([]error, c.Ranks)
	var wg sync.WaitGroup
	for r := 0; r < c.Ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			member := l.Member(r)

			cfg := &config.RunConfig{
				ChunkSizeBytes: c.ChunkSizeBytes,
				ChunksPerRank:  c.ChunksPerRank,
				ElementsPerDim: config.ElementsPerDim(c.ChunkSizeBytes),
				ValidateRead:   true,
			}
			if err := cfg.Bind(r, c.Ranks); err != nil {
				errs[r] = err
				member.Abort(context.Background(), err.Error())
				return
			}

			env := &backend.Env{
				Config: cfg,
				Group:  member,
				Logger: logger,
				Iteration: backend.Iteration{
					Workload:       "backendtest",
					BackendID:      "backendtest",
					Direction:      dir,
					Participation:  c.Participation,
					Filter:         c.Filter,
					Params:         params,
					ElementsPerDim: cfg.ElementsPerDim,
					ChunkElements:  cfg.ChunkElements(),
					TotalBytes:     cfg.TotalBytes(),
				},
			}

			if err := engine.New(timing.New(), logger).Execute(context.Background(), newBackend(), env); err != nil {
				errs[r] = err
				member.Abort(context.Background(), err.Error())
			}
		}(r)
	}
	wg.Wait()

	// prefer the failing rank's error over its peers' aborts
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if benchErrors.GetCode(err) != benchErrors.CodeAborted {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// RoundTrip writes c then reads it back with validation, failing t on any error.
func RoundTrip(t testing.TB, newBackend func() backend.Backend, c Case) {
	t.Helper()
	if err := Run(t, newBackend, c, types.DirectionWrite); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := Run(t, newBackend, c, types.DirectionRead); err != nil {
		t.Fatalf("read failed: %v", err)
	}
}
