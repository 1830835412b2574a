// Package posix implements a backend over one shared flat file. Chunks are
// laid out in global chunk order and transferred with positional I/O.
package posix

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/arkilian/iobench/internal/backend"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/filter"
	"github.com/arkilian/iobench/pkg/types"
)

// ID is the backend's registry id.
const ID = "posix"

const defaultPath = "output.dat"

// Backend writes every rank's chunks into one file at
// globalChunk * chunkBytes. Only the raw filter is supported since
// encoded chunks would not have a fixed size.
type Backend struct {
	path        string
	syncOnFlush bool

	file    *os.File
	scratch []byte
}

// New creates a posix backend.
func New() backend.Backend {
	return &Backend{}
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Collective: true,
		Filters:    []types.Filter{types.FilterRaw},
	}
}

func (b *Backend) Init(_ context.Context, env *backend.Env) error {
	b.path = env.Iteration.Params.String("path", defaultPath)
	sync, err := env.Iteration.Params.Bool("sync", true)
	if err != nil {
		return err
	}
	b.syncOnFlush = sync
	b.scratch = make([]byte, 0, env.Config.RealizedChunkBytes())
	return nil
}

func (b *Backend) Deinit(context.Context, *backend.Env) error {
	b.scratch = nil
	return nil
}

func metaPath(path string) string {
	return path + ".meta.json"
}

func (b *Backend) CreateDataset(ctx context.Context, env *backend.Env) error {
	create := func() error {
		f, err := os.OpenFile(b.path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := f.Truncate(int64(env.Config.TotalBytes())); err != nil {
			return err
		}
		meta, err := json.Marshal(env.Meta())
		if err != nil {
			return err
		}
		return os.WriteFile(metaPath(b.path), meta, 0644)
	}
	attach := func() error {
		f, err := os.OpenFile(b.path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		b.file = f
		return nil
	}
	return backend.RankZeroFirst(ctx, env, create, attach)
}

func (b *Backend) OpenDataset(_ context.Context, env *backend.Env) error {
	raw, err := os.ReadFile(metaPath(b.path))
	if err != nil {
		return fmt.Errorf("dataset %s has no metadata: %w", b.path, err)
	}
	var meta backend.DatasetMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("dataset %s has corrupt metadata: %w", b.path, err)
	}
	if err := meta.CheckOpen(env); err != nil {
		return err
	}

	f, err := os.Open(b.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if uint64(info.Size()) < env.Config.TotalBytes() {
		f.Close()
		return benchErrors.New(benchErrors.ErrCategoryBackend, benchErrors.CodeDatasetMismatch,
			fmt.Sprintf("dataset %s is %d bytes, run reads %d", b.path, info.Size(), env.Config.TotalBytes()))
	}
	b.file = f
	return nil
}

func (b *Backend) WriteChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		b.scratch = filter.EncodeRaw(buf, b.scratch[:0])
		_, err := b.file.WriteAt(b.scratch, env.ChunkByteOffset())
		return err
	})
}

func (b *Backend) ReadChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		n := len(buf) * types.ElementSize
		if cap(b.scratch) < n {
			b.scratch = make([]byte, n)
		}
		data := b.scratch[:n]
		if _, err := b.file.ReadAt(data, env.ChunkByteOffset()); err != nil {
			return err
		}
		return filter.DecodeRaw(data, buf)
	})
}

func (b *Backend) Flush(_ context.Context, env *backend.Env) error {
	if env.Iteration.Direction != types.DirectionWrite || !b.syncOnFlush {
		return nil
	}
	return b.file.Sync()
}

func (b *Backend) CloseDataset(context.Context, *backend.Env) error {
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}
