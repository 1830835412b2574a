//go:build rocksdb

// Package rocksdb implements a single-rank backend over a RocksDB database.
// It needs the RocksDB C library and is compiled only with the rocksdb tag.
package rocksdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/linxGnu/grocksdb"
	"github.com/pkg/errors"

	"github.com/arkilian/iobench/internal/backend"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/filter"
	"github.com/arkilian/iobench/pkg/types"
)

// ID is the backend's registry id.
const ID = "rocksdb"

const defaultPath = "output.rocksdb"

var metaKey = []byte("meta")

// Backend stores one key per chunk. Chunk keys are the 8-byte big-endian
// global chunk index; the dataset metadata lives under "meta". Writes skip
// the WAL and Flush forces the memtable to disk.
type Backend struct {
	path string

	db    *grocksdb.DB
	opts  *grocksdb.Options
	ro    *grocksdb.ReadOptions
	wo    *grocksdb.WriteOptions
	codec filter.Codec
}

// New creates a rocksdb backend.
func New() backend.Backend {
	return &Backend{}
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Collective: true,
		Filters:    types.AllFilters(),
		MaxRanks:   1,
	}
}

func (b *Backend) Init(_ context.Context, env *backend.Env) error {
	b.path = env.Iteration.Params.String("path", defaultPath)
	if env.Config.NumRanks > 1 {
		return benchErrors.Configf(benchErrors.CodeUnsupported,
			"rocksdb holds an exclusive lock on %s and cannot serve %d ranks", b.path, env.Config.NumRanks)
	}
	return nil
}

func (b *Backend) Deinit(context.Context, *backend.Env) error {
	return nil
}

func chunkKey(idx uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], idx)
	return k[:]
}

func (b *Backend) CreateDataset(_ context.Context, env *backend.Env) error {
	if err := os.RemoveAll(b.path); err != nil {
		return err
	}

	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetErrorIfExists(true)
	// chunks arrive already filtered
	opts.SetCompression(grocksdb.NoCompression)
	opts.SetInfoLogLevel(grocksdb.WarnInfoLogLevel)

	db, err := grocksdb.OpenDb(opts, b.path)
	if err != nil {
		opts.Destroy()
		return errors.Wrapf(err, "failed to open RocksDB at %s", b.path)
	}
	b.db, b.opts = db, opts
	b.wo = grocksdb.NewDefaultWriteOptions()
	b.wo.DisableWAL(true)

	meta, err := json.Marshal(env.Meta())
	if err == nil {
		err = b.db.Put(b.wo, metaKey, meta)
	}
	if err == nil {
		b.codec, err = env.NewCodec()
	}
	if err != nil {
		b.release()
		return err
	}
	return nil
}

func (b *Backend) OpenDataset(_ context.Context, env *backend.Env) error {
	if _, err := os.Stat(b.path); err != nil {
		return fmt.Errorf("dataset %s: %w", b.path, err)
	}

	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(false)
	db, err := grocksdb.OpenDbForReadOnly(opts, b.path, false)
	if err != nil {
		opts.Destroy()
		return errors.Wrapf(err, "failed to open RocksDB for reading at %s", b.path)
	}
	b.db, b.opts = db, opts
	b.ro = grocksdb.NewDefaultReadOptions()

	err = b.checkMeta(env)
	if err == nil {
		b.codec, err = env.NewCodec()
	}
	if err != nil {
		b.release()
		return err
	}
	return nil
}

func (b *Backend) checkMeta(env *backend.Env) error {
	data, err := b.db.GetBytes(b.ro, metaKey)
	if err != nil {
		return errors.Wrap(err, "failed to read dataset metadata")
	}
	if data == nil {
		return fmt.Errorf("%s has no dataset metadata", b.path)
	}
	var meta backend.DatasetMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("invalid dataset metadata: %w", err)
	}
	return meta.CheckOpen(env)
}

func (b *Backend) WriteChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		payload, err := b.codec.Encode(buf)
		if err != nil {
			return err
		}
		return b.db.Put(b.wo, chunkKey(env.GlobalChunk()), payload)
	})
}

func (b *Backend) ReadChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		slice, err := b.db.Get(b.ro, chunkKey(env.GlobalChunk()))
		if err != nil {
			return errors.Wrap(err, "failed to read from RocksDB")
		}
		defer slice.Free()

		if !slice.Exists() {
			return fmt.Errorf("chunk %d not found in %s", env.GlobalChunk(), b.path)
		}
		return b.codec.Decode(slice.Data(), buf)
	})
}

func (b *Backend) Flush(_ context.Context, env *backend.Env) error {
	if env.Iteration.Direction != types.DirectionWrite {
		return nil
	}
	flushOpts := grocksdb.NewDefaultFlushOptions()
	defer flushOpts.Destroy()
	flushOpts.SetWait(true)
	return b.db.Flush(flushOpts)
}

func (b *Backend) CloseDataset(context.Context, *backend.Env) error {
	return b.release()
}

func (b *Backend) release() error {
	var err error
	if b.codec != nil {
		err = b.codec.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
	if b.wo != nil {
		b.wo.Destroy()
	}
	if b.ro != nil {
		b.ro.Destroy()
	}
	if b.opts != nil {
		b.opts.Destroy()
	}
	b.db, b.opts, b.ro, b.wo, b.codec = nil, nil, nil, nil, nil
	return err
}
