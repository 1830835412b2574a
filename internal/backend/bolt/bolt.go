// Package bolt implements a single-rank backend over a bbolt database.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/arkilian/iobench/internal/backend"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/filter"
	"github.com/arkilian/iobench/pkg/types"
)

// ID is the backend's registry id.
const ID = "bolt"

const defaultPath = "output.bolt"

var (
	chunksBucket = []byte("chunks")
	metaBucket   = []byte("meta")
	metaKey      = []byte("dataset")
)

// Backend keeps one key per chunk in the chunks bucket. bbolt takes an
// exclusive file lock, so only one rank may open the database.
type Backend struct {
	path string

	db    *bolt.DB
	codec filter.Codec
}

// New creates a bolt backend.
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
			"bolt holds an exclusive lock on %s and cannot serve %d ranks", b.path, env.Config.NumRanks)
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
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	// writes skip fsync; Flush syncs once for the whole loop
	db, err := bolt.Open(b.path, 0600, &bolt.Options{Timeout: 1 * time.Second, NoSync: true})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", b.path, err)
	}

	meta, err := json.Marshal(env.Meta())
	if err != nil {
		db.Close()
		return err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucket(chunksBucket); err != nil {
			return err
		}
		mb, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}
		return mb.Put(metaKey, meta)
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create buckets: %w", err)
	}
	return b.attach(env, db)
}

func (b *Backend) OpenDataset(_ context.Context, env *backend.Env) error {
	if _, err := os.Stat(b.path); err != nil {
		return fmt.Errorf("dataset %s: %w", b.path, err)
	}

	db, err := bolt.Open(b.path, 0600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", b.path, err)
	}

	var meta backend.DatasetMeta
	err = db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if mb == nil || tx.Bucket(chunksBucket) == nil {
			return fmt.Errorf("%s is not an iobench dataset", b.path)
		}
		data := mb.Get(metaKey)
		if data == nil {
			return fmt.Errorf("%s has no dataset metadata", b.path)
		}
		return json.Unmarshal(data, &meta)
	})
	if err == nil {
		err = meta.CheckOpen(env)
	}
	if err != nil {
		db.Close()
		return err
	}
	return b.attach(env, db)
}

func (b *Backend) attach(env *backend.Env, db *bolt.DB) error {
	codec, err := env.NewCodec()
	if err != nil {
		db.Close()
		return err
	}
	b.db, b.codec = db, codec
	return nil
}

func (b *Backend) WriteChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		payload, err := b.codec.Encode(buf)
		if err != nil {
			return err
		}
		return b.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(chunksBucket).Put(chunkKey(env.GlobalChunk()), payload)
		})
	})
}

func (b *Backend) ReadChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		return b.db.View(func(tx *bolt.Tx) error {
			// the value is only valid inside the transaction
			payload := tx.Bucket(chunksBucket).Get(chunkKey(env.GlobalChunk()))
			if payload == nil {
				return fmt.Errorf("chunk %d not found in %s", env.GlobalChunk(), b.path)
			}
			return b.codec.Decode(payload, buf)
		})
	})
}

func (b *Backend) Flush(_ context.Context, env *backend.Env) error {
	if env.Iteration.Direction != types.DirectionWrite {
		return nil
	}
	return b.db.Sync()
}

func (b *Backend) CloseDataset(context.Context, *backend.Env) error {
	var err error
	if b.db != nil {
		err = b.db.Close()
	}
	if b.codec != nil {
		if cerr := b.codec.Close(); err == nil {
			err = cerr
		}
	}
	b.db, b.codec = nil, nil
	return err
}
