// Package sqlite implements a backend that stores each chunk as one row of
// a SQLite database shared by all ranks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/iobench/internal/backend"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/filter"
	"github.com/arkilian/iobench/pkg/types"
)

// ID is the backend's registry id.
const ID = "sqlite"

const (
	defaultPath          = "output.sqlite"
	defaultBusyTimeoutMS = 30000
)

const createTablesSQL = `
CREATE TABLE chunks (
	chunk_index INTEGER PRIMARY KEY,
	rank        INTEGER NOT NULL,
	payload     BLOB NOT NULL
);
CREATE TABLE dataset_meta (
	id               INTEGER PRIMARY KEY CHECK (id = 0),
	total_chunks     INTEGER NOT NULL,
	elements_per_dim INTEGER NOT NULL,
	filter           TEXT NOT NULL
);`

// Backend stores chunks in a WAL-mode database. Writers insert one row per
// chunk in autocommit mode; flush checkpoints the WAL.
type Backend struct {
	path          string
	busyTimeoutMS int

	db    *sql.DB
	stmt  *sql.Stmt
	codec filter.Codec
}

// New creates a sqlite backend.
func New() backend.Backend {
	return &Backend{}
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Collective: true,
		Filters:    types.AllFilters(),
	}
}

func (b *Backend) Init(_ context.Context, env *backend.Env) error {
	b.path = env.Iteration.Params.String("path", defaultPath)
	timeout, err := env.Iteration.Params.Int("busy_timeout_ms", defaultBusyTimeoutMS)
	if err != nil {
		return err
	}
	if timeout < 0 {
		return benchErrors.Configf(benchErrors.CodeInvalidParams, "busy_timeout_ms must not be negative, got %d", timeout)
	}
	b.busyTimeoutMS = timeout
	return nil
}

func (b *Backend) Deinit(context.Context, *backend.Env) error {
	return nil
}

func (b *Backend) dsn(readOnly bool) string {
	if readOnly {
		return fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", b.path, b.busyTimeoutMS)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", b.path, b.busyTimeoutMS)
}

func (b *Backend) CreateDataset(ctx context.Context, env *backend.Env) error {
	create := func() error {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(b.path + suffix); err != nil && !os.IsNotExist(err) {
				return err
			}
		}

		db, err := sql.Open("sqlite3", b.dsn(false))
		if err != nil {
			return err
		}
		defer db.Close()

		if _, err := db.ExecContext(ctx, createTablesSQL); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
		meta := env.Meta()
		_, err = db.ExecContext(ctx,
			"INSERT INTO dataset_meta (id, total_chunks, elements_per_dim, filter) VALUES (0, ?, ?, ?)",
			meta.TotalChunks, meta.ElementsPerDim, string(meta.Filter))
		return err
	}

	attach := func() error {
		return b.attach(ctx, env, false,
			"INSERT OR REPLACE INTO chunks (chunk_index, rank, payload) VALUES (?, ?, ?)")
	}

	return backend.RankZeroFirst(ctx, env, create, attach)
}

func (b *Backend) OpenDataset(ctx context.Context, env *backend.Env) error {
	if _, err := os.Stat(b.path); err != nil {
		return fmt.Errorf("dataset %s: %w", b.path, err)
	}
	if err := b.attach(ctx, env, true, "SELECT payload FROM chunks WHERE chunk_index = ?"); err != nil {
		return err
	}

	var meta backend.DatasetMeta
	var f string
	err := b.db.QueryRowContext(ctx,
		"SELECT total_chunks, elements_per_dim, filter FROM dataset_meta WHERE id = 0").
		Scan(&meta.TotalChunks, &meta.ElementsPerDim, &f)
	if err != nil {
		b.release()
		return fmt.Errorf("failed to read dataset metadata: %w", err)
	}
	meta.Filter = types.Filter(f)

	if err := meta.CheckOpen(env); err != nil {
		b.release()
		return err
	}
	return nil
}

func (b *Backend) attach(ctx context.Context, env *backend.Env, readOnly bool, query string) error {
	codec, err := env.NewCodec()
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", b.dsn(readOnly))
	if err != nil {
		codec.Close()
		return err
	}

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		codec.Close()
		db.Close()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}

	b.db, b.stmt, b.codec = db, stmt, codec
	return nil
}

func (b *Backend) WriteChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		payload, err := b.codec.Encode(buf)
		if err != nil {
			return err
		}
		_, err = b.stmt.ExecContext(ctx, int64(env.GlobalChunk()), env.Rank(), payload)
		return err
	})
}

func (b *Backend) ReadChunk(ctx context.Context, env *backend.Env, buf []float64) error {
	return backend.Coordinated(ctx, env, func() error {
		var payload []byte
		err := b.stmt.QueryRowContext(ctx, int64(env.GlobalChunk())).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("chunk %d not found in %s", env.GlobalChunk(), b.path)
		}
		if err != nil {
			return err
		}
		return b.codec.Decode(payload, buf)
	})
}

func (b *Backend) Flush(ctx context.Context, env *backend.Env) error {
	if env.Iteration.Direction != types.DirectionWrite {
		return nil
	}
	_, err := b.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

func (b *Backend) CloseDataset(context.Context, *backend.Env) error {
	return b.release()
}

func (b *Backend) release() error {
	var errs []error
	if b.stmt != nil {
		errs = append(errs, b.stmt.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	if b.codec != nil {
		errs = append(errs, b.codec.Close())
	}
	b.db, b.stmt, b.codec = nil, nil, nil
	return errors.Join(errs...)
}
