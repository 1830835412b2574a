// Package object implements a backend that stores each chunk as one object
// in object storage. Transfers are queued per chunk and fired as a batch
// at flush.
package object

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/iobench/internal/backend"
	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/internal/filter"
	"github.com/arkilian/iobench/internal/storage"
	"github.com/arkilian/iobench/pkg/types"
)

// ID is the backend's registry id.
const ID = "object"

const (
	defaultRoot        = "output.objects"
	defaultPrefix      = "iobench"
	defaultConcurrency = 4
)

// Backend queues chunk transfers and executes them at flush.
type Backend struct {
	store  storage.ObjectStorage
	batch  *storage.BatchTransfer
	prefix string

	codec   filter.Codec
	pending []storage.Transfer
}

// New creates an object backend.
func New() backend.Backend {
	return &Backend{}
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Collective: false,
		Filters:    types.AllFilters(),
	}
}

func (b *Backend) Init(ctx context.Context, env *backend.Env) error {
	p := env.Iteration.Params

	concurrency, err := p.Int("concurrency", defaultConcurrency)
	if err != nil {
		return err
	}
	if concurrency < 1 {
		return benchErrors.Configf(benchErrors.CodeInvalidParams, "concurrency must be at least 1, got %d", concurrency)
	}
	b.prefix = p.String("prefix", defaultPrefix)

	switch kind := p.String("store", "local"); kind {
	case "local":
		store, err := storage.NewLocalStorage(p.String("root", defaultRoot))
		if err != nil {
			return err
		}
		b.store = store
	case "s3":
		pathStyle, err := p.Bool("path_style", false)
		if err != nil {
			return err
		}
		cfg := storage.DefaultS3Config()
		cfg.Region = p.String("region", cfg.Region)
		cfg.Endpoint = p.String("endpoint", "")
		cfg.UsePathStyle = pathStyle
		store, err := storage.NewS3Storage(ctx, p.String("bucket", ""), cfg)
		if err != nil {
			return err
		}
		b.store = store
	default:
		return benchErrors.Configf(benchErrors.CodeInvalidParams, "store must be local or s3, got %q", kind)
	}

	b.batch = storage.NewBatchTransfer(b.store, concurrency)
	return nil
}

func (b *Backend) Deinit(context.Context, *backend.Env) error {
	b.store, b.batch = nil, nil
	return nil
}

// datasetPrefix is the listing prefix of the dataset. The trailing slash
// keeps prefix "run" from matching objects under "run2".
func (b *Backend) datasetPrefix() string {
	return b.prefix + "/"
}

func (b *Backend) manifestKey() string {
	return b.datasetPrefix() + "manifest.json"
}

// chunkKey spreads chunks across 256 shards by murmur3 hash of the index.
func (b *Backend) chunkKey(idx uint64) string {
	s := strconv.FormatUint(idx, 10)
	return fmt.Sprintf("%s/%02x/%s.chunk", b.prefix, murmur3.Sum32([]byte(s))&0xff, s)
}

func (b *Backend) CreateDataset(ctx context.Context, env *backend.Env) error {
	create := func() error {
		existing, err := b.store.ListObjects(ctx, b.datasetPrefix())
		if err != nil {
			return err
		}
		for _, key := range existing {
			if err := b.store.Delete(ctx, key); err != nil {
				return err
			}
		}
		manifest, err := json.Marshal(env.Meta())
		if err != nil {
			return err
		}
		return b.store.Put(ctx, b.manifestKey(), manifest)
	}
	return backend.RankZeroFirst(ctx, env, create, func() error { return b.attach(env) })
}

func (b *Backend) OpenDataset(ctx context.Context, env *backend.Env) error {
	found, err := b.store.Exists(ctx, b.manifestKey())
	if err != nil {
		return fmt.Errorf("dataset %s: %w", b.prefix, err)
	}
	if !found {
		return benchErrors.NewBackendError(benchErrors.CodeDatasetNotFound,
			fmt.Sprintf("no dataset under prefix %q; run a write workload first", b.prefix), nil)
	}
	raw, err := b.store.Get(ctx, b.manifestKey())
	if err != nil {
		return fmt.Errorf("dataset %s: %w", b.prefix, err)
	}
	var meta backend.DatasetMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("dataset %s has corrupt manifest: %w", b.prefix, err)
	}
	if err := meta.CheckOpen(env); err != nil {
		return err
	}
	return b.attach(env)
}

func (b *Backend) attach(env *backend.Env) error {
	codec, err := env.NewCodec()
	if err != nil {
		return err
	}
	b.codec = codec
	b.pending = b.pending[:0]
	return nil
}

var errCollective = errors.New("object backend does not support collective transfers")

func (b *Backend) WriteChunk(_ context.Context, env *backend.Env, buf []float64) error {
	if env.Collective() {
		return errCollective
	}
	data, err := b.codec.Encode(buf)
	if err != nil {
		return err
	}
	b.pending = append(b.pending, storage.Transfer{
		Kind:       storage.TransferPut,
		ObjectPath: b.chunkKey(env.GlobalChunk()),
		Data:       data,
	})
	return nil
}

func (b *Backend) ReadChunk(_ context.Context, env *backend.Env, buf []float64) error {
	if env.Collective() {
		return errCollective
	}
	codec := b.codec
	b.pending = append(b.pending, storage.Transfer{
		Kind:       storage.TransferGet,
		ObjectPath: b.chunkKey(env.GlobalChunk()),
		OnData: func(data []byte) error {
			return codec.Decode(data, buf)
		},
	})
	return nil
}

// Flush fires every queued transfer and clears the queue.
func (b *Backend) Flush(ctx context.Context, _ *backend.Env) error {
	pending := b.pending
	b.pending = nil
	return b.batch.Execute(ctx, pending).Err()
}

func (b *Backend) CloseDataset(context.Context, *backend.Env) error {
	b.pending = nil
	if b.codec == nil {
		return nil
	}
	err := b.codec.Close()
	b.codec = nil
	return err
}
