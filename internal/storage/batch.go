package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// TransferKind selects the direction of a queued transfer.
type TransferKind int

const (
	TransferPut TransferKind = iota
	TransferGet
)

// Transfer is one queued object operation. For gets, OnData receives the
// object's bytes once it arrives.
type Transfer struct {
	Kind       TransferKind
	ObjectPath string
	Data       []byte
	OnData     func([]byte) error
}

// BatchResult contains the outcome of a batch execution.
type BatchResult struct {
	Errors map[string]error
	Puts   int
	Gets   int
	Bytes  int64
}

// Err returns nil when every transfer succeeded, otherwise an error
// naming each failed object.
func (r *BatchResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for path, err := range r.Errors {
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return errors.Join(errs...)
}

// BatchTransfer executes queued transfers against object storage with
// bounded parallelism.
type BatchTransfer struct {
	storage     ObjectStorage
	concurrency int
}

// NewBatchTransfer creates a new batch executor.
// storage: the ObjectStorage implementation to transfer with
// concurrency: maximum number of parallel transfers (minimum 1)
func NewBatchTransfer(storage ObjectStorage, concurrency int) *BatchTransfer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchTransfer{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Execute runs every transfer and waits for all of them. Per-object
// failures are collected in the result rather than stopping the batch.
func (b *BatchTransfer) Execute(ctx context.Context, transfers []Transfer) *BatchResult {
	result := &BatchResult{Errors: make(map[string]error)}
	if len(transfers) == 0 {
		return result
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	record := func(t Transfer, n int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Errors[t.ObjectPath] = err
			return
		}
		if t.Kind == TransferPut {
			result.Puts++
		} else {
			result.Gets++
		}
		result.Bytes += int64(n)
	}

	for _, t := range transfers {
		if err := sem.Acquire(ctx, 1); err != nil {
			record(t, 0, fmt.Errorf("semaphore acquire failed: %w", err))
			continue
		}

		wg.Add(1)
		go func(t Transfer) {
			defer sem.Release(1)
			defer wg.Done()

			switch t.Kind {
			case TransferPut:
				record(t, len(t.Data), b.storage.Put(ctx, t.ObjectPath, t.Data))
			case TransferGet:
				data, err := b.storage.Get(ctx, t.ObjectPath)
				if err == nil && t.OnData != nil {
					err = t.OnData(data)
				}
				record(t, len(data), err)
			default:
				record(t, 0, fmt.Errorf("unknown transfer kind %d", t.Kind))
			}
		}(t)
	}

	wg.Wait()

	return result
}
