// Package group provides the process group the benchmark ranks run in:
// each member knows its rank and the group size, and can block on a
// group-wide barrier or abort the whole group.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAborted is returned by Barrier once any member has aborted the group.
var ErrAborted = errors.New("process group aborted")

// Group is one member's view of the process group.
type Group interface {
	// Rank is this member's zero-based id.
	Rank() int

	// Size is the number of members.
	Size() int

	// Barrier blocks until every member has entered the same barrier.
	Barrier(ctx context.Context) error

	// Abort fails every pending and future barrier in the group.
	Abort(ctx context.Context, reason string) error

	// Close releases the member's resources.
	Close() error
}

// barrier is a reusable rendezvous for size participants.
type barrier struct {
	mu      sync.Mutex
	size    int
	arrived int
	rounds  uint64
	release chan struct{}

	abortOnce sync.Once
	aborted   chan struct{}
	reason    string
}

func newBarrier(size int) *barrier {
	return &barrier{
		size:    size,
		release: make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	select {
	case <-b.aborted:
		b.mu.Unlock()
		return b.abortErr()
	default:
	}

	release := b.release
	b.arrived++
	if b.arrived == b.size {
		b.arrived = 0
		b.rounds++
		b.release = make(chan struct{})
		close(release)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-b.aborted:
		return b.abortErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *barrier) abort(reason string) {
	b.abortOnce.Do(func() {
		b.mu.Lock()
		b.reason = reason
		b.mu.Unlock()
		close(b.aborted)
	})
}

func (b *barrier) abortErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrAborted, b.reason)
}

// completed returns the number of barrier rounds every member has passed.
func (b *barrier) completed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rounds
}

type solo struct{}

// Solo returns a single-member group.
func Solo() Group { return solo{} }

func (solo) Rank() int                           { return 0 }
func (solo) Size() int                           { return 1 }
func (solo) Barrier(ctx context.Context) error   { return ctx.Err() }
func (solo) Abort(context.Context, string) error { return nil }
func (solo) Close() error                        { return nil }

// Local is an in-process group of goroutine members sharing one barrier.
type Local struct {
	b       *barrier
	members []Group
}

type localMember struct {
	rank int
	l    *Local
}

// NewLocal creates an in-process group of size members.
func NewLocal(size int) (*Local, error) {
	if size < 1 {
		return nil, fmt.Errorf("group size must be at least 1, got %d", size)
	}
	l := &Local{b: newBarrier(size)}
	for r := 0; r < size; r++ {
		l.members = append(l.members, &localMember{rank: r, l: l})
	}
	return l, nil
}

// Member returns the view for rank.
func (l *Local) Member(rank int) Group {
	return l.members[rank]
}

// Rounds returns the number of completed barriers.
func (l *Local) Rounds() uint64 {
	return l.b.completed()
}

func (m *localMember) Rank() int { return m.rank }
func (m *localMember) Size() int { return m.l.b.size }

func (m *localMember) Barrier(ctx context.Context) error {
	return m.l.b.wait(ctx)
}

func (m *localMember) Abort(_ context.Context, reason string) error {
	m.l.b.abort(fmt.Sprintf("rank %d: %s", m.rank, reason))
	return nil
}

func (m *localMember) Close() error { return nil }
