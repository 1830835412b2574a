package group

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSolo(t *testing.T) {
	g := Solo()
	if g.Rank() != 0 || g.Size() != 1 {
		t.Errorf("got rank %d size %d", g.Rank(), g.Size())
	}
	if err := g.Barrier(context.Background()); err != nil {
		t.Errorf("Barrier failed: %v", err)
	}
}

func TestLocal_BarrierHoldsUntilAllArrive(t *testing.T) {
	const size = 4
	const rounds = 5
	l, err := NewLocal(size)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	var phase [rounds]int32
	var wg sync.WaitGroup
	errs := make(chan error, size)
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(m Group) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				atomic.AddInt32(&phase[i], 1)
				if err := m.Barrier(context.Background()); err != nil {
					errs <- err
					return
				}
				// every member must have entered round i before anyone leaves it
				if n := atomic.LoadInt32(&phase[i]); n != size {
					errs <- errors.New("member left barrier early")
					return
				}
			}
		}(l.Member(r))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if l.Rounds() != rounds {
		t.Errorf("Rounds = %d, want %d", l.Rounds(), rounds)
	}
}

func TestLocal_AbortReleasesWaiters(t *testing.T) {
	l, err := NewLocal(3)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			results[r] = l.Member(r).Barrier(context.Background())
		}(r)
	}

	if err := l.Member(2).Abort(context.Background(), "backend failed"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	wg.Wait()

	for r, err := range results {
		if !errors.Is(err, ErrAborted) {
			t.Errorf("rank %d: expected ErrAborted, got %v", r, err)
		}
	}
	if err := l.Member(2).Barrier(context.Background()); !errors.Is(err, ErrAborted) {
		t.Errorf("barrier after abort should fail, got %v", err)
	}
}

func TestNewLocal_InvalidSize(t *testing.T) {
	if _, err := NewLocal(0); err == nil {
		t.Error("expected error for empty group")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func joinRemote(t *testing.T, size int) []*Remote {
	t.Helper()
	root, err := Join(0, size, "127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("Join rank 0 failed: %v", err)
	}
	members := []*Remote{root}
	for r := 1; r < size; r++ {
		m, err := Join(r, size, root.Addr(), discardLogger())
		if err != nil {
			t.Fatalf("Join rank %d failed: %v", r, err)
		}
		members = append(members, m)
	}
	return members
}

func TestRemote_Barrier(t *testing.T) {
	const size = 3
	members := joinRemote(t, size)

	var wg sync.WaitGroup
	errs := make(chan error, size)
	for _, m := range members {
		wg.Add(1)
		go func(m *Remote) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				if err := m.Barrier(context.Background()); err != nil {
					errs <- err
					return
				}
			}
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("barrier failed: %v", err)
	}

	if got := members[0].coord.b.completed(); got != 3 {
		t.Errorf("completed rounds = %d, want 3", got)
	}

	for i := len(members) - 1; i >= 0; i-- {
		if err := members[i].Close(); err != nil {
			t.Errorf("Close rank %d failed: %v", i, err)
		}
	}
}

func TestRemote_AbortFailsBarriers(t *testing.T) {
	members := joinRemote(t, 3)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, m := range []*Remote{members[0], members[2]} {
		wg.Add(1)
		go func(i int, m *Remote) {
			defer wg.Done()
			results[i] = m.Barrier(context.Background())
		}(i, m)
	}

	if err := members[1].Abort(context.Background(), "write_chunk failed"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	wg.Wait()

	for i, err := range results {
		if !errors.Is(err, ErrAborted) {
			t.Errorf("member %d: expected ErrAborted, got %v", i, err)
		}
	}

	for i := len(members) - 1; i >= 0; i-- {
		members[i].Close()
	}
}

func TestRemote_LateJoinAfterCoordinatorExit(t *testing.T) {
	root, err := Join(0, 2, "127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("Join rank 0 failed: %v", err)
	}
	addr := root.Addr()
	if err := root.Abort(context.Background(), "create_dataset failed"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := root.Close(); err != nil {
		t.Fatalf("Close rank 0 failed: %v", err)
	}

	late, err := Join(1, 2, addr, discardLogger(), WithStartupTimeout(300*time.Millisecond))
	if err != nil {
		t.Fatalf("Join rank 1 failed: %v", err)
	}
	defer late.Close()

	done := make(chan error, 1)
	go func() { done <- late.Barrier(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("expected ErrAborted, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("barrier did not return after the coordinator exited")
	}
}

func TestRemote_CoordinatorGoneIsAbort(t *testing.T) {
	members := joinRemote(t, 2)

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *Remote) {
			defer wg.Done()
			if err := m.Barrier(context.Background()); err != nil {
				t.Errorf("rank %d: barrier failed: %v", m.Rank(), err)
			}
		}(m)
	}
	wg.Wait()

	if err := members[0].Close(); err != nil {
		t.Fatalf("Close rank 0 failed: %v", err)
	}
	defer members[1].Close()

	if err := members[1].Barrier(context.Background()); !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted once the coordinator is gone, got %v", err)
	}
}

func TestJoin_InvalidRank(t *testing.T) {
	if _, err := Join(2, 2, "127.0.0.1:0", discardLogger()); err == nil {
		t.Error("expected error for rank outside group")
	}
}
