package expiry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	calls int32
	count int
	err   error
}

func (f *fakeStore) SweepExpired(now time.Time) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.count, f.err
}

func TestRunSweepsOnEveryTickAndStopsOnCancel(t *testing.T) {
	store := &fakeStore{count: 2}
	w := New(store, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after context cancellation")
	}

	if atomic.LoadInt32(&store.calls) < 2 {
		t.Fatalf("expected multiple sweeps, got %d", store.calls)
	}
}

func TestSweepErrorDoesNotStopLoop(t *testing.T) {
	store := &fakeStore{err: errBoom}
	w := New(store, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after context cancellation")
	}

	if atomic.LoadInt32(&store.calls) < 2 {
		t.Fatalf("expected the loop to keep sweeping despite errors, got %d calls", store.calls)
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	w := New(&fakeStore{}, 0, zerolog.Nop())
	if w.interval != DefaultInterval {
		t.Fatalf("got interval=%v, want default %v", w.interval, DefaultInterval)
	}
}

type errBoomType struct{}

func (errBoomType) Error() string { return "sweep failed" }

var errBoom = errBoomType{}
