package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeMultiplexer hands out sequential keys and replays queued batches.
type fakeMultiplexer struct {
	mu      sync.Mutex
	nextKey int
	watches map[int]Mask
	batches [][]Event
	errs    []error
	polls   int
	wake    chan struct{}
	wakes   atomic.Int32
	closed  int
}

func newFakeMultiplexer() *fakeMultiplexer {
	return &fakeMultiplexer{
		watches: make(map[int]Mask),
		wake:    make(chan struct{}, 1),
	}
}

func (m *fakeMultiplexer) AddWatch(f *os.File, mask Mask) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.nextKey
	m.nextKey++
	m.watches[key] |= mask
	return key, nil
}

func (m *fakeMultiplexer) RemoveWatch(key int, mask Mask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, key)
	return nil
}

func (m *fakeMultiplexer) Poll(active []Event, timeout time.Duration) (int, error) {
	m.mu.Lock()
	m.polls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		m.mu.Unlock()
		return 0, err
	}
	if len(m.batches) > 0 {
		batch := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return copy(active, batch), nil
	}
	m.mu.Unlock()

	select {
	case <-m.wake:
	case <-time.After(5 * time.Second):
	}
	return 0, nil
}

func (m *fakeMultiplexer) Wake() error {
	m.wakes.Add(1)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *fakeMultiplexer) Dropped() uint64 { return 0 }

func (m *fakeMultiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMultiplexer) queue(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, events)
}

func (m *fakeMultiplexer) liveWatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

type dispatch struct {
	key  int
	data any
	mask Mask
}

func newTestLoop(t *testing.T, mux Multiplexer) *Loop {
	t.Helper()
	l, err := New(16, time.Second, WithMultiplexer(mux))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func openTemp(t *testing.T, name string) (*os.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("int main(void) { return 0; }\n"), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func TestNew_InvalidCapacity(t *testing.T) {
	if _, err := New(0, time.Second, WithMultiplexer(newFakeMultiplexer())); err == nil {
		t.Fatal("New(0) should fail")
	}
}

func TestProcessOnce_NothingRegistered(t *testing.T) {
	mux := newFakeMultiplexer()
	mux.queue(Event{Key: 0, Mask: MaskWatch})
	l := newTestLoop(t, mux)

	if err := l.ProcessOnce(); err != nil {
		t.Fatalf("ProcessOnce() failed: %v", err)
	}
	if mux.polls != 0 {
		t.Errorf("polls = %d, want 0", mux.polls)
	}
	if l.Processed() != 0 {
		t.Errorf("Processed() = %d, want 0", l.Processed())
	}
}

func TestProcessOnce_Dispatch(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)
	f, _ := openTemp(t, "a.c")

	var got []dispatch
	cb := func(cl *Loop, key int, data any, mask Mask) {
		if cl != l {
			t.Error("callback got a different loop")
		}
		got = append(got, dispatch{key, data, mask})
	}

	key, err := l.Add(f, MaskWatch, cb, "a.c")
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	mux.queue(
		Event{Key: key, Mask: MaskWatch | MaskDelete},
		Event{Key: key, Mask: 0},
		Event{Key: 9, Mask: MaskWatch},
	)
	if err := l.ProcessOnce(); err != nil {
		t.Fatalf("ProcessOnce() failed: %v", err)
	}

	if l.Processed() != 3 {
		t.Errorf("Processed() = %d, want 3", l.Processed())
	}
	if len(got) != 1 {
		t.Fatalf("got %d dispatches, want 1", len(got))
	}
	if got[0].key != key || got[0].data != "a.c" || got[0].mask != MaskWatch|MaskDelete {
		t.Errorf("dispatch = %+v", got[0])
	}
}

func TestProcessOnce_DropsEventsForReusedKey(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)
	fa, _ := openTemp(t, "a.c")
	fb, _ := openTemp(t, "b.c")

	calls := map[string]int{}
	cbA := func(cl *Loop, key int, _ any, _ Mask) {
		calls["a"]++
		if err := cl.Remove(key, MaskWatch); err != nil {
			t.Errorf("Remove(a) failed: %v", err)
		}
	}
	var cbB Callback
	cbB = func(cl *Loop, key int, _ any, _ Mask) {
		calls["b"]++
		if err := cl.Remove(key, MaskWatch); err != nil {
			t.Errorf("Remove(b) failed: %v", err)
		}
		// Hand b the key a just gave up.
		mux.nextKey = 0
		if _, err := cl.Add(fb, MaskWatch, cbB, "b"); err != nil {
			t.Errorf("re-Add(b) failed: %v", err)
		}
	}

	keyA, err := l.Add(fa, MaskWatch, cbA, "a")
	if err != nil {
		t.Fatalf("Add(a) failed: %v", err)
	}
	keyB, err := l.Add(fb, MaskWatch, cbB, "b")
	if err != nil {
		t.Fatalf("Add(b) failed: %v", err)
	}
	if keyA != 0 || keyB != 1 {
		t.Fatalf("keys = %d/%d, want 0/1", keyA, keyB)
	}

	mux.queue(
		Event{Key: keyA, Mask: MaskWatch},
		Event{Key: keyB, Mask: MaskWatch},
		Event{Key: keyA, Mask: MaskDelete},
	)
	if err := l.ProcessOnce(); err != nil {
		t.Fatalf("ProcessOnce() failed: %v", err)
	}

	if calls["a"] != 1 || calls["b"] != 1 {
		t.Errorf("calls = %v, want a:1 b:1", calls)
	}
	if l.Processed() != 3 {
		t.Errorf("Processed() = %d, want 3", l.Processed())
	}
	if rec := l.Registry().Get(0); rec.Data != "b" {
		t.Errorf("key 0 data = %v, want b", rec.Data)
	}
}

func TestProcessOnce_PollError(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)
	f, _ := openTemp(t, "a.c")

	called := false
	key, err := l.Add(f, MaskWatch, func(*Loop, int, any, Mask) { called = true }, nil)
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	boom := errors.New("boom")
	mux.errs = append(mux.errs, boom)
	mux.queue(Event{Key: key, Mask: MaskWatch})

	if err := l.ProcessOnce(); !errors.Is(err, boom) {
		t.Fatalf("ProcessOnce() error = %v, want boom", err)
	}
	if called || l.Processed() != 0 {
		t.Errorf("dispatched on poll error: called=%v processed=%d", called, l.Processed())
	}

	// The next call carries on.
	if err := l.ProcessOnce(); err != nil {
		t.Fatalf("ProcessOnce() failed: %v", err)
	}
	if !called {
		t.Error("callback not invoked after recovery")
	}
}

func TestAdd_RollsBackWatchOnRegistryFailure(t *testing.T) {
	mux := newFakeMultiplexer()
	mux.nextKey = 16
	l := newTestLoop(t, mux)
	f, _ := openTemp(t, "a.c")

	if _, err := l.Add(f, MaskWatch, noopCallback, nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Add() error = %v, want ErrCapacityExceeded", err)
	}
	if mux.liveWatches() != 0 {
		t.Errorf("live watches = %d, want 0", mux.liveWatches())
	}
	if l.Registry().Highest() != None {
		t.Errorf("Highest() = %d, want None", l.Registry().Highest())
	}
}

func TestRemoveThenReAdd(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)
	f, _ := openTemp(t, "a.c")

	key, err := l.Add(f, MaskWatch, noopCallback, nil)
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := l.Remove(key, MaskWatch); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if err := l.Remove(key, MaskWatch); err != nil {
		t.Fatalf("second Remove() failed: %v", err)
	}

	mux.nextKey = key
	again, err := l.Add(f, MaskWatch, noopCallback, nil)
	if err != nil {
		t.Fatalf("re-Add() failed: %v", err)
	}
	if again != key {
		t.Fatalf("re-Add() key = %d, want %d", again, key)
	}
	if got := l.Registry().Get(key).Mask; got != MaskAdd|MaskWatch {
		t.Errorf("mask = %v, want ADD|WATCH", got)
	}
	if mux.liveWatches() != 1 {
		t.Errorf("live watches = %d, want 1", mux.liveWatches())
	}
}

func TestRun_StopFromCallback(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)
	f, _ := openTemp(t, "a.c")

	key, err := l.Add(f, MaskWatch, func(cl *Loop, _ int, _ any, _ Mask) { cl.Stop() }, nil)
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	mux.queue(Event{Key: key, Mask: MaskWatch})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if l.Processed() != 1 {
		t.Errorf("Processed() = %d, want 1", l.Processed())
	}
}

func TestRun_PollErrorDoesNotStopLoop(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)
	f, _ := openTemp(t, "a.c")

	key, err := l.Add(f, MaskWatch, func(cl *Loop, _ int, _ any, _ Mask) { cl.Stop() }, nil)
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	mux.errs = append(mux.errs, errors.New("transient"))
	mux.queue(Event{Key: key, Mask: MaskWatch})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if mux.polls != 2 {
		t.Errorf("polls = %d, want 2", mux.polls)
	}
}

func runAsync(l *Loop, ctx context.Context) chan error {
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()
	return done
}

func TestRun_CancelWakesBlockedPoll(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)
	f, _ := openTemp(t, "a.c")
	if _, err := l.Add(f, MaskWatch, noopCallback, nil); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(l, ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRun_IdleWaitsForStop(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)

	done := runAsync(l, context.Background())
	time.Sleep(50 * time.Millisecond)

	select {
	case <-done:
		t.Fatal("Run() returned while idle")
	default:
	}

	l.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Stop")
	}
	if mux.polls != 0 {
		t.Errorf("polls = %d while idle, want 0", mux.polls)
	}
}

func TestRun_StopBeforeRun(t *testing.T) {
	mux := newFakeMultiplexer()
	l := newTestLoop(t, mux)
	f, _ := openTemp(t, "a.c")
	if _, err := l.Add(f, MaskWatch, noopCallback, nil); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	l.Stop()
	done := runAsync(l, context.Background())
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() ignored a Stop issued before it started")
	}
	if mux.polls != 0 {
		t.Errorf("polls = %d, want 0", mux.polls)
	}
}

func TestStop_AfterCloseSkipsWake(t *testing.T) {
	mux := newFakeMultiplexer()
	l, err := New(4, time.Second, WithMultiplexer(mux))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	l.Stop()
	if n := mux.wakes.Load(); n != 0 {
		t.Errorf("Wake() called %d times after Close, want 0", n)
	}
}

func TestRun_CancelThenClose(t *testing.T) {
	mux := newFakeMultiplexer()
	l, err := New(4, -1, WithMultiplexer(mux))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	f, _ := openTemp(t, "a.c")
	if _, err := l.Add(f, MaskWatch, noopCallback, nil); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := runAsync(l, ctx)
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	l.Stop()
	if mux.closed != 1 {
		t.Errorf("multiplexer closed %d times, want 1", mux.closed)
	}
}

func TestClose_Once(t *testing.T) {
	mux := newFakeMultiplexer()
	l, err := New(4, time.Second, WithMultiplexer(mux))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	l.Close()
	l.Close()
	if mux.closed != 1 {
		t.Errorf("multiplexer closed %d times, want 1", mux.closed)
	}
}
