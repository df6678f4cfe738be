package loop

import (
	"os"
	"testing"
	"time"
)

var backends = []Backend{BackendNative, BackendFsnotify}

func newBackendLoop(t *testing.T, backend Backend) *Loop {
	t.Helper()
	l, err := New(64, 200*time.Millisecond, WithBackend(backend))
	if err != nil {
		t.Fatalf("New(%s) failed: %v", backend, err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// waitFor runs ProcessOnce until cond holds or the deadline passes.
func waitFor(t *testing.T, l *Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := l.ProcessOnce(); err != nil {
			t.Fatalf("ProcessOnce() failed: %v", err)
		}
		if cond() {
			return
		}
	}
	t.Fatal("timed out waiting for event")
}

func TestNewMultiplexer_UnknownBackend(t *testing.T) {
	if _, err := NewMultiplexer("carrier-pigeon", 8); err == nil {
		t.Fatal("NewMultiplexer() should reject an unknown backend")
	}
}

func TestBackend_ReportsWrite(t *testing.T) {
	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			l := newBackendLoop(t, backend)
			f, path := openTemp(t, "a.c")

			var seen Mask
			key, err := l.Add(f, MaskWatch, func(_ *Loop, _ int, _ any, mask Mask) { seen |= mask }, nil)
			if err != nil {
				t.Fatalf("Add() failed: %v", err)
			}
			if key < 0 || key >= 64 {
				t.Fatalf("key %d outside capacity", key)
			}

			if err := os.WriteFile(path, []byte("int x;\n"), 0644); err != nil {
				t.Fatalf("WriteFile() failed: %v", err)
			}
			waitFor(t, l, func() bool { return seen.Has(MaskWatch) })
		})
	}
}

func TestBackend_ReportsDelete(t *testing.T) {
	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			l := newBackendLoop(t, backend)
			f, path := openTemp(t, "a.c")

			var seen Mask
			if _, err := l.Add(f, MaskWatch, func(_ *Loop, _ int, _ any, mask Mask) { seen |= mask }, nil); err != nil {
				t.Fatalf("Add() failed: %v", err)
			}
			if err := os.Remove(path); err != nil {
				t.Fatalf("Remove() failed: %v", err)
			}
			waitFor(t, l, func() bool { return seen.Has(MaskDelete | MaskMove) })
		})
	}
}

func TestBackend_RemoveThenReAdd(t *testing.T) {
	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			l := newBackendLoop(t, backend)
			f, path := openTemp(t, "a.c")

			key, err := l.Add(f, MaskWatch, noopCallback, nil)
			if err != nil {
				t.Fatalf("Add() failed: %v", err)
			}
			if err := l.Remove(key, MaskWatch); err != nil {
				t.Fatalf("Remove() failed: %v", err)
			}
			if l.Registry().Highest() != None {
				t.Fatalf("Highest() = %d after remove, want None", l.Registry().Highest())
			}

			again, err := os.Open(path)
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			t.Cleanup(func() { again.Close() })

			var calls int
			key, err = l.Add(again, MaskWatch, func(*Loop, int, any, Mask) { calls++ }, nil)
			if err != nil {
				t.Fatalf("re-Add() failed: %v", err)
			}
			if got := l.Registry().Get(key).Mask; got != MaskAdd|MaskWatch {
				t.Errorf("mask = %v, want ADD|WATCH", got)
			}
			if l.Registry().Highest() != key {
				t.Errorf("Highest() = %d, want %d", l.Registry().Highest(), key)
			}

			if err := os.WriteFile(path, []byte("int y;\n"), 0644); err != nil {
				t.Fatalf("WriteFile() failed: %v", err)
			}
			waitFor(t, l, func() bool { return calls > 0 })
		})
	}
}

func TestBackend_StopWakesInfinitePoll(t *testing.T) {
	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			l, err := New(64, -1, WithBackend(backend))
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer l.Close()
			f, _ := openTemp(t, "a.c")
			if _, err := l.Add(f, MaskWatch, noopCallback, nil); err != nil {
				t.Fatalf("Add() failed: %v", err)
			}

			done := make(chan struct{})
			go func() {
				l.ProcessOnce()
				close(done)
			}()
			time.Sleep(50 * time.Millisecond)
			l.Stop()

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("poll was not woken")
			}
		})
	}
}

func TestAppendEvent_Coalesces(t *testing.T) {
	active := make([]Event, 2)
	n := 0
	var ok bool
	n, _ = appendEvent(active, n, 3, MaskWatch)
	n, _ = appendEvent(active, n, 3, MaskDelete)
	n, _ = appendEvent(active, n, 4, MaskMove)
	n, ok = appendEvent(active, n, 5, MaskWatch)

	if n != 2 || ok {
		t.Fatalf("n = %d ok = %v, want 2 false", n, ok)
	}
	if active[0] != (Event{Key: 3, Mask: MaskWatch | MaskDelete}) {
		t.Errorf("active[0] = %+v", active[0])
	}
	if active[1] != (Event{Key: 4, Mask: MaskMove}) {
		t.Errorf("active[1] = %+v", active[1])
	}
}

func TestSlotTable(t *testing.T) {
	s := newSlotTable[string](2)

	a, ok := s.acquire("/a")
	if !ok || a != 0 {
		t.Fatalf("acquire(/a) = %d %v", a, ok)
	}
	if again, _ := s.acquire("/a"); again != a {
		t.Errorf("acquire(/a) twice = %d, want %d", again, a)
	}
	b, _ := s.acquire("/b")
	if _, ok := s.acquire("/c"); ok {
		t.Error("acquire() should fail when full")
	}

	s.release(a)
	if _, ok := s.lookup("/a"); ok {
		t.Error("lookup(/a) after release should fail")
	}
	c, ok := s.acquire("/c")
	if !ok || c != a {
		t.Errorf("acquire(/c) = %d %v, want reused key %d", c, ok, a)
	}
	if id, _ := s.id(b); id != "/b" {
		t.Errorf("id(%d) = %q, want /b", b, id)
	}
}
