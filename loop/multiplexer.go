package loop

import (
	"fmt"
	"os"
	"time"
)

// Event is a normalized notification produced by a Multiplexer.
type Event struct {
	Key  int
	Mask Mask
}

// Multiplexer wraps one OS change-notification primitive.
//
// AddWatch returns the key the registry must use for f. Backends that watch
// paths rather than descriptors close f once its path is resolved, so the
// caller must tolerate os.ErrClosed when closing it later.
//
// Poll fills active with at most len(active) events and returns how many
// were written. A negative timeout blocks until something happens. Wake is
// the only method that may be called from another goroutine.
type Multiplexer interface {
	AddWatch(f *os.File, mask Mask) (int, error)
	RemoveWatch(key int, mask Mask) error
	Poll(active []Event, timeout time.Duration) (int, error)
	Wake() error
	Dropped() uint64
	Close() error
}

// Backend names a multiplexer implementation.
type Backend string

const (
	BackendNative   Backend = "native"
	BackendFsnotify Backend = "fsnotify"
)

// NewMultiplexer builds the multiplexer for backend. The native backend is
// kqueue on BSD-family kernels, inotify on Linux and fsnotify elsewhere.
func NewMultiplexer(backend Backend, capacity int) (Multiplexer, error) {
	switch backend {
	case "", BackendNative:
		return newNativeMultiplexer(capacity)
	case BackendFsnotify:
		return NewFsnotifyMultiplexer(capacity)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// slotTable hands out the lowest free id in [0, capacity) and maps it to a
// backend-specific identifier (an inotify watch descriptor or a path).
type slotTable[T comparable] struct {
	byKey []T
	used  []bool
	byID  map[T]int
}

func newSlotTable[T comparable](capacity int) *slotTable[T] {
	return &slotTable[T]{
		byKey: make([]T, capacity),
		used:  make([]bool, capacity),
		byID:  make(map[T]int),
	}
}

// acquire returns the key already bound to id, or binds the lowest free key.
func (s *slotTable[T]) acquire(id T) (int, bool) {
	if key, ok := s.byID[id]; ok {
		return key, true
	}
	for key := range s.used {
		if !s.used[key] {
			s.used[key] = true
			s.byKey[key] = id
			s.byID[id] = key
			return key, true
		}
	}
	return 0, false
}

func (s *slotTable[T]) lookup(id T) (int, bool) {
	key, ok := s.byID[id]
	return key, ok
}

func (s *slotTable[T]) id(key int) (T, bool) {
	var zero T
	if key < 0 || key >= len(s.used) || !s.used[key] {
		return zero, false
	}
	return s.byKey[key], true
}

func (s *slotTable[T]) release(key int) {
	if key < 0 || key >= len(s.used) || !s.used[key] {
		return
	}
	var zero T
	delete(s.byID, s.byKey[key])
	s.byKey[key] = zero
	s.used[key] = false
}

// appendEvent coalesces mask into the last event when it has the same key,
// otherwise starts a new event. It reports false when active is full.
func appendEvent(active []Event, n int, key int, mask Mask) (int, bool) {
	if n > 0 && active[n-1].Key == key {
		active[n-1].Mask |= mask
		return n, true
	}
	if n >= len(active) {
		return n, false
	}
	active[n] = Event{Key: key, Mask: mask}
	return n + 1, true
}
