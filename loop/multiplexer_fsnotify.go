package loop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyMultiplexer is the portable backend. It watches paths, so it
// allocates its own keys and closes the descriptor it is handed.
type fsnotifyMultiplexer struct {
	w       *fsnotify.Watcher
	slots   *slotTable[string]
	wake    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
}

// NewFsnotifyMultiplexer returns a Multiplexer built on fsnotify.
func NewFsnotifyMultiplexer(capacity int) (Multiplexer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &fsnotifyMultiplexer{
		w:     w,
		slots: newSlotTable[string](capacity),
		wake:  make(chan struct{}, 1),
	}, nil
}

func (m *fsnotifyMultiplexer) AddWatch(f *os.File, mask Mask) (int, error) {
	path, err := filepath.Abs(f.Name())
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", f.Name(), err)
	}
	if mask.Interest() == 0 {
		return 0, ErrEmptyMask
	}

	if key, ok := m.slots.lookup(path); ok {
		return key, nil
	}
	key, ok := m.slots.acquire(path)
	if !ok {
		return 0, fmt.Errorf("%w: no free watch id for %s", ErrCapacityExceeded, path)
	}
	if err := m.w.Add(path); err != nil {
		m.slots.release(key)
		return 0, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return key, nil
}

func (m *fsnotifyMultiplexer) RemoveWatch(key int, mask Mask) error {
	if mask.Interest() == 0 {
		return nil
	}
	path, ok := m.slots.id(key)
	if !ok {
		return nil
	}
	m.slots.release(key)
	if err := m.w.Remove(path); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("failed to unwatch %s: %w", path, err)
	}
	return nil
}

func normalizeFsnotify(op fsnotify.Op) Mask {
	var mask Mask
	if op.Has(fsnotify.Write) || op.Has(fsnotify.Chmod) {
		mask |= MaskWatch
	}
	if op.Has(fsnotify.Remove) {
		mask |= MaskDelete
	}
	if op.Has(fsnotify.Rename) {
		mask |= MaskMove
	}
	if op.Has(fsnotify.Create) {
		mask |= MaskCreate
	}
	return mask
}

func (m *fsnotifyMultiplexer) record(active []Event, n int, ev fsnotify.Event) int {
	key, ok := m.slots.lookup(filepath.Clean(ev.Name))
	if !ok {
		return n
	}
	mask := normalizeFsnotify(ev.Op)
	if mask == 0 {
		return n
	}
	n, ok = appendEvent(active, n, key, mask)
	if !ok {
		m.dropped.Add(1)
	}
	return n
}

func (m *fsnotifyMultiplexer) Poll(active []Event, timeout time.Duration) (int, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	n := 0
	select {
	case ev, ok := <-m.w.Events:
		if !ok {
			return 0, os.ErrClosed
		}
		n = m.record(active, n, ev)
	case err, ok := <-m.w.Errors:
		if !ok {
			return 0, os.ErrClosed
		}
		if errors.Is(err, fsnotify.ErrEventOverflow) {
			m.dropped.Add(1)
			return 0, nil
		}
		return 0, fmt.Errorf("fsnotify: %w", err)
	case <-m.wake:
		return 0, nil
	case <-expired:
		return 0, nil
	}

	for {
		select {
		case ev, ok := <-m.w.Events:
			if !ok {
				return n, nil
			}
			n = m.record(active, n, ev)
		default:
			return n, nil
		}
	}
}

func (m *fsnotifyMultiplexer) Wake() error {
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *fsnotifyMultiplexer) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *fsnotifyMultiplexer) Close() error {
	var err error
	m.once.Do(func() {
		err = m.w.Close()
	})
	return err
}
