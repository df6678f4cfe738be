// Package loop implements a single-goroutine event loop over the operating
// system's file change notification primitive.
//
// A Loop owns a fixed-capacity Registry of callbacks and a Multiplexer. Run
// blocks in the multiplexer's poll and dispatches every normalized event to
// the callback registered for its key. Callbacks run on the loop goroutine
// and may add and remove registrations.
package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// pollErrorBackoff bounds how fast Run retries a failing poll.
const pollErrorBackoff = 100 * time.Millisecond

// Loop is the event loop driver.
type Loop struct {
	capacity  int
	timeout   time.Duration
	registry  *Registry
	mux       Multiplexer
	backend   Backend
	active    []Event
	gens      []uint64
	stopping  atomic.Bool
	processed atomic.Uint64
	wake      chan struct{}
	logger    *zap.Logger

	// muxMu keeps Wake from racing Close on another goroutine.
	muxMu     sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a loop with capacity registry slots. A negative timeout makes
// every poll block until an event arrives or Stop is called.
func New(capacity int, timeout time.Duration, opts ...Option) (*Loop, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid capacity %d", capacity)
	}

	l := &Loop{
		capacity: capacity,
		timeout:  timeout,
		registry: NewRegistry(capacity),
		backend:  BackendNative,
		active:   make([]Event, capacity),
		gens:     make([]uint64, capacity),
		wake:     make(chan struct{}, 1),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.mux == nil {
		mux, err := NewMultiplexer(l.backend, capacity)
		if err != nil {
			return nil, fmt.Errorf("failed to create multiplexer: %w", err)
		}
		l.mux = mux
	}
	return l, nil
}

func (l *Loop) Registry() *Registry {
	return l.registry
}

// Processed returns the number of events inspected so far.
func (l *Loop) Processed() uint64 {
	return l.processed.Load()
}

// Dropped returns the number of events the multiplexer could not deliver.
func (l *Loop) Dropped() uint64 {
	return l.mux.Dropped()
}

// Add watches f for mask and registers cb under the key the multiplexer
// assigns. The multiplexer may close f; see Multiplexer.
func (l *Loop) Add(f *os.File, mask Mask, cb Callback, data any) (int, error) {
	key, err := l.mux.AddWatch(f, mask)
	if err != nil {
		return 0, err
	}
	if err := l.registry.Add(key, mask, cb, data); err != nil {
		if rerr := l.mux.RemoveWatch(key, mask); rerr != nil {
			l.logger.Warn("failed to roll back watch", zap.Int("key", key), zap.Error(rerr))
		}
		return 0, err
	}
	l.logger.Debug("watch added", zap.Int("key", key), zap.Stringer("mask", mask))
	return key, nil
}

// Remove clears mask from key. The platform watch is released once the slot
// carries no interest at all. Removing an unused key does nothing.
func (l *Loop) Remove(key int, mask Mask) error {
	if !l.registry.Active(key) {
		return nil
	}
	l.registry.Remove(key, mask)
	if l.registry.Active(key) {
		return nil
	}
	if err := l.mux.RemoveWatch(key, mask); err != nil {
		return err
	}
	l.logger.Debug("watch removed", zap.Int("key", key))
	return nil
}

// ProcessOnce polls once and dispatches what it got. It returns at once when
// nothing is registered. A poll error is returned without dispatching.
//
// Callbacks may free a key and have it handed to another file while the
// batch is still being dispatched. Events whose key changed occupant since
// the poll returned are dropped.
func (l *Loop) ProcessOnce() error {
	if l.registry.Highest() == None {
		return nil
	}

	n, err := l.mux.Poll(l.active, l.timeout)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	for i := 0; i < n; i++ {
		l.gens[i] = l.registry.Generation(l.active[i].Key)
	}

	for i := 0; i < n; i++ {
		ev := l.active[i]
		l.processed.Add(1)
		if ev.Mask == 0 {
			continue
		}
		rec := l.registry.Get(ev.Key)
		if rec == nil || !rec.Active() || rec.Callback == nil {
			continue
		}
		if l.registry.Generation(ev.Key) != l.gens[i] {
			l.logger.Debug("dropping stale event", zap.Int("key", ev.Key), zap.Stringer("mask", ev.Mask))
			continue
		}
		rec.Callback(l, ev.Key, rec.Data, ev.Mask)
	}
	return nil
}

// Run calls ProcessOnce until Stop is called or ctx is done. Poll errors are
// logged and do not end the loop. With nothing registered Run waits for Stop.
// A Stop issued before Run makes it return at once; each Stop ends one Run.
func (l *Loop) Run(ctx context.Context) error {
	afterDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(afterDone)
		l.Stop()
	})
	defer func() {
		if !stop() {
			<-afterDone
		}
	}()

	for !l.stopping.CompareAndSwap(true, false) {
		if l.registry.Highest() == None {
			l.logger.Debug("nothing registered, waiting for stop")
			<-l.wake
			continue
		}
		if err := l.ProcessOnce(); err != nil {
			l.logger.Warn("poll failed", zap.Error(err))
			select {
			case <-l.wake:
			case <-time.After(pollErrorBackoff):
			}
		}
	}

	l.logger.Debug("loop stopped", zap.Uint64("processed", l.Processed()))
	return nil
}

// Stop requests the end of Run and wakes a blocked poll. The loop notices
// after the current poll returns. Safe to call from any goroutine, also
// after Close.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	select {
	case l.wake <- struct{}{}:
	default:
	}

	l.muxMu.RLock()
	defer l.muxMu.RUnlock()
	if l.closed {
		return
	}
	if err := l.mux.Wake(); err != nil {
		l.logger.Warn("failed to wake poll", zap.Error(err))
	}
}

// Close releases the multiplexer. It waits for a concurrent Stop to finish
// waking it and is safe to call more than once.
func (l *Loop) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.stopping.Store(true)
		l.muxMu.Lock()
		defer l.muxMu.Unlock()
		l.closed = true
		if cerr := l.mux.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = fmt.Errorf("failed to close multiplexer: %w", cerr)
		}
	})
	return err
}
