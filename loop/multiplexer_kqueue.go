//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package loop

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueMultiplexer registers EVFILT_VNODE interest directly on the watched
// file's descriptor. The descriptor is the registry key.
type kqueueMultiplexer struct {
	kq       int
	capacity int
	events   []unix.Kevent_t
	wakeR    int
	wakeW    int
	dropped  atomic.Uint64
	once     sync.Once
}

func newNativeMultiplexer(capacity int) (Multiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	for _, fd := range pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(kq)
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			return nil, fmt.Errorf("wake pipe: %w", err)
		}
	}

	var change unix.Kevent_t
	unix.SetKevent(&change, pipe[0], unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		unix.Close(kq)
		unix.Close(pipe[0])
		unix.Close(pipe[1])
		return nil, fmt.Errorf("register wake pipe: %w", err)
	}

	return &kqueueMultiplexer{
		kq:       kq,
		capacity: capacity,
		events:   make([]unix.Kevent_t, capacity+1),
		wakeR:    pipe[0],
		wakeW:    pipe[1],
	}, nil
}

func vnodeFlags(mask Mask) uint32 {
	var fflags uint32
	// Watch is the generic interest and asks for everything.
	if mask.Has(MaskWatch) {
		fflags |= unix.NOTE_WRITE | unix.NOTE_EXTEND | unix.NOTE_ATTRIB | unix.NOTE_DELETE | unix.NOTE_RENAME
	}
	if mask.Has(MaskDelete) {
		fflags |= unix.NOTE_DELETE
	}
	if mask.Has(MaskMove) {
		fflags |= unix.NOTE_RENAME
	}
	return fflags
}

func (k *kqueueMultiplexer) AddWatch(f *os.File, mask Mask) (int, error) {
	fd := int(f.Fd())
	if fd >= k.capacity {
		return 0, fmt.Errorf("%w: descriptor %d, capacity %d", ErrCapacityExceeded, fd, k.capacity)
	}

	fflags := vnodeFlags(mask)
	if fflags == 0 {
		return fd, nil
	}

	var change unix.Kevent_t
	unix.SetKevent(&change, fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR)
	change.Fflags = fflags
	if _, err := unix.Kevent(k.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		return 0, fmt.Errorf("kevent add %s: %w", f.Name(), err)
	}
	return fd, nil
}

func (k *kqueueMultiplexer) RemoveWatch(key int, mask Mask) error {
	if vnodeFlags(mask) == 0 {
		return nil
	}
	var change unix.Kevent_t
	unix.SetKevent(&change, key, unix.EVFILT_VNODE, unix.EV_DELETE)
	if _, err := unix.Kevent(k.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		// Closing a descriptor drops its knotes.
		if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("kevent delete %d: %w", key, err)
	}
	return nil
}

func (k *kqueueMultiplexer) Poll(active []Event, timeout time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}

	ready, err := unix.Kevent(k.kq, nil, k.events, ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("kevent wait: %w", err)
	}

	n := 0
	for i := 0; i < ready; i++ {
		change := &k.events[i]
		ident := int(change.Ident)

		if change.Filter == unix.EVFILT_READ && ident == k.wakeR {
			k.drainWake()
			continue
		}
		if change.Flags&unix.EV_ERROR != 0 {
			continue
		}

		var mask Mask
		if change.Fflags&(unix.NOTE_WRITE|unix.NOTE_EXTEND|unix.NOTE_ATTRIB) != 0 {
			mask |= MaskWatch
		}
		// The caller can determine what to do with a delete.
		if change.Fflags&unix.NOTE_DELETE != 0 {
			mask |= MaskDelete
		}
		if change.Fflags&unix.NOTE_RENAME != 0 {
			mask |= MaskMove
		}

		var ok bool
		if n, ok = appendEvent(active, n, ident, mask); !ok {
			k.dropped.Add(1)
		}
	}
	return n, nil
}

func (k *kqueueMultiplexer) drainWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(k.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (k *kqueueMultiplexer) Wake() error {
	if _, err := unix.Write(k.wakeW, []byte{1}); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake: %w", err)
	}
	return nil
}

func (k *kqueueMultiplexer) Dropped() uint64 {
	return k.dropped.Load()
}

func (k *kqueueMultiplexer) Close() error {
	var err error
	k.once.Do(func() {
		err = errors.Join(unix.Close(k.kq), unix.Close(k.wakeR), unix.Close(k.wakeW))
	})
	return err
}
