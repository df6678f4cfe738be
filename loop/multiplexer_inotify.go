//go:build linux

package loop

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const nameMax = 255

// inotifyMultiplexer watches paths. Keys are small ids handed out by a slot
// table and decoupled from both the caller's descriptor and the kernel's
// watch descriptor, so they stay below capacity however many times files are
// re-registered.
type inotifyMultiplexer struct {
	ifd      int
	epfd     int
	wakefd   int
	epEvents []unix.EpollEvent
	buf      []byte
	slots    *slotTable[int32]
	dropped  atomic.Uint64
	once     sync.Once
}

func newNativeMultiplexer(capacity int) (Multiplexer, error) {
	ifd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(ifd)
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(ifd)
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	for _, fd := range []int{ifd, wakefd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(ifd)
			unix.Close(epfd)
			unix.Close(wakefd)
			return nil, fmt.Errorf("epoll add: %w", err)
		}
	}

	bufSize := capacity * (unix.SizeofInotifyEvent + nameMax + 1)
	if bufSize < 4096 {
		bufSize = 4096
	}

	return &inotifyMultiplexer{
		ifd:      ifd,
		epfd:     epfd,
		wakefd:   wakefd,
		epEvents: make([]unix.EpollEvent, 2),
		buf:      make([]byte, bufSize),
		slots:    newSlotTable[int32](capacity),
	}, nil
}

func inotifyFlags(mask Mask) uint32 {
	var flags uint32
	if mask.Has(MaskWatch) {
		flags |= unix.IN_MODIFY | unix.IN_ATTRIB | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF
	}
	if mask.Has(MaskDelete) {
		flags |= unix.IN_DELETE_SELF | unix.IN_DELETE
	}
	if mask.Has(MaskCreate) {
		flags |= unix.IN_CREATE
	}
	if mask.Has(MaskMove) {
		flags |= unix.IN_MOVE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVED_TO
	}
	if mask.Has(MaskOpen) {
		flags |= unix.IN_OPEN
	}
	if mask.Has(MaskClose) {
		flags |= unix.IN_CLOSE_WRITE | unix.IN_CLOSE_NOWRITE
	}
	return flags
}

func normalizeInotify(raw uint32) Mask {
	var mask Mask
	if raw&unix.IN_CREATE != 0 {
		mask |= MaskCreate
	}
	if raw&(unix.IN_DELETE_SELF|unix.IN_DELETE) != 0 {
		mask |= MaskDelete
	}
	if raw&(unix.IN_MODIFY|unix.IN_ATTRIB) != 0 {
		mask |= MaskWatch
	}
	if raw&(unix.IN_MOVE_SELF|unix.IN_MOVED_FROM|unix.IN_MOVED_TO) != 0 {
		mask |= MaskMove
	}
	if raw&unix.IN_OPEN != 0 {
		mask |= MaskOpen
	}
	if raw&(unix.IN_CLOSE_WRITE|unix.IN_CLOSE_NOWRITE) != 0 {
		mask |= MaskClose
	}
	return mask
}

// descriptorPath resolves an open descriptor to the absolute path it refers to.
func descriptorPath(f *os.File) (string, error) {
	path, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(int(f.Fd())))
	if err != nil {
		// No procfs: fall back to the name the file was opened with.
		return filepath.Abs(f.Name())
	}
	if strings.HasSuffix(path, " (deleted)") {
		return "", fmt.Errorf("%s: %w", f.Name(), fs.ErrNotExist)
	}
	return path, nil
}

// AddWatch resolves f to its path and closes it; the watch outlives it.
func (in *inotifyMultiplexer) AddWatch(f *os.File, mask Mask) (int, error) {
	path, err := descriptorPath(f)
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("resolve descriptor: %w", err)
	}

	flags := inotifyFlags(mask)
	if flags == 0 {
		return 0, ErrEmptyMask
	}

	wd, err := unix.InotifyAddWatch(in.ifd, path, flags|unix.IN_MASK_ADD)
	if err != nil {
		return 0, fmt.Errorf("inotify add %s: %w", path, err)
	}

	key, ok := in.slots.acquire(int32(wd))
	if !ok {
		unix.InotifyRmWatch(in.ifd, uint32(wd))
		return 0, fmt.Errorf("%w: no free watch id for %s", ErrCapacityExceeded, path)
	}
	return key, nil
}

func (in *inotifyMultiplexer) RemoveWatch(key int, mask Mask) error {
	if mask.Interest() == 0 {
		return nil
	}
	wd, ok := in.slots.id(key)
	if !ok {
		return nil
	}
	in.slots.release(key)

	if _, err := unix.InotifyRmWatch(in.ifd, uint32(wd)); err != nil {
		// The kernel drops the watch itself once the file is gone.
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return fmt.Errorf("inotify rm %d: %w", wd, err)
	}
	return nil
}

func (in *inotifyMultiplexer) Poll(active []Event, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 && timeout > 0 {
			msec = 1
		}
	}

	ready, err := unix.EpollWait(in.epfd, in.epEvents, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	readable := false
	for i := 0; i < ready; i++ {
		switch int(in.epEvents[i].Fd) {
		case in.wakefd:
			in.drainWake()
		case in.ifd:
			readable = true
		}
	}
	if !readable {
		return 0, nil
	}

	nr, err := unix.Read(in.ifd, in.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("inotify read: %w", err)
	}

	n := 0
	for offset := 0; offset+unix.SizeofInotifyEvent <= nr; {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&in.buf[offset]))
		offset += unix.SizeofInotifyEvent + int(raw.Len)

		if raw.Mask&unix.IN_Q_OVERFLOW != 0 {
			in.dropped.Add(1)
			continue
		}
		key, ok := in.slots.lookup(raw.Wd)
		if !ok {
			continue
		}
		mask := normalizeInotify(raw.Mask)
		if mask == 0 {
			continue
		}
		if n, ok = appendEvent(active, n, key, mask); !ok {
			in.dropped.Add(1)
		}
	}
	return n, nil
}

func (in *inotifyMultiplexer) drainWake() {
	var buf [8]byte
	unix.Read(in.wakefd, buf[:])
}

func (in *inotifyMultiplexer) Wake() error {
	one := [8]byte{1}
	if _, err := unix.Write(in.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake: %w", err)
	}
	return nil
}

func (in *inotifyMultiplexer) Dropped() uint64 {
	return in.dropped.Load()
}

func (in *inotifyMultiplexer) Close() error {
	var err error
	in.once.Do(func() {
		err = errors.Join(unix.Close(in.ifd), unix.Close(in.epfd), unix.Close(in.wakefd))
	})
	return err
}
