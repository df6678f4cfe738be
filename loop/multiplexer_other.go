//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package loop

func newNativeMultiplexer(capacity int) (Multiplexer, error) {
	return NewFsnotifyMultiplexer(capacity)
}
