package watcher

import (
	"os"

	"golang.org/x/sys/unix"
)

// O_EVTONLY keeps the watch from blocking unmounts of the volume.
const openFlags = os.O_RDONLY | unix.O_EVTONLY
