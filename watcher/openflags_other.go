//go:build !darwin

package watcher

import "os"

const openFlags = os.O_RDONLY
