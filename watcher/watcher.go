// Package watcher keeps a set of files registered with the event loop while
// they are modified, replaced or deleted, and restarts the watched command
// whenever one of them settles back into the open state.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yoanbernabeu/fwatch/ignore"
	"github.com/yoanbernabeu/fwatch/loop"
	"go.uber.org/zap"
)

var (
	ErrMaxOpen    = errors.New("maximum number of open files reached")
	ErrNotRegular = errors.New("not a regular file")
)

type State int

const (
	StateOpen State = iota
	StatePendingReopen
	StateGone
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePendingReopen:
		return "pending-reopen"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Respawner restarts the watched command.
type Respawner interface {
	RunOnce(ctx context.Context) error
}

type watchedFile struct {
	file    *os.File
	key     int
	path    string
	size    int64
	modTime time.Time
	state   State
	reopens int
}

// FileInfo is a snapshot of one watched file.
type FileInfo struct {
	Path    string
	Key     int
	Size    int64
	ModTime time.Time
	State   State
	Reopens int
}

type Options struct {
	// MaxOpen bounds the number of live files. Zero means no bound.
	MaxOpen int
	// IgnorePatterns and ExternalIgnore feed the per-directory ignore.Matcher.
	IgnorePatterns []string
	ExternalIgnore string
	Logger         *zap.Logger
}

// WatchState owns the watched files. It must only be used from the loop's
// goroutine.
type WatchState struct {
	ctx            context.Context
	loop           *loop.Loop
	respawner      Respawner
	maxOpen        int
	ignorePatterns []string
	externalIgnore string
	logger         *zap.Logger

	// files is indexed by the user data stored in the registry.
	files []watchedFile
	live  int
}

// New returns an empty WatchState. ctx is handed to the respawner on every
// restart.
func New(ctx context.Context, l *loop.Loop, respawner Respawner, opts Options) *WatchState {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatchState{
		ctx:            ctx,
		loop:           l,
		respawner:      respawner,
		maxOpen:        opts.MaxOpen,
		ignorePatterns: opts.IgnorePatterns,
		externalIgnore: opts.ExternalIgnore,
		logger:         logger,
	}
}

// Count returns how many files were ever registered, gone ones included.
func (ws *WatchState) Count() int {
	return len(ws.files)
}

// Live returns how many files are currently open and registered.
func (ws *WatchState) Live() int {
	return ws.live
}

func (ws *WatchState) Files() []FileInfo {
	out := make([]FileInfo, len(ws.files))
	for i, wf := range ws.files {
		out[i] = FileInfo{
			Path:    wf.path,
			Key:     wf.key,
			Size:    wf.size,
			ModTime: wf.modTime,
			State:   wf.state,
			Reopens: wf.reopens,
		}
	}
	return out
}

// openRegular opens path for watching. The returned file is closed on every
// error path.
func openRegular(path string) (*os.File, fs.FileInfo, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, nil, "", err
	}

	f, err := os.OpenFile(resolved, openFlags, 0)
	if err != nil {
		return nil, nil, "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, "", err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, "", fmt.Errorf("%s: %w", resolved, ErrNotRegular)
	}
	return f, info, resolved, nil
}

// closeQuietly closes f. Path-based multiplexers close the descriptor as
// soon as it is registered, so an already closed file is fine.
func (ws *WatchState) closeQuietly(f *os.File) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		ws.logger.Warn("failed to close file", zap.String("path", f.Name()), zap.Error(err))
	}
}

// AddFile opens path and registers it for Watch events.
func (ws *WatchState) AddFile(path string) error {
	if ws.maxOpen > 0 && ws.live >= ws.maxOpen {
		return fmt.Errorf("%s: %w (%d)", path, ErrMaxOpen, ws.maxOpen)
	}

	f, info, resolved, err := openRegular(path)
	if err != nil {
		return err
	}

	idx := len(ws.files)
	key, err := ws.loop.Add(f, loop.MaskWatch, ws.listen, idx)
	if err != nil {
		ws.closeQuietly(f)
		return fmt.Errorf("failed to watch %s: %w", resolved, err)
	}

	ws.files = append(ws.files, watchedFile{
		file:    f,
		key:     key,
		path:    resolved,
		size:    info.Size(),
		modTime: info.ModTime(),
		state:   StateOpen,
	})
	ws.live++
	ws.logger.Debug("watching file", zap.String("path", resolved), zap.Int("key", key))
	return nil
}

// AddFiles registers each path in order and stops at the first failure.
func (ws *WatchState) AddFiles(paths ...string) (int, error) {
	added := 0
	for _, path := range paths {
		if err := ws.AddFile(path); err != nil {
			return added, fmt.Errorf("failed to add %s: %w", path, err)
		}
		added++
	}
	return added, nil
}

func matchSuffix(name string, suffixes []string) bool {
	if len(suffixes) == 0 {
		return true
	}
	for _, suffix := range suffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// AddDirectory registers the regular files directly inside dir whose names
// end in one of suffixes. Dotfiles and ignored names are skipped. It stops at
// the first failure, including reaching the open-file bound.
func (ws *WatchState) AddDirectory(dir string, suffixes []string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	matcher, err := ignore.NewMatcher(dir, ws.ignorePatterns, ws.externalIgnore, ws.logger)
	if err != nil {
		return 0, fmt.Errorf("failed to load ignore rules for %s: %w", dir, err)
	}

	added := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			ws.logger.Debug("skipping directory", zap.String("name", name))
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if !matchSuffix(name, suffixes) {
			continue
		}
		if matcher.ShouldIgnore(name) {
			ws.logger.Debug("ignoring file", zap.String("name", name))
			continue
		}

		if err := ws.AddFile(filepath.Join(dir, name)); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// listen is the loop callback for every watched file.
func (ws *WatchState) listen(l *loop.Loop, key int, data any, mask loop.Mask) {
	idx, ok := data.(int)
	if !ok || idx < 0 || idx >= len(ws.files) {
		ws.logger.Warn("event for unknown file", zap.Int("key", key), zap.Any("data", data))
		return
	}
	wf := &ws.files[idx]
	if wf.state != StateOpen || wf.key != key {
		return
	}
	if !mask.Has(loop.MaskDelete | loop.MaskWatch | loop.MaskMove) {
		return
	}

	ws.logger.Debug("file event", zap.String("path", wf.path), zap.Stringer("mask", mask))

	if err := l.Remove(key, loop.MaskWatch); err != nil {
		ws.logger.Warn("failed to remove watch", zap.String("path", wf.path), zap.Error(err))
	}
	ws.closeQuietly(wf.file)
	wf.file = nil
	wf.state = StatePendingReopen

	if _, err := os.Stat(wf.path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ws.logger.Warn("failed to stat file", zap.String("path", wf.path), zap.Error(err))
		}
		ws.gone(wf)
		return
	}

	if err := ws.reopen(wf, idx); err != nil {
		ws.logger.Warn("failed to reopen file", zap.String("path", wf.path), zap.Error(err))
		ws.gone(wf)
		return
	}

	ws.logger.Info("file changed", zap.String("path", wf.path), zap.Stringer("event", mask))
	if err := ws.respawner.RunOnce(ws.ctx); err != nil {
		ws.logger.Error("respawn failed", zap.Error(err))
	}
}

func (ws *WatchState) reopen(wf *watchedFile, idx int) error {
	f, info, _, err := openRegular(wf.path)
	if err != nil {
		return err
	}
	key, err := ws.loop.Add(f, loop.MaskWatch, ws.listen, idx)
	if err != nil {
		ws.closeQuietly(f)
		return err
	}

	wf.file = f
	wf.key = key
	wf.size = info.Size()
	wf.modTime = info.ModTime()
	wf.state = StateOpen
	wf.reopens++
	return nil
}

func (ws *WatchState) gone(wf *watchedFile) {
	wf.state = StateGone
	ws.live--
	ws.logger.Info("file gone", zap.String("path", wf.path))
}

// Release deregisters and closes every live file.
func (ws *WatchState) Release() error {
	var errs []error
	for i := range ws.files {
		wf := &ws.files[i]
		if wf.state != StateOpen {
			continue
		}
		if err := ws.loop.Remove(wf.key, loop.MaskWatch); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove watch for %s: %w", wf.path, err))
		}
		ws.closeQuietly(wf.file)
		wf.file = nil
		wf.state = StateGone
		ws.live--
	}
	return errors.Join(errs...)
}
