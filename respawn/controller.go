// Package respawn runs one shell command at a time, restarting it on demand.
//
// A Controller never has more than one live child. Starting a new run first
// signals the previous child's process group and waits until that child has
// been reaped.
package respawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultStopTimeout = 5 * time.Second

	// RunIDEnv is set in every child's environment to the id of its run.
	RunIDEnv = "FWATCH_RUN_ID"
)

var ErrEmptyCommand = errors.New("command is empty")

// Options configures a Controller. Only Command is required.
type Options struct {
	Command     string
	Shell       []string
	StopTimeout time.Duration
	Env         []string
	Stdout      io.Writer
	Stderr      io.Writer
	Logger      *zap.Logger
}

type child struct {
	cmd   *exec.Cmd
	runID string
	done  chan struct{}
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
	}
	return false
}

// Controller owns the child slot.
type Controller struct {
	mu          sync.Mutex
	command     string
	shell       []string
	stopTimeout time.Duration
	env         []string
	stdout      io.Writer
	stderr      io.Writer
	logger      *zap.Logger
	current     *child
	runs        atomic.Uint64
}

func New(opts Options) (*Controller, error) {
	if opts.Command == "" {
		return nil, ErrEmptyCommand
	}

	c := &Controller{
		command:     opts.Command,
		shell:       opts.Shell,
		stopTimeout: opts.StopTimeout,
		env:         opts.Env,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
		logger:      opts.Logger,
	}
	if len(c.shell) == 0 {
		c.shell = defaultShell()
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = DefaultStopTimeout
	}
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.stderr == nil {
		c.stderr = os.Stderr
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

func (c *Controller) Command() string {
	return c.command
}

// PID returns the process id in the child slot, or 0 when it is empty.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.cmd.Process.Pid
}

// Running reports whether the child in the slot has not exited yet.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && !c.current.exited()
}

// Runs returns how many children have been started.
func (c *Controller) Runs() uint64 {
	return c.runs.Load()
}

// RunOnce terminates and reaps the current child, if any, and starts the
// command again.
func (c *Controller) RunOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.terminateLocked(ctx); err != nil {
		return fmt.Errorf("failed to stop previous run: %w", err)
	}
	return c.startLocked()
}

// Terminate stops and reaps the current child. It does nothing when the slot
// is empty.
func (c *Controller) Terminate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminateLocked(ctx)
}

func (c *Controller) startLocked() error {
	runID := uuid.NewString()
	args := append(append([]string{}, c.shell[1:]...), c.command)

	cmd := exec.Command(c.shell[0], args...)
	cmd.Env = append(append(os.Environ(), c.env...), RunIDEnv+"="+runID)
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr
	cmd.WaitDelay = c.stopTimeout
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %q: %w", c.command, err)
	}

	ch := &child{cmd: cmd, runID: runID, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		close(ch.done)
		c.logger.Debug("command exited",
			zap.Int("pid", cmd.Process.Pid),
			zap.String("run_id", runID),
			zap.Error(err))
	}()

	c.current = ch
	c.runs.Add(1)
	c.logger.Info("command started",
		zap.String("command", c.command),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("run_id", runID))
	return nil
}

// terminateLocked empties the slot. The slot is cleared only once the child
// has been reaped.
func (c *Controller) terminateLocked(ctx context.Context) error {
	ch := c.current
	if ch == nil {
		return nil
	}
	if ch.exited() {
		c.current = nil
		return nil
	}

	pid := ch.cmd.Process.Pid
	termErr := terminateProcess(ch.cmd)

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()

	select {
	case <-ch.done:
		c.current = nil
		c.logger.Debug("previous run stopped", zap.Int("pid", pid), zap.String("run_id", ch.runID))
		return nil
	case <-timer.C:
		c.logger.Warn("command ignored termination, killing", zap.Int("pid", pid))
	case <-ctx.Done():
		c.logger.Warn("stop interrupted, killing", zap.Int("pid", pid), zap.Error(ctx.Err()))
	}

	killErr := killProcess(ch.cmd)
	// SIGKILL cannot be ignored; the wait goroutine always finishes.
	<-ch.done
	c.current = nil
	return errors.Join(termErr, killErr)
}
