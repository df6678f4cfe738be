package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yoanbernabeu/fwatch/config"
	"github.com/yoanbernabeu/fwatch/daemon"
	"github.com/yoanbernabeu/fwatch/internal/logging"
	"github.com/yoanbernabeu/fwatch/loop"
	"github.com/yoanbernabeu/fwatch/respawn"
	"github.com/yoanbernabeu/fwatch/watcher"
)

// shutdownGrace is added to the stop timeout when terminating the last
// child on exit.
const shutdownGrace = time.Second

// loadConfig picks the explicit config file, then the first directory's
// .fwatch.yaml, then the defaults, and applies flag overrides on top.
func (o *rootOptions) loadConfig(cmd *cobra.Command, paths []string) (*config.Config, error) {
	cfg := config.DefaultConfig()

	path := o.configPath
	if path == "" {
		for _, p := range paths {
			if info, err := os.Stat(p); err == nil && info.IsDir() {
				if candidate := config.PathFor(p); config.Exists(candidate) {
					path = candidate
				}
				break
			}
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("backend") {
		cfg.Backend = o.backend
	}
	if flags.Changed("run-on-start") {
		cfg.Respawn.RunOnStart = o.runOnStart
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// register adds every path to ws. Directories go through AddDirectory and
// the remaining paths through AddFiles. Registration stops at the first
// failure, which is only logged; the caller decides from ws.Live whether
// there is anything to watch.
func register(ws *watcher.WatchState, cfg *config.Config, paths []string, logger *zap.Logger) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			files = append(files, p)
			continue
		}
		n, err := ws.AddDirectory(p, cfg.Suffixes)
		logger.Debug("registered directory", zap.String("path", p), zap.Int("files", n))
		if err != nil {
			registrationStopped(err, cfg, logger)
			return
		}
	}

	if len(files) == 0 {
		return
	}
	if _, err := ws.AddFiles(files...); err != nil {
		registrationStopped(err, cfg, logger)
	}
}

func registrationStopped(err error, cfg *config.Config, logger *zap.Logger) {
	if errors.Is(err, watcher.ErrMaxOpen) {
		logger.Warn("open file limit reached", zap.Int("max_open", cfg.MaxOpen))
		return
	}
	logger.Warn("registration stopped", zap.Error(err))
}

func (o *rootOptions) runForeground(cmd *cobra.Command, command string, paths []string) error {
	cfg, err := o.loadConfig(cmd, paths)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	background := daemon.IsBackground()
	var session *daemon.Session
	if background {
		daemon.DetachLiveness()
		session, err = o.session(sessionDir(paths))
		if err != nil {
			return err
		}
		if err := daemon.WritePIDFile(session); err != nil {
			return err
		}
		defer func() {
			_ = daemon.RemoveReadyFile(session)
			if rerr := daemon.RemovePIDFile(session); rerr != nil {
				logger.Warn("failed to remove PID file", zap.Error(rerr))
			}
		}()
	}

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	controller, err := respawn.New(respawn.Options{
		Command:     command,
		Shell:       cfg.Respawn.Shell,
		StopTimeout: cfg.StopTimeout(),
		Stdout:      cmd.OutOrStdout(),
		Stderr:      cmd.ErrOrStderr(),
		Logger:      logger.Named("respawn"),
	})
	if err != nil {
		return err
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), cfg.StopTimeout()+shutdownGrace)
		defer tcancel()
		if terr := controller.Terminate(tctx); terr != nil {
			logger.Warn("failed to stop command", zap.Error(terr))
		}
	}()

	l, err := loop.New(cfg.Capacity, cfg.PollTimeout(),
		loop.WithBackend(loop.Backend(cfg.Backend)),
		loop.WithLogger(logger.Named("loop")),
	)
	if err != nil {
		return err
	}
	defer l.Close()

	ws := watcher.New(runCtx, l, controller, watcher.Options{
		MaxOpen:        cfg.MaxOpen,
		IgnorePatterns: cfg.Ignore,
		ExternalIgnore: cfg.ExternalIgnore,
		Logger:         logger.Named("watcher"),
	})
	defer func() {
		if rerr := ws.Release(); rerr != nil {
			logger.Warn("failed to release watched files", zap.Error(rerr))
		}
	}()

	register(ws, cfg, paths, logger)
	if ws.Live() == 0 {
		return errors.New("no files to watch")
	}

	if !background {
		fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("fwatch")+" "+
			okStyle.Render(fmt.Sprintf("watching %d files", ws.Live()))+
			" "+labelStyle.Render("run:")+" "+command)
	}
	logger.Info("watching",
		zap.Int("files", ws.Live()),
		zap.String("command", command),
		zap.String("backend", cfg.Backend),
	)

	if cfg.Respawn.RunOnStart {
		if err := controller.RunOnce(runCtx); err != nil {
			return fmt.Errorf("failed to start command: %w", err)
		}
	}

	if background {
		if err := daemon.WriteReadyFile(session); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return l.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-daemon.StopChannel():
			logger.Info("stop requested")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("stopped",
		zap.Uint64("events", l.Processed()),
		zap.Uint64("dropped", l.Dropped()),
		zap.Uint64("runs", controller.Runs()),
	)
	return nil
}

// sessionDir is the directory a background session is keyed on: the first
// directory argument, or the parent of the first file.
func sessionDir(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
	}
	if len(paths) == 0 {
		return "."
	}
	return filepath.Dir(paths[0])
}
