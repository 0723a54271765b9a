package main

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

	"github.com/eliteGoblin/focusd/snapguard/internal/daemon"
	"github.com/eliteGoblin/focusd/snapguard/internal/infra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the workspace and protect saves",
	Long: `Watches the workspace for file writes, snapshots protected files, groups
changes into sessions (sealed on git commit, idle timeout or request), and
applies retention on a schedule.

Runs in the foreground unless --detach is given. Logs go to
.snapguard/snapguard.log. SIGUSR1 seals the open session.`,
	RunE: runWatch,
}

var watchStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running watcher",
	RunE:  runWatchStop,
}

var watchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a watcher is running",
	RunE:  runWatchStatus,
}

var watchDetach bool

func init() {
	watchCmd.Flags().BoolVarP(&watchDetach, "detach", "d", false, "Run in the background")

	watchCmd.AddCommand(watchStopCmd, watchStatusCmd)
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if watchDetach {
		configPath := configFile
		if configPath != "" {
			if configPath, err = filepath.Abs(configPath); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(cfg.StateDir(), 0o700); err != nil {
			return err
		}
		pid, err := daemon.StartDetached(daemon.DetachOptions{
			Workspace:  cfg.Workspace.Root,
			ConfigFile: configPath,
			LogFile:    filepath.Join(cfg.StateDir(), "watch.out"),
		})
		if err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		fmt.Printf("Watcher started (pid %d)\n", pid)
		fmt.Printf("Logs: %s\n", cfg.Log.File)
		return nil
	}

	// Set up logger (writes to the workspace log file)
	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := daemon.NewRuntime(ctx, cfg, logger, daemon.RuntimeOptions{Version: Version})
	if err != nil {
		return err
	}
	defer rt.Close()

	watcher := rt.Watcher()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigChan)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGUSR1 {
				logger.Info("received finalize signal")
				watcher.RequestFinalize()
				continue
			}
			logger.Info("received shutdown signal", zap.Stringer("signal", sig))
			cancel()
			return
		}
	}()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := rt.ServeMetrics(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", cfg.Workspace.Root)
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runWatchStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	lock := infra.NewStoreLock(cfg.Store.Dir)
	pid, err := lock.SignalHolder()
	if errors.Is(err, infra.ErrNoHolder) {
		fmt.Println("Watcher is not running.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stop watcher: %w", err)
	}
	fmt.Printf("Stopping watcher (pid %d)\n", pid)
	return nil
}

func runWatchStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("\n=== snapguard Status ===")
	fmt.Printf("Workspace: %s\n", cfg.Workspace.Root)
	fmt.Printf("Store: %s (%s, %s)\n", cfg.Store.Dir, cfg.Store.Backend, cfg.Store.Compression)

	alive, holder, err := infra.NewStoreLock(cfg.Store.Dir).HolderAlive()
	switch {
	case err != nil:
		fmt.Printf("Watcher: UNKNOWN (%v)\n", err)
	case holder == nil || !alive:
		fmt.Println("Watcher: NOT RUNNING")
		fmt.Println("\nRun 'snapguard watch --detach' to start it.")
	default:
		fmt.Printf("Watcher: RUNNING (pid %d, version %s)\n", holder.PID, holder.Version)
		fmt.Printf("Up since: %s ago\n", time.Since(holder.StartedAt).Round(time.Second))
	}
	fmt.Println("========================")
	return nil
}
