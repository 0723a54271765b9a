// Package main is the CLI entry point for snapguard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/snapguard/internal/config"
	"github.com/eliteGoblin/focusd/snapguard/internal/daemon"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "snapguard",
	Short: "Local checkpoints and write protection for a workspace",
	Long: `snapguard watches a workspace, snapshots protected files as they are
saved, and groups related changes into restorable sessions.

Files are classified by a policy (.snapguard/policy.yaml): watch files are
snapshotted silently, warn files need confirmation, block files need a risk
verdict or an explicit override.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configFile    string
	workspaceRoot string
	jsonOutput    bool
	verbose       bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.config/snapguard/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspaceRoot, "workspace", "w", "", "Workspace root (default current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves settings from defaults, the config file, the
// environment and the --workspace flag.
func loadConfig() (config.Config, error) {
	v := config.New()
	if workspaceRoot != "" {
		v.Set("workspace.root", workspaceRoot)
	}
	return config.Load(v, configFile)
}

// createLogger writes JSON logs to the workspace log file for the
// long-running watcher.
func createLogger(cfg config.Config) *zap.Logger {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{cfg.Log.File}
	logCfg.ErrorOutputPaths = []string{cfg.Log.File}
	logCfg.EncoderConfig.TimeKey = "time"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o700); err != nil {
		logger, _ := zap.NewProduction()
		return logger
	}
	logger, err := logCfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// cliLogger is quiet unless --verbose.
func cliLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, _ := zap.NewDevelopment()
	return logger
}

// withRuntime loads config, opens the engine and runs fn.
func withRuntime(readOnly bool, fn func(ctx context.Context, rt *daemon.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	rt, err := daemon.NewRuntime(ctx, cfg, logger, daemon.RuntimeOptions{Version: Version, ReadOnly: readOnly})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("snapguard %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// absPath resolves a CLI path argument; on failure the argument is
// returned unchanged and the workspace reports it.
func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
