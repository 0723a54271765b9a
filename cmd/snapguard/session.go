package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/snapguard/internal/daemon"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/infra"
	"github.com/eliteGoblin/focusd/snapguard/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and restore finalized sessions",
}

var sessionFinalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Ask the running watcher to seal its open session",
	RunE:  runSessionFinalize,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finalized sessions, newest first",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the files of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore every file of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRestore,
}

func init() {
	sessionListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	sessionShowCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	sessionCmd.AddCommand(sessionFinalizeCmd, sessionListCmd, sessionShowCmd, sessionRestoreCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionFinalize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pid, err := infra.NewStoreLock(cfg.Store.Dir).RequestFinalize()
	if errors.Is(err, infra.ErrNoHolder) {
		fmt.Println("No running watcher; nothing to finalize.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to signal watcher: %w", err)
	}
	fmt.Printf("Asked watcher (pid %d) to finalize its session\n", pid)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	return withRuntime(true, func(ctx context.Context, rt *daemon.Runtime) error {
		list, err := rt.Manifests.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, m := range list {
			fmt.Printf("%s  %s  %-15s %s\n", m.ID, m.EndedAt.Local().Format("2006-01-02 15:04:05"), m.Reason, m.Summary)
		}
		return nil
	})
}

func getManifest(ctx context.Context, rt *daemon.Runtime, id string) (*domain.SessionManifest, error) {
	m, err := rt.Manifests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	return withRuntime(true, func(ctx context.Context, rt *daemon.Runtime) error {
		m, err := getManifest(ctx, rt, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), m)
		}
		fmt.Printf("\n=== Session %s ===\n", m.ID)
		fmt.Printf("Started: %s\n", m.StartedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("Ended:   %s (%s)\n", m.EndedAt.Local().Format("2006-01-02 15:04:05"), m.Reason)
		if m.Summary != "" {
			fmt.Printf("Summary: %s\n", m.Summary)
		}
		if len(m.Tags) > 0 {
			fmt.Printf("Tags:    %v\n", m.Tags)
		}
		fmt.Println("Files:")
		for _, f := range m.Files {
			fmt.Printf("  - %s +%d -%d (snapshot %s)\n", f.URI, f.ChangeStats.Added, f.ChangeStats.Deleted, f.SnapshotID)
		}
		return nil
	})
}

func runSessionRestore(cmd *cobra.Command, args []string) error {
	return withRuntime(false, func(ctx context.Context, rt *daemon.Runtime) error {
		m, err := getManifest(ctx, rt, args[0])
		if err != nil {
			return err
		}
		if err := session.Restore(ctx, rt.Snapshots, *m); err != nil {
			return err
		}
		fmt.Printf("Restored %d files from session %s\n", len(m.Files), m.ID)
		return nil
	})
}
