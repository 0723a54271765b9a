package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/snapguard/internal/daemon"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Aliases: []string{"snap"},
	Short:   "Create, inspect and restore snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <path>...",
	Short: "Snapshot files now",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List snapshots, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshotList,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the files of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotShow,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Write a snapshot back into the workspace",
	Long: `Rewrites every file of the snapshot to its location in the workspace.
Missing directories and deleted files are recreated.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotRestore,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot and the content only it references",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy now",
	Long:  `Evicts snapshots beyond retention.max_snapshots or older than retention.max_age. Protected and preserve-tagged snapshots are kept.`,
	RunE:  runSnapshotPrune,
}

var (
	snapDescription string
	snapTags        []string
	snapProtected   bool
	snapLimit       int
)

func init() {
	snapshotCreateCmd.Flags().StringVarP(&snapDescription, "message", "m", "", "Description")
	snapshotCreateCmd.Flags().StringSliceVarP(&snapTags, "tag", "t", nil, "Tag (repeatable); preserve-tagged snapshots survive retention")
	snapshotCreateCmd.Flags().BoolVar(&snapProtected, "protect", false, "Exempt from retention")
	snapshotListCmd.Flags().IntVarP(&snapLimit, "limit", "n", 0, "Show at most n snapshots")
	snapshotListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	snapshotShowCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotShowCmd,
		snapshotRestoreCmd, snapshotDeleteCmd, snapshotPruneCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	return withRuntime(false, func(ctx context.Context, rt *daemon.Runtime) error {
		files := make([]domain.FileContent, 0, len(args))
		for _, arg := range args {
			rel, err := rt.Workspace.Rel(absPath(arg))
			if err != nil {
				return err
			}
			content, err := rt.Workspace.ReadFile(rel)
			if err != nil {
				return &domain.IOError{Op: "read", Path: rel, Err: err}
			}
			files = append(files, domain.FileContent{Path: rel, Content: content})
		}

		snap, err := rt.Snapshots.Create(ctx, files, domain.SnapshotMeta{
			Description: snapDescription,
			Protected:   snapProtected,
			Tags:        append([]string{"manual"}, snapTags...),
		})
		if snap == nil {
			return err
		}
		for _, f := range snap.Files {
			abs := rt.Workspace.Abs(f.Path)
			rt.Audit.Record(ctx, abs, rt.Policy.Classify(abs).Level, domain.ActionSnapshotCreated,
				map[string]string{"reason": "manual"}, snap.ID)
		}

		fmt.Printf("Created snapshot %s (%d files)\n", snap.ID, len(snap.Files))
		if err != nil {
			fmt.Printf("Partial: %v\n", err)
		}
		return nil
	})
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	return withRuntime(true, func(ctx context.Context, rt *daemon.Runtime) error {
		filter := ""
		if len(args) == 1 {
			rel, err := rt.Workspace.Rel(absPath(args[0]))
			if err != nil {
				return err
			}
			filter = rel
		}
		snaps, err := rt.Snapshots.List(ctx, filter)
		if err != nil {
			return err
		}
		if snapLimit > 0 && len(snaps) > snapLimit {
			snaps = snaps[:snapLimit]
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), snaps)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, s := range snaps {
			flags := ""
			if s.Meta.Protected {
				flags += " [protected]"
			}
			if s.Meta.Partial {
				flags += " [partial]"
			}
			fmt.Printf("%s  %s  %d files%s  %s\n", s.ID, s.Timestamp.Local().Format("2006-01-02 15:04:05"),
				len(s.Files), flags, describe(s))
		}
		return nil
	})
}

func describe(s domain.Snapshot) string {
	parts := []string{}
	if s.Meta.Description != "" {
		parts = append(parts, s.Meta.Description)
	}
	if len(s.Meta.Tags) > 0 {
		parts = append(parts, "#"+strings.Join(s.Meta.Tags, " #"))
	}
	return strings.Join(parts, "  ")
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	return withRuntime(true, func(ctx context.Context, rt *daemon.Runtime) error {
		snap, err := rt.Snapshots.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("snapshot %s: %w", args[0], domain.ErrNotFound)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		fmt.Printf("\n=== Snapshot %s ===\n", snap.ID)
		fmt.Printf("Created: %s\n", snap.Timestamp.Local().Format("2006-01-02 15:04:05"))
		if d := describe(*snap); d != "" {
			fmt.Printf("About: %s\n", d)
		}
		fmt.Printf("Protected: %t\n", snap.Meta.Protected)
		fmt.Println("Files:")
		for _, f := range snap.Files {
			fmt.Printf("  - %s (%d bytes, %s)\n", f.Path, f.Size, shortHash(f.Hash))
		}
		return nil
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	return withRuntime(false, func(ctx context.Context, rt *daemon.Runtime) error {
		if err := rt.Snapshots.Restore(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Restored snapshot %s\n", args[0])
		return nil
	})
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	return withRuntime(false, func(ctx context.Context, rt *daemon.Runtime) error {
		if err := rt.Snapshots.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted snapshot %s\n", args[0])
		return nil
	})
}

func runSnapshotPrune(cmd *cobra.Command, args []string) error {
	return withRuntime(false, func(ctx context.Context, rt *daemon.Runtime) error {
		evicted, err := rt.EnforceRetention(ctx, rt.Config.RetentionPolicy())
		if err != nil {
			return err
		}
		fmt.Printf("Evicted %d snapshots\n", len(evicted))
		return nil
	})
}
