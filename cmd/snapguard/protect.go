package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/snapguard/internal/clock"
	"github.com/eliteGoblin/focusd/snapguard/internal/daemon"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/policy"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <path>...",
	Short: "Show the protection level of files",
	Long:  `Evaluates each path against the workspace policy and prints its level, reason and matching pattern.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

var saveCmd = &cobra.Command{
	Use:   "save <path>",
	Short: "Handle one save of a file",
	Long: `Runs the save pipeline for one file without a watcher: classify, snapshot,
decide and audit. Warn files need --confirm; block files need a passing risk
verdict or --override with a rationale (testing, temporary_fix,
legacy_compat, performance).

The change is sealed into its own session.`,
	Args: cobra.ExactArgs(1),
	RunE: runSave,
}

var protectedCmd = &cobra.Command{
	Use:   "protected",
	Short: "List files the engine is protecting",
	RunE:  runProtected,
}

var unprotectCmd = &cobra.Command{
	Use:   "unprotect <path>",
	Short: "Stop tracking a file and clear its cooldown",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnprotect,
}

var (
	saveConfirm  bool
	saveOverride string
	saveNote     string
)

func init() {
	classifyCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	saveCmd.Flags().BoolVar(&saveConfirm, "confirm", false, "Confirm a warn-level save")
	saveCmd.Flags().StringVar(&saveOverride, "override", "", "Override a blocked save with this rationale")
	saveCmd.Flags().StringVar(&saveNote, "note", "", "Free-text note recorded with an override")
	protectedCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(protectedCmd)
	rootCmd.AddCommand(unprotectCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger()
	rules, err := daemon.LoadRules(cfg.Policy.File, policy.NewRegistry(), logger)
	if err != nil {
		return err
	}
	engine := policy.NewEngine(cfg.Workspace.Root, rules, policy.DefaultMatcher(), clock.NewReal(), logger)

	var out []domain.Classification
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		out = append(out, engine.Classify(abs))
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}
	for _, c := range out {
		fmt.Printf("%-8s %s", c.Level, c.Path)
		if c.MatchedPattern != "" {
			fmt.Printf("  (%s", c.MatchedPattern)
			if c.Reason != "" {
				fmt.Printf(": %s", c.Reason)
			}
			if c.FromOverride {
				fmt.Printf(", override %s", c.Rationale)
			}
			fmt.Print(")")
		}
		fmt.Println()
	}
	return nil
}

func runSave(cmd *cobra.Command, args []string) error {
	if saveOverride != "" && !domain.OverrideRationale(saveOverride).Valid() {
		return fmt.Errorf("--override must be one of testing, temporary_fix, legacy_compat, performance")
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	return withRuntime(false, func(ctx context.Context, rt *daemon.Runtime) error {
		dec, err := rt.Protector.HandleSave(ctx, path, nil)
		if err != nil && dec.Path == "" {
			return err
		}
		if err != nil {
			fmt.Printf("Snapshot failed: %v\n", err)
		}

		switch {
		case dec.Verdict == domain.VerdictConfirm && saveConfirm:
			if dec, err = rt.Protector.ConfirmSave(ctx, path); err != nil {
				return err
			}
		case dec.Verdict == domain.VerdictBlock && saveOverride != "":
			if dec, err = rt.Protector.OverrideBlockedSave(ctx, path, domain.OverrideRationale(saveOverride), saveNote); err != nil {
				return err
			}
		}

		printDecision(dec)

		id, err := rt.Sessions.HandleManualFinalization(ctx, "", []string{"cli"})
		if err != nil {
			return err
		}
		if id != "" {
			fmt.Printf("Session: %s\n", id)
		}

		switch dec.Verdict {
		case domain.VerdictConfirm:
			return errors.New("save needs confirmation (rerun with --confirm)")
		case domain.VerdictBlock:
			return errors.New("save blocked (rerun with --override <rationale>)")
		}
		return nil
	})
}

func printDecision(dec domain.Decision) {
	fmt.Printf("%s: %s (%s)\n", dec.Path, dec.Verdict, dec.Level)
	if dec.MatchedPattern != "" {
		fmt.Printf("  Rule: %s", dec.MatchedPattern)
		if dec.Reason != "" {
			fmt.Printf(" - %s", dec.Reason)
		}
		fmt.Println()
	}
	if dec.SnapshotID != "" {
		fmt.Printf("  Snapshot: %s\n", dec.SnapshotID)
	}
	if dec.Debounced {
		fmt.Println("  Debounced: reused the previous snapshot")
	}
	if dec.InCooldown {
		fmt.Println("  In cooldown: allowed without a new decision")
	}
}

func runProtected(cmd *cobra.Command, args []string) error {
	return withRuntime(true, func(ctx context.Context, rt *daemon.Runtime) error {
		entries, err := rt.Protector.ProtectedFiles(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Println("No protected files.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-8s %s  last %s", e.ProtectionLevel, e.Path, e.LastProtectedAt.Local().Format("2006-01-02 15:04:05"))
			if e.LastSnapshotID != "" {
				fmt.Printf("  snapshot %s", e.LastSnapshotID)
			}
			fmt.Println()
		}
		return nil
	})
}

func runUnprotect(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	return withRuntime(false, func(ctx context.Context, rt *daemon.Runtime) error {
		if err := rt.Protector.Unprotect(ctx, path); err != nil {
			return err
		}
		fmt.Printf("Unprotected %s\n", args[0])
		return nil
	})
}
