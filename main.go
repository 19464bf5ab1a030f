package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/dispatch"
	sentrypkg "github.com/kastheco/prloom/internal/sentry"
	"github.com/kastheco/prloom/log"
	"github.com/kastheco/prloom/review"
	_ "github.com/kastheco/prloom/review/local"
	"github.com/kastheco/prloom/session/git"
)

var (
	version  = "0.1.0"
	tmuxFlag bool
	tuiFlag  bool

	rootCmd = &cobra.Command{
		Use:   "prloom",
		Short: "prloom - drive coding agents through plans, worktrees, and change requests.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher against the current repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := resolveRepoRoot()
			if err != nil {
				return err
			}
			paths := config.Paths{RepoRoot: repoRoot}

			cfg, err := config.LoadConfig(repoRoot)
			if err != nil {
				return err
			}

			if err := sentrypkg.Init(version, cfg.IsTelemetryEnabled()); err != nil {
				// Non-fatal: sentry failure should not prevent startup
				_ = err
			}
			defer sentrypkg.Flush()
			defer sentrypkg.RecoverPanic()

			log.Initialize(true, cfg.IsTelemetryEnabled())
			defer log.Close()

			if tuiFlag {
				fmt.Fprintln(os.Stderr, "--tui is reserved; running headless")
			}

			lock, err := dispatch.AcquireLock(paths)
			if err != nil {
				return err
			}
			defer lock.Release()

			provider, err := review.NewProvider(cfg.Review.Provider, repoRoot)
			if err != nil {
				return err
			}
			sentrypkg.SetContext(cfg.Review.Provider, tmuxFlag, filepath.Base(repoRoot))

			var audit auditlog.Logger
			if sqlAudit, err := auditlog.NewSQLiteLogger(paths.AuditDB()); err != nil {
				log.WarningLog.Printf("audit log unavailable: %v", err)
				audit = auditlog.NopLogger()
			} else {
				audit = sqlAudit
			}
			defer audit.Close()

			d, err := dispatch.New(cfg, paths, provider, audit, tmuxFlag)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := resolveRepoRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig(repoRoot)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Repo: %s\n%s\n", repoRoot, out)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of prloom",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("prloom version %s\n", version)
		},
	}
)

// controlCmd builds a subcommand that appends one control record for a plan.
// The running dispatcher picks it up on its next wake.
func controlCmd(use, cmdType, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <planId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := resolveRepoRoot()
			if err != nil {
				return err
			}
			return dispatch.AppendCommand(config.Paths{RepoRoot: repoRoot}, cmdType, args[0])
		},
	}
}

func resolveRepoRoot() (string, error) {
	dir, err := filepath.Abs(".")
	if err != nil {
		return "", fmt.Errorf("resolve current directory: %w", err)
	}
	if !git.IsRepo(dir) {
		return "", fmt.Errorf("prloom must be run from within a git repository")
	}
	return dir, nil
}

func init() {
	runCmd.Flags().BoolVar(&tmuxFlag, "tmux", false,
		"Run agents in named tmux sessions so they can be attached and observed")
	runCmd.Flags().BoolVar(&tuiFlag, "tui", false, "Reserved: terminal dashboard")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(controlCmd("stop", dispatch.CmdStop, "Block a plan so the dispatcher leaves it alone"))
	rootCmd.AddCommand(controlCmd("unpause", dispatch.CmdUnpause, "Clear a plan's blocked/paused latch and resume it"))
	rootCmd.AddCommand(controlCmd("poll", dispatch.CmdPoll, "Poll a plan's change request for feedback on the next tick"))
	rootCmd.AddCommand(controlCmd("launch-poll", dispatch.CmdLaunchPoll, "Reset a plan's poll schedule so it polls immediately"))
	rootCmd.AddCommand(controlCmd("review", dispatch.CmdReview, "Queue the review sub-agent for a plan in review"))
	rootCmd.AddCommand(controlCmd("activate", dispatch.CmdActivate, "Promote a draft inbox plan to queued"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errUnhealthy) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
