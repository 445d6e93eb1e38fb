package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/semmidev/phylax-runner/internal/app"
	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/version"
)

// exitError carries a job's exit code out of cobra.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	err := newRootCmd().Execute()

	var exit *exitError
	switch {
	case err == nil:
		os.Exit(app.ExitSuccess)
	case errors.As(err, &exit):
		os.Exit(exit.code)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(app.ExitConfig)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "phylax-runner",
		Short: "Run one database backup or restore job",
		Long: `phylax-runner executes exactly one backup or restore job described by
environment variables, uploads to or downloads from S3-compatible storage,
and reports the outcome to the control plane through a signed callback.

Without a subcommand the operation is taken from OPERATION_TYPE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load env file: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd.Context(), "")
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load job variables from a .env file before resolving")

	root.AddCommand(
		&cobra.Command{
			Use:   "backup",
			Short: "Dump the database and upload the artifact",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runJob(cmd.Context(), config.OperationBackup)
			},
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Download the artifact and restore it into the database",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runJob(cmd.Context(), config.OperationRestore)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "phylax-runner %s (commit %s)\n", version.Version, version.Commit)
			},
		},
	)
	return root
}

func runJob(parent context.Context, op config.Operation) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New()
	if err != nil {
		return err
	}
	defer application.Shutdown()

	if code := application.Run(ctx, op); code != app.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}
