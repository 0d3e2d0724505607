// Package cli is the CLI surface described in spec.md §6: a cobra
// root command that loads configuration, builds the Engine an
// embedding program registered, and runs it through package runner.
// The core packages never import this one — entry resolution here is
// the Go rendition of the original's "named attribute vs. well-known
// factory" rule: Go has no dynamic-import equivalent (out of scope by
// design), so the "named attribute" case is the Build func the caller
// passes to Execute, and the "well-known factory" case is an Engine
// that already has scrapers registered by the time Build returns.
// Grounded on JakeFAU's cmd/root.go (PersistentPreRunE app wiring,
// cobra.OnInitialize) and cmd/crawl.go (the run subcommand shape).
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl"
	"github.com/scraperctl/scraperctl/config"
	"github.com/scraperctl/scraperctl/internal/logging"
	"github.com/scraperctl/scraperctl/runner"
)

// Build constructs the Engine to run: registering scrapers,
// dependencies, and a lifespan against cfg. It is the "named
// attribute" an embedding program supplies to Execute.
type Build func(cfg config.Config, log *zap.Logger) (*scraperctl.Engine, error)

var (
	cfgFile            string
	concurrentRequests int
	pendingRequests    int
	diagnosticsAddr    string
)

// NewRootCmd builds the cobra command tree. build is invoked once
// config has loaded, inside the run subcommand's RunE.
func NewRootCmd(build Build) *cobra.Command {
	root := &cobra.Command{
		Use:   "scraperctl",
		Short: "Run an asynchronous HTTP scraping engine.",
		Long: `scraperctl loads configuration, builds the registered scraping
engine, and runs it to completion or until a shutdown signal or
execution timeout cuts it short.`,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON); defaults and SCRAPERCTL_ env vars always apply")
	root.AddCommand(newRunCmd(build))
	return root
}

func newRunCmd(build Build) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and block until it drains or is signaled to stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, build)
		},
	}
	cmd.Flags().IntVar(&concurrentRequests, "concurrent-requests", 0, "override scheduler.concurrent_requests")
	cmd.Flags().IntVar(&pendingRequests, "pending-requests", 0, "override scheduler.pending_requests")
	cmd.Flags().StringVar(&diagnosticsAddr, "diagnostics-addr", "", "serve /healthz, /readyz, /metrics on this address while running")
	return cmd
}

func runCommand(cmd *cobra.Command, build Build) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if concurrentRequests > 0 {
		cfg.Scheduler.ConcurrentRequests = concurrentRequests
	}
	if pendingRequests > 0 {
		cfg.Scheduler.PendingRequests = pendingRequests
	}

	log, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	engine, err := build(cfg, log)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	return runner.Run(cmd.Context(), engine, scraperctl.BuildOptions{DiagnosticsAddr: diagnosticsAddr})
}

// Execute runs the root command and terminates the process with the
// exit code spec.md §6 specifies: 0 on clean shutdown, 1 on a
// startup/teardown error, 130 if a shutdown signal drove the exit —
// whether that signal forced an early exit before graceful shutdown
// finished (ErrForcedExit) or a single signal's graceful shutdown ran
// to completion (ErrShutdownSignaled).
func Execute(build Build) {
	if err := NewRootCmd(build).Execute(); err != nil {
		if errors.Is(err, runner.ErrForcedExit) || errors.Is(err, runner.ErrShutdownSignaled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
