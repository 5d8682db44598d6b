// Package main implements the autoforge CLI, the process boundary around
// the flow/crew/worker orchestration core: it builds an Options value,
// wires role Workers and memory stores, and drives a Flow to a terminal
// outcome or a parked human-feedback request.
//
// # File Index
//
//   - main.go   - entry point, rootCmd, global flags, init()
//   - build.go  - role/task/crew wiring shared by every subcommand
//   - run.go    - `autoforge run` starts a fresh project
//   - resume.go - `autoforge resume` answers a parked feedback request
//   - status.go - `autoforge status` prints the latest snapshot
//   - watch.go  - `autoforge watch` tails a run's transition log
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"autoforge/internal/config"
	"autoforge/internal/logging"
)

var (
	// Global flags
	verbose     bool
	apiKey      string
	workspace   string
	persistDir  string
	configPath  string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "autoforge",
	Short: "autoforge - autonomous software-delivery orchestrator",
	Long: `autoforge drives an idea through five phases - intake, planning,
development, testing, and deployment - using LLM-backed worker roles,
guardrail-enforced retries, and a circuit breaker that escalates a phase
to a human after three consecutive failures.

Run "autoforge run" to start a new project, "autoforge status" to check
on one in progress, and "autoforge resume" to answer a parked question.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "LLM API key (or set AUTOFORGE_API_KEY env)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory for generated files (default: current)")
	rootCmd.PersistentFlags().StringVar(&persistDir, "persist-dir", "", "run persistence directory (default: from config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Minute, "overall run timeout")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveOptions loads config.Options from --config and overlays the
// persistent flags that double as overrides.
func resolveOptions() (config.Options, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return opts, err
	}
	if persistDir != "" {
		opts.PersistDir = persistDir
	}
	if workspace != "" {
		opts.WorkspaceRoots = []string{workspace}
	}
	opts.Debug = verbose
	return opts, nil
}

// resolveAPIKey falls back to the AUTOFORGE_API_KEY environment variable
// when --api-key is unset, mirroring how the rest of this codebase's
// ancestry sources secrets outside of flags.
func resolveAPIKey() string {
	if apiKey != "" {
		return apiKey
	}
	return os.Getenv("AUTOFORGE_API_KEY")
}
