// Package main provides the CLI entry point for the Cortex agent runtime.
//
// Cortex drives an agentic coding loop against a configured LLM provider
// (Anthropic, OpenAI, Google), dispatching tool calls through a sandboxed
// registry and persisting every turn to an append-only rollout log.
//
// # Basic Usage
//
// Start a fresh run in the current workspace:
//
//	cortex run --config cortex.yaml
//
// Resume a prior conversation from its rollout log:
//
//	cortex resume <conversation-id>
//
// Start the HTTP/metrics server:
//
//	cortex serve --config cortex.yaml
//
// # Environment Variables
//
//   - CORTEX_HOME: Cortex home directory (rollout files, session store)
//   - CORTEX_API_KEY / CORTEX_AUTH_TOKEN: default provider API key
//   - CORTEX_API_URL: default provider base URL override
//   - CORTEX_GIT_TIMEOUT_SECS: git subprocess timeout override
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// main is the entry point for the Cortex CLI.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cortex",
		Short: "Cortex - a sandboxed agentic coding runtime",
		Long: `Cortex drives an agentic coding loop against a configured LLM provider,
dispatching tool calls through a sandboxed, policy-gated registry and
persisting every turn to an append-only rollout log.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildResumeCmd(),
		buildServeCmd(),
		buildDoctorCmd(),
	)

	return rootCmd
}

// resolveConfigPath returns the config path to load: the explicit flag
// value if set, otherwise "cortex.yaml" in the current directory.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return "cortex.yaml"
}
