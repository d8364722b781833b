// Package main provides the CLI entry point for the session kernel: an
// event-sourced, forkable agent run log with pluggable LLM providers.
//
// # Basic Usage
//
// Start a run against a session, creating one if --session is omitted:
//
//	sessionkernel run --config sessionkernel.yaml --prompt "summarize the repo"
//
// Fork a session at a specific event and continue from there:
//
//	sessionkernel fork --config sessionkernel.yaml --from evt_123
//
// List known models:
//
//	sessionkernel models list
//
// # Environment Variables
//
//   - SESSIONKERNEL_CONFIG: Path to configuration file (default: sessionkernel.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - VENICE_API_KEY: Venice API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sessionkernel",
		Short: "sessionkernel - event-sourced, forkable agent run log",
		Long: `sessionkernel runs an agent session against an append-only, parent-linked
event log, streaming LLM provider output through a bounded tool-call loop and
recording every turn as a replayable, forkable event.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildForkCmd(),
		buildRewindCmd(),
		buildReplayCmd(),
		buildCompactCmd(),
		buildModelsCmd(),
		buildUsageCmd(),
		buildJobsCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("SESSIONKERNEL_CONFIG"); env != "" {
		return env
	}
	return "sessionkernel.yaml"
}
