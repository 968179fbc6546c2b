// Package main provides the CLI entry point for abkit, an A/B experimentation
// engine for conversational sales flows.
//
// # Basic Usage
//
// Define and start an experiment:
//
//	abkit create --name "Greeting copy" --variant control:50 --variant friendly:50
//	abkit start <experiment-id>
//
// Assign subjects and report outcomes:
//
//	abkit assign <experiment-id> lead-42
//	abkit convert <experiment-id> friendly --revenue 1200
//
// Inspect results or run the long-lived service:
//
//	abkit results <experiment-id>
//	abkit serve
//
// # Environment Variables
//
//   - ABKIT_CONFIG: Path to configuration file (default: abkit.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/abkit/internal/config"
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
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "abkit",
		Short: "abkit - A/B experimentation engine",
		Long: `abkit runs controlled experiments over conversational sales flows.

Subjects are assigned sticky variants by weight, exposures and conversions are
tallied per variant, and a two-proportion z-test decides whether a variant beats
the control. Experiments can complete themselves once the winner policy is met.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (default: $ABKIT_CONFIG or abkit.yaml)")

	resolve := func() string { return resolveConfigPath(configPath) }
	rootCmd.AddCommand(
		buildServeCmd(resolve),
		buildCreateCmd(resolve),
		buildListCmd(resolve),
		buildShowCmd(resolve),
		buildStartCmd(resolve),
		buildPauseCmd(resolve),
		buildResumeCmd(resolve),
		buildEndCmd(resolve),
		buildWeightsCmd(resolve),
		buildAssignCmd(resolve),
		buildExposeCmd(resolve),
		buildConvertCmd(resolve),
		buildResultsCmd(resolve),
		buildDeleteCmd(resolve),
	)
	return rootCmd
}

// resolveConfigPath prefers the flag, then the environment, then the default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return config.Path()
}
