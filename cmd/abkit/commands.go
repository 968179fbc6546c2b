package main

import (
	"github.com/spf13/cobra"
)

// configResolver returns the config path once flags are parsed.
type configResolver func() string

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the sweeper, the
// metrics endpoint and the completion notifier until interrupted.
func buildServeCmd(configPath configResolver) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the experiment service",
		Long: `Run abkit as a long-lived service.

The service will:
1. Load configuration and restore state from the configured storage
2. Expose Prometheus metrics on metrics.address (when enabled)
3. Sweep experiments on sweeper.schedule and auto-complete any whose winner policy is met
4. Announce completed experiments on Telegram (when enabled)

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  abkit serve

  # Start with debug logging
  abkit serve --config /etc/abkit/abkit.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath(), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Definition Commands
// =============================================================================

type createOptions struct {
	file             string
	id               string
	name             string
	description      string
	variants         []string
	primaryMetric    string
	secondaryMetrics []string
	sampleSize       int
	minRunDays       int
	confidenceLevel  float64
	autoSelect       bool
}

func buildCreateCmd(configPath configResolver) *cobra.Command {
	var opts createOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft experiment",
		Long: `Create a draft experiment from flags or a YAML definition file.

Variants are given as id[:weight]; the first variant is the control. Weights
are normalized to sum to 100.`,
		Example: `  abkit create --name "Greeting copy" --variant control:50 --variant friendly:50
  abkit create --file greeting.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, configPath(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "YAML experiment definition")
	cmd.Flags().StringVar(&opts.id, "id", "", "Experiment ID (generated when empty)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "Experiment name")
	cmd.Flags().StringVar(&opts.description, "description", "", "Experiment description")
	cmd.Flags().StringArrayVarP(&opts.variants, "variant", "v", nil, "Variant as id[:weight] (repeatable)")
	cmd.Flags().StringVar(&opts.primaryMetric, "primary-metric", "", "Primary metric label")
	cmd.Flags().StringArrayVar(&opts.secondaryMetrics, "secondary-metric", nil, "Secondary metric label (repeatable)")
	cmd.Flags().IntVar(&opts.sampleSize, "sample-size", 0, "Minimum overall sample size")
	cmd.Flags().IntVar(&opts.minRunDays, "min-run-days", 0, "Minimum run duration in days")
	cmd.Flags().Float64Var(&opts.confidenceLevel, "confidence", 0, "Confidence level for the level interval")
	cmd.Flags().BoolVar(&opts.autoSelect, "auto-select", false, "Complete automatically when a winner is found")
	return cmd
}

func buildListCmd(configPath configResolver) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, configPath(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func buildShowCmd(configPath configResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "show <experiment-id>",
		Short: "Show an experiment definition and its statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, configPath(), args[0])
		},
	}
}

func buildDeleteCmd(configPath configResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <experiment-id>",
		Short: "Delete an experiment that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, configPath(), args[0])
		},
	}
}

func buildWeightsCmd(configPath configResolver) *cobra.Command {
	var weights []string
	cmd := &cobra.Command{
		Use:     "weights <experiment-id>",
		Short:   "Change variant weights for future assignments",
		Example: `  abkit weights greeting --set control=20 --set friendly=80`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWeights(cmd, configPath(), args[0], weights)
		},
	}
	cmd.Flags().StringArrayVar(&weights, "set", nil, "Variant weight as id=weight (repeatable)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

// =============================================================================
// Lifecycle Commands
// =============================================================================

func buildStartCmd(configPath configResolver) *cobra.Command {
	return buildTransitionCmd(configPath, "start", "Start a draft experiment", transitionStart)
}

func buildPauseCmd(configPath configResolver) *cobra.Command {
	return buildTransitionCmd(configPath, "pause", "Pause a running experiment", transitionPause)
}

func buildResumeCmd(configPath configResolver) *cobra.Command {
	return buildTransitionCmd(configPath, "resume", "Resume a paused experiment", transitionResume)
}

func buildTransitionCmd(configPath configResolver, use, short string, kind transition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, configPath(), args[0], kind, "")
		},
	}
}

func buildEndCmd(configPath configResolver) *cobra.Command {
	var winner string
	cmd := &cobra.Command{
		Use:   "end <experiment-id>",
		Short: "Complete a running or paused experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, configPath(), args[0], transitionEnd, winner)
		},
	}
	cmd.Flags().StringVar(&winner, "winner", "", "Winning variant ID")
	return cmd
}

// =============================================================================
// Traffic Commands
// =============================================================================

func buildAssignCmd(configPath configResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <experiment-id> <subject-id>",
		Short: "Assign a subject to a variant (sticky)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssign(cmd, configPath(), args[0], args[1])
		},
	}
}

func buildExposeCmd(configPath configResolver) *cobra.Command {
	var subject bool
	cmd := &cobra.Command{
		Use:   "expose <experiment-id> <variant-id|subject-id>",
		Short: "Record a non-converting observation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, configPath(), args[0], args[1], subject, conversionFlags{})
		},
	}
	cmd.Flags().BoolVar(&subject, "subject", false, "Treat the second argument as a subject ID")
	return cmd
}

// conversionFlags carries the optional conversion metrics; nil means unset.
type conversionFlags struct {
	convert       bool
	revenue       *float64
	interestScore *float64
	messageCount  *float64
}

func buildConvertCmd(configPath configResolver) *cobra.Command {
	var (
		subject                              bool
		revenue, interestScore, messageCount float64
	)
	cmd := &cobra.Command{
		Use:     "convert <experiment-id> <variant-id|subject-id>",
		Short:   "Record a conversion",
		Example: `  abkit convert greeting friendly --revenue 1200 --interest-score 8`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := conversionFlags{convert: true}
			if cmd.Flags().Changed("revenue") {
				flags.revenue = &revenue
			}
			if cmd.Flags().Changed("interest-score") {
				flags.interestScore = &interestScore
			}
			if cmd.Flags().Changed("message-count") {
				flags.messageCount = &messageCount
			}
			return runRecord(cmd, configPath(), args[0], args[1], subject, flags)
		},
	}
	cmd.Flags().BoolVar(&subject, "subject", false, "Treat the second argument as a subject ID")
	cmd.Flags().Float64Var(&revenue, "revenue", 0, "Deal revenue")
	cmd.Flags().Float64Var(&interestScore, "interest-score", 0, "Lead interest score")
	cmd.Flags().Float64Var(&messageCount, "message-count", 0, "Messages exchanged before converting")
	return cmd
}

func buildResultsCmd(configPath configResolver) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "results <experiment-id>",
		Short: "Analyze an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResults(cmd, configPath(), args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
