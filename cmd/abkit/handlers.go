package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/abkit/internal/experiments"
)

// =============================================================================
// Definition Handlers
// =============================================================================

func runCreate(cmd *cobra.Command, configPath string, opts createOptions) error {
	def, err := definitionFromOptions(opts)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		exp, err := a.manager.Create(cmd.Context(), def)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), exp.ID)
		return nil
	})
}

// definitionFromOptions reads the definition file, if any, and overlays
// explicitly set flags.
func definitionFromOptions(opts createOptions) (experiments.Definition, error) {
	var def experiments.Definition
	if opts.file != "" {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return def, fmt.Errorf("read definition: %w", err)
		}
		if err := yaml.Unmarshal(data, &def); err != nil {
			return def, fmt.Errorf("parse definition: %w", err)
		}
	}
	if opts.id != "" {
		def.ID = opts.id
	}
	if opts.name != "" {
		def.Name = opts.name
	}
	if opts.description != "" {
		def.Description = opts.description
	}
	if len(opts.variants) > 0 {
		variants, err := parseVariants(opts.variants)
		if err != nil {
			return def, err
		}
		def.Variants = variants
	}
	if opts.primaryMetric != "" {
		def.PrimaryMetric = opts.primaryMetric
	}
	if len(opts.secondaryMetrics) > 0 {
		def.SecondaryMetrics = opts.secondaryMetrics
	}
	if opts.sampleSize > 0 {
		def.SampleSize = opts.sampleSize
	}
	if opts.minRunDays > 0 {
		def.MinRunDays = opts.minRunDays
	}
	if opts.confidenceLevel > 0 {
		def.ConfidenceLevel = opts.confidenceLevel
	}
	if opts.autoSelect {
		def.AutoSelectWinner = true
	}
	if len(def.Variants) == 0 {
		return def, fmt.Errorf("at least one --variant is required")
	}
	return def, nil
}

// parseVariants parses id[:weight] specs. Weights must be given for every
// variant or for none; none means an even split.
func parseVariants(specs []string) ([]experiments.Variant, error) {
	variants := make([]experiments.Variant, 0, len(specs))
	weighted := 0
	for _, spec := range specs {
		id, weightText, hasWeight := strings.Cut(strings.TrimSpace(spec), ":")
		v := experiments.Variant{ID: strings.TrimSpace(id), Weight: 1}
		if hasWeight {
			w, err := strconv.ParseFloat(strings.TrimSpace(weightText), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid weight in variant %q: %w", spec, err)
			}
			v.Weight = w
			weighted++
		}
		variants = append(variants, v)
	}
	if weighted != 0 && weighted != len(variants) {
		return nil, fmt.Errorf("give a weight for every variant or for none")
	}
	return variants, nil
}

func runList(cmd *cobra.Command, configPath string, asJSON bool) error {
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		exps := a.manager.List()
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), exps)
		}
		if len(exps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No experiments found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVARIANTS\tSAMPLES\tWINNER")
		for _, exp := range exps {
			var samples int64
			if stats, ok := a.manager.Stats(exp.ID); ok {
				for _, s := range stats {
					samples += s.SampleSize
				}
			}
			winner := exp.Winner
			if winner == "" {
				winner = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", exp.ID, exp.Name, exp.Status, len(exp.Variants), samples, winner)
		}
		return w.Flush()
	})
}

func runShow(cmd *cobra.Command, configPath, id string) error {
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		exp, ok := a.manager.Get(id)
		if !ok {
			return notFound(id)
		}
		stats, _ := a.manager.Stats(id)
		assigned, _ := a.manager.AssignmentCount(id)
		return writeJSON(cmd.OutOrStdout(), struct {
			Experiment  experiments.Experiment     `json:"experiment"`
			Stats       []experiments.VariantStats `json:"stats"`
			Assignments int                        `json:"assignments"`
		}{exp, stats, assigned})
	})
}

func runDelete(cmd *cobra.Command, configPath, id string) error {
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		exp, ok := a.manager.Get(id)
		if !ok {
			return notFound(id)
		}
		if !a.manager.Delete(cmd.Context(), id) {
			return fmt.Errorf("cannot delete experiment %q while it is %s", id, exp.Status)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
		return nil
	})
}

func runWeights(cmd *cobra.Command, configPath, id string, specs []string) error {
	weights := make(map[string]float64, len(specs))
	for _, spec := range specs {
		variantID, weightText, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("invalid weight %q, expected id=weight", spec)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weightText), 64)
		if err != nil {
			return fmt.Errorf("invalid weight %q: %w", spec, err)
		}
		weights[strings.TrimSpace(variantID)] = w
	}
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		if _, ok := a.manager.Get(id); !ok {
			return notFound(id)
		}
		if !a.manager.UpdateWeights(cmd.Context(), id, weights) {
			return fmt.Errorf("cannot update weights for experiment %q", id)
		}
		exp, _ := a.manager.Get(id)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VARIANT\tWEIGHT")
		for _, v := range exp.Variants {
			fmt.Fprintf(w, "%s\t%.2f\n", v.ID, v.Weight)
		}
		return w.Flush()
	})
}

// =============================================================================
// Lifecycle Handlers
// =============================================================================

type transition int

const (
	transitionStart transition = iota
	transitionPause
	transitionResume
	transitionEnd
)

func (t transition) String() string {
	switch t {
	case transitionStart:
		return "start"
	case transitionPause:
		return "pause"
	case transitionResume:
		return "resume"
	default:
		return "end"
	}
}

func runTransition(cmd *cobra.Command, configPath, id string, kind transition, winner string) error {
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		before, ok := a.manager.Get(id)
		if !ok {
			return notFound(id)
		}
		ctx := cmd.Context()
		var applied bool
		switch kind {
		case transitionStart:
			applied = a.manager.Start(ctx, id)
		case transitionPause:
			applied = a.manager.Pause(ctx, id)
		case transitionResume:
			applied = a.manager.Resume(ctx, id)
		case transitionEnd:
			applied = a.manager.End(ctx, id, winner)
		}
		if !applied {
			if kind == transitionEnd && winner != "" {
				if _, known := before.VariantByID(winner); !known {
					return fmt.Errorf("unknown winner variant %q", winner)
				}
			}
			return fmt.Errorf("cannot %s experiment %q while it is %s", kind, id, before.Status)
		}
		after, _ := a.manager.Get(id)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", id, before.Status, after.Status)
		return nil
	})
}

// =============================================================================
// Traffic Handlers
// =============================================================================

func runAssign(cmd *cobra.Command, configPath, expID, subjectID string) error {
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		exp, ok := a.manager.Get(expID)
		if !ok {
			return notFound(expID)
		}
		v, ok := a.manager.Assign(cmd.Context(), expID, subjectID)
		if !ok {
			return fmt.Errorf("cannot assign subjects while experiment %q is %s", expID, exp.Status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), v.ID)
		return nil
	})
}

func runRecord(cmd *cobra.Command, configPath, expID, target string, bySubject bool, flags conversionFlags) error {
	var ev experiments.Event = experiments.ExposureEvent{}
	if flags.convert {
		ev = experiments.ConversionEvent{
			Revenue:       flags.revenue,
			InterestScore: flags.interestScore,
			MessageCount:  flags.messageCount,
		}
	}
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		exp, ok := a.manager.Get(expID)
		if !ok {
			return notFound(expID)
		}
		var recorded bool
		if bySubject {
			recorded = a.manager.RecordForSubject(cmd.Context(), expID, target, ev)
		} else {
			recorded = a.manager.Record(cmd.Context(), expID, target, ev)
		}
		if !recorded {
			return fmt.Errorf("event rejected for %q in experiment %q (status %s)", target, expID, exp.Status)
		}
		if after, _ := a.manager.Get(expID); after.Status == experiments.StatusCompleted && exp.Status != experiments.StatusCompleted {
			fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s auto-completed; winner %s\n", expID, after.Winner)
		}
		return nil
	})
}

func runResults(cmd *cobra.Command, configPath, id string, asJSON bool) error {
	return withApp(cmd.Context(), configPath, cmd.ErrOrStderr(), func(a *app) error {
		res, ok := a.manager.Results(id)
		if !ok {
			return notFound(id)
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		return writeResults(cmd.OutOrStdout(), res)
	})
}

func writeResults(out io.Writer, res *experiments.ExperimentResult) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tSAMPLES\tCONVERSIONS\tRATE\tUPLIFT\tP-VALUE\tSIGNIFICANT\t95% CI")
	for _, v := range res.Variants {
		uplift, pValue, significant, ci := "-", "-", "-", "-"
		if v.IsControl {
			uplift = "control"
		} else if v.Uplift != nil {
			uplift = fmt.Sprintf("%+.1f%%", *v.Uplift)
		}
		if v.PValue != nil {
			pValue = fmt.Sprintf("%.4f", *v.PValue)
		}
		if v.IsSignificant != nil {
			significant = strconv.FormatBool(*v.IsSignificant)
		}
		if v.ConfidenceInterval != nil {
			ci = fmt.Sprintf("[%.4f, %.4f]", v.ConfidenceInterval.Lower, v.ConfidenceInterval.Upper)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f%%\t%s\t%s\t%s\t%s\n",
			v.VariantID, v.Stats.SampleSize, v.Stats.Conversions, v.Stats.ConversionRate*100,
			uplift, pValue, significant, ci)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nSamples: %d  Run days: %d\n%s\n", res.OverallSampleSize, res.RunDays, res.Recommendation)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func notFound(id string) error {
	return fmt.Errorf("experiment %q not found", id)
}
