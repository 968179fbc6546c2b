package experiments

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// MinSamplesForSignificance is the per-arm sample size below which no
	// significance fields are produced.
	MinSamplesForSignificance = 30

	// SignificanceThreshold is the p-value cutoff for IsSignificant.
	SignificanceThreshold = 0.05

	// criticalValue95 is the fixed two-sided 95% z value used for
	// ConfidenceInterval regardless of the configured confidence level.
	criticalValue95 = 1.96
)

// Comparison is the outcome of comparing a variant against the control.
type Comparison struct {
	Uplift float64

	// Powered is false when either arm has fewer than
	// MinSamplesForSignificance observations or the standard error is zero.
	// The remaining fields are only meaningful when Powered is true.
	Powered            bool
	PValue             float64
	IsSignificant      bool
	ConfidenceInterval Interval
	LevelInterval      Interval
}

// Compare runs the two-proportion z-test of variant against control.
// confidenceLevel only affects LevelInterval.
func Compare(variant, control VariantStats, confidenceLevel float64) Comparison {
	var c Comparison
	diff := variant.ConversionRate - control.ConversionRate
	if control.ConversionRate != 0 {
		c.Uplift = diff / control.ConversionRate * 100
	}

	if control.SampleSize < MinSamplesForSignificance || variant.SampleSize < MinSamplesForSignificance {
		return c
	}

	nv := float64(variant.SampleSize)
	nc := float64(control.SampleSize)
	pooled := float64(variant.Conversions+control.Conversions) / (nv + nc)
	se := math.Sqrt(pooled * (1 - pooled) * (1/nv + 1/nc))
	if se == 0 || math.IsNaN(se) {
		return c
	}

	z := diff / se
	c.Powered = true
	c.PValue = 2 * (1 - NormalCDF(math.Abs(z)))
	c.IsSignificant = c.PValue < SignificanceThreshold
	c.ConfidenceInterval = Interval{Lower: diff - criticalValue95*se, Upper: diff + criticalValue95*se}

	zLevel := criticalValueFor(confidenceLevel)
	c.LevelInterval = Interval{Lower: diff - zLevel*se, Upper: diff + zLevel*se}
	return c
}

// criticalValueFor returns the two-sided z value for a confidence level.
func criticalValueFor(level float64) float64 {
	if level <= 0 || level >= 1 {
		level = DefaultConfidenceLevel
	}
	return distuv.UnitNormal.Quantile(1 - (1-level)/2)
}

// Analyze computes the result for exp from stats (aligned with exp.Variants)
// as of now. It is a pure function of its inputs.
func Analyze(exp Experiment, stats []VariantStats, now time.Time) *ExperimentResult {
	res := &ExperimentResult{
		ExperimentID: exp.ID,
		Variants:     make([]VariantResult, 0, len(exp.Variants)),
		RunDays:      runDays(exp, now),
	}

	var control VariantStats
	for i, v := range exp.Variants {
		if v.ID == exp.ControlVariantID && i < len(stats) {
			control = stats[i]
		}
	}

	bestUplift := 0.0
	candidates := 0
	best := ""
	for i, v := range exp.Variants {
		var s VariantStats
		if i < len(stats) {
			s = stats[i]
		}
		res.OverallSampleSize += s.SampleSize

		vr := VariantResult{
			VariantID: v.ID,
			Name:      v.Name,
			IsControl: v.ID == exp.ControlVariantID,
			Stats:     s,
		}
		if !vr.IsControl {
			cmp := Compare(s, control, exp.ConfidenceLevel)
			uplift := cmp.Uplift
			vr.Uplift = &uplift
			if cmp.Powered {
				pValue, significant := cmp.PValue, cmp.IsSignificant
				ci, li := cmp.ConfidenceInterval, cmp.LevelInterval
				vr.PValue = &pValue
				vr.IsSignificant = &significant
				vr.ConfidenceInterval = &ci
				vr.LevelInterval = &li

				if significant && uplift > 0 {
					candidates++
					if best == "" || uplift > bestUplift {
						best, bestUplift = v.ID, uplift
					}
				}
			}
		}
		res.Variants = append(res.Variants, vr)
	}

	res.HasSignificantWinner = candidates > 0

	switch {
	case res.OverallSampleSize < int64(exp.SampleSize):
		res.Recommendation = fmt.Sprintf("Need %d more samples to reach the minimum sample size of %d.",
			int64(exp.SampleSize)-res.OverallSampleSize, exp.SampleSize)
	case res.RunDays < exp.MinRunDays:
		res.Recommendation = fmt.Sprintf("Run for %d more day(s) to reach the minimum duration of %d days.",
			exp.MinRunDays-res.RunDays, exp.MinRunDays)
	case !res.HasSignificantWinner:
		res.Recommendation = "No variant shows a statistically significant lift over control yet."
	default:
		res.RecommendedWinner = best
		winner, _ := res.Variant(best)
		res.Recommendation = fmt.Sprintf("Variant %q beats control by %.1f%% (p=%.4f); roll it out.",
			displayName(winner), bestUplift, *winner.PValue)
	}
	return res
}

// ShouldAutoComplete reports whether the winner policy allows exp to end.
func ShouldAutoComplete(exp Experiment, res *ExperimentResult) bool {
	if res == nil || !exp.AutoSelectWinner || exp.Status != StatusRunning {
		return false
	}
	return res.OverallSampleSize >= int64(exp.SampleSize) &&
		res.RunDays >= exp.MinRunDays &&
		res.HasSignificantWinner
}

// runDays counts whole days since the experiment started, up to its end.
func runDays(exp Experiment, now time.Time) int {
	if exp.StartedAt == nil {
		return 0
	}
	end := now
	if exp.EndedAt != nil {
		end = *exp.EndedAt
	}
	elapsed := end.Sub(*exp.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / (24 * time.Hour))
}

func displayName(v VariantResult) string {
	if v.Name != "" {
		return v.Name
	}
	return v.VariantID
}
