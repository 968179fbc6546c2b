package experiments

import (
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

func statsOf(id string, conversions, sampleSize int64) VariantStats {
	s := VariantStats{VariantID: id, SampleSize: sampleSize, Conversions: conversions}
	s.recomputeRate()
	return s
}

func analyzedExperiment(started time.Time) Experiment {
	return Experiment{
		ID:               "exp",
		Name:             "Greeting copy",
		Status:           StatusRunning,
		ControlVariantID: "control",
		Variants: []Variant{
			{ID: "control", Name: "Control", Weight: 50},
			{ID: "b", Name: "Friendly", Weight: 50},
		},
		SampleSize:      100,
		MinRunDays:      7,
		ConfidenceLevel: 0.95,
		StartedAt:       &started,
	}
}

func TestCompareUnderPoweredStillReportsUplift(t *testing.T) {
	cmp := Compare(statsOf("b", 16, 20), statsOf("control", 10, 20), 0.95)
	if cmp.Powered {
		t.Fatal("expected under-powered comparison")
	}
	if math.Abs(cmp.Uplift-60) > 1e-9 {
		t.Fatalf("uplift = %v, want 60", cmp.Uplift)
	}
}

func TestCompareZTest(t *testing.T) {
	cmp := Compare(statsOf("b", 30, 60), statsOf("control", 18, 60), 0.95)
	if !cmp.Powered {
		t.Fatal("expected powered comparison")
	}
	if math.Abs(cmp.Uplift-200.0/3.0) > 1e-9 {
		t.Fatalf("uplift = %v", cmp.Uplift)
	}
	if math.Abs(cmp.PValue-0.0253) > 1e-3 {
		t.Fatalf("p-value = %v, want ~0.0253", cmp.PValue)
	}
	if !cmp.IsSignificant {
		t.Fatal("expected significance")
	}
	ci := cmp.ConfidenceInterval
	if math.Abs(ci.Lower-0.02469) > 1e-4 || math.Abs(ci.Upper-0.37531) > 1e-4 {
		t.Fatalf("confidence interval = %+v", ci)
	}
	// At 95% the level interval uses the exact quantile, which is within
	// rounding of the fixed 1.96 interval.
	if math.Abs(cmp.LevelInterval.Lower-ci.Lower) > 1e-4 {
		t.Fatalf("level interval = %+v", cmp.LevelInterval)
	}
}

func TestCompareLevelIntervalWidensWithConfidence(t *testing.T) {
	variant, control := statsOf("b", 30, 60), statsOf("control", 18, 60)
	c90 := Compare(variant, control, 0.90)
	c99 := Compare(variant, control, 0.99)
	w90 := c90.LevelInterval.Upper - c90.LevelInterval.Lower
	w99 := c99.LevelInterval.Upper - c99.LevelInterval.Lower
	if !(w99 > w90) {
		t.Fatalf("99%% width %v should exceed 90%% width %v", w99, w90)
	}
	if c90.ConfidenceInterval != c99.ConfidenceInterval {
		t.Fatal("fixed confidence interval should not depend on the level")
	}
}

func TestCompareEdgeCases(t *testing.T) {
	t.Run("zero control rate", func(t *testing.T) {
		cmp := Compare(statsOf("b", 5, 40), statsOf("control", 0, 40), 0.95)
		if cmp.Uplift != 0 {
			t.Fatalf("uplift = %v, want 0", cmp.Uplift)
		}
		if !cmp.Powered {
			t.Fatal("z-test should still run with a non-zero pooled rate")
		}
	})
	t.Run("zero standard error", func(t *testing.T) {
		cmp := Compare(statsOf("b", 40, 40), statsOf("control", 40, 40), 0.95)
		if cmp.Powered {
			t.Fatal("expected no significance fields when se is zero")
		}
	})
	t.Run("one arm under thirty", func(t *testing.T) {
		cmp := Compare(statsOf("b", 29, 29), statsOf("control", 10, 100), 0.95)
		if cmp.Powered {
			t.Fatal("expected under-powered comparison")
		}
	})
}

func TestAnalyzeControlHasNoUplift(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	exp := analyzedExperiment(now)
	res := Analyze(exp, []VariantStats{statsOf("control", 1, 5), statsOf("b", 2, 5)}, now)

	control, ok := res.Variant("control")
	if !ok || !control.IsControl {
		t.Fatal("missing control result")
	}
	if control.Uplift != nil || control.PValue != nil || control.IsSignificant != nil {
		t.Fatal("control must carry no comparison fields")
	}
	b, _ := res.Variant("b")
	if b.Uplift == nil || b.PValue != nil {
		t.Fatalf("unexpected variant fields: %+v", b)
	}
}

func TestAnalyzeRecommendation(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	significant := []VariantStats{statsOf("control", 18, 60), statsOf("b", 30, 60)}
	flat := []VariantStats{statsOf("control", 30, 100), statsOf("b", 33, 100)}

	tests := []struct {
		name       string
		stats      []VariantStats
		elapsed    time.Duration
		wantWinner string
		wantText   string
		wantSig    bool
	}{
		{"too few samples", []VariantStats{statsOf("control", 5, 20), statsOf("b", 9, 20)}, 10 * 24 * time.Hour, "", "Need 60 more samples", false},
		{"too early", significant, 6*24*time.Hour + 23*time.Hour, "", "Run for 1 more day", true},
		{"no lift", flat, 8 * 24 * time.Hour, "", "No variant", false},
		{"winner", significant, 7 * 24 * time.Hour, "b", `Variant "Friendly" beats control`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := analyzedExperiment(started)
			res := Analyze(exp, tt.stats, started.Add(tt.elapsed))
			if res.RecommendedWinner != tt.wantWinner {
				t.Fatalf("winner = %q, want %q", res.RecommendedWinner, tt.wantWinner)
			}
			if res.HasSignificantWinner != tt.wantSig {
				t.Fatalf("has significant winner = %v, want %v", res.HasSignificantWinner, tt.wantSig)
			}
			if !strings.Contains(res.Recommendation, tt.wantText) {
				t.Fatalf("recommendation %q does not contain %q", res.Recommendation, tt.wantText)
			}
		})
	}
}

func TestAnalyzePicksLargestSignificantUplift(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	exp := analyzedExperiment(started)
	exp.Variants = append(exp.Variants, Variant{ID: "c", Name: "Bold", Weight: 0})
	stats := []VariantStats{
		statsOf("control", 30, 100),
		statsOf("b", 45, 100),
		statsOf("c", 50, 100),
	}
	res := Analyze(exp, stats, started.Add(8*24*time.Hour))
	if res.RecommendedWinner != "c" {
		t.Fatalf("winner = %q, want c", res.RecommendedWinner)
	}
	if res.OverallSampleSize != 300 {
		t.Fatalf("overall sample size = %d", res.OverallSampleSize)
	}
}

func TestAnalyzeNegativeLiftIsNotAWinner(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	exp := analyzedExperiment(started)
	res := Analyze(exp, []VariantStats{statsOf("control", 30, 60), statsOf("b", 18, 60)}, started.Add(8*24*time.Hour))
	b, _ := res.Variant("b")
	if b.IsSignificant == nil || !*b.IsSignificant {
		t.Fatal("expected a significant negative difference")
	}
	if res.HasSignificantWinner || res.RecommendedWinner != "" {
		t.Fatalf("negative lift must not win: %+v", res)
	}
}

func TestAnalyzeIsPure(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	exp := analyzedExperiment(started)
	stats := []VariantStats{statsOf("control", 18, 60), statsOf("b", 30, 60)}
	now := started.Add(9 * 24 * time.Hour)
	first := Analyze(exp, stats, now)
	second := Analyze(exp, stats, now)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("repeated analysis differs")
	}
}

func TestRunDays(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(3*24*time.Hour + time.Hour)

	tests := []struct {
		name string
		exp  Experiment
		now  time.Time
		want int
	}{
		{"not started", Experiment{}, started, 0},
		{"same day", Experiment{StartedAt: &started}, started.Add(23 * time.Hour), 0},
		{"whole days", Experiment{StartedAt: &started}, started.Add(50 * time.Hour), 2},
		{"clock behind", Experiment{StartedAt: &started}, started.Add(-time.Hour), 0},
		{"frozen at end", Experiment{StartedAt: &started, EndedAt: &ended}, started.Add(30 * 24 * time.Hour), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runDays(tt.exp, tt.now); got != tt.want {
				t.Fatalf("runDays = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestShouldAutoComplete(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	exp := analyzedExperiment(started)
	stats := []VariantStats{statsOf("control", 18, 60), statsOf("b", 30, 60)}
	res := Analyze(exp, stats, started.Add(8*24*time.Hour))

	if ShouldAutoComplete(exp, res) {
		t.Fatal("auto-select is off")
	}
	exp.AutoSelectWinner = true
	if !ShouldAutoComplete(exp, res) {
		t.Fatal("expected auto-completion")
	}
	exp.Status = StatusPaused
	if ShouldAutoComplete(exp, res) {
		t.Fatal("paused experiments never auto-complete")
	}
}
