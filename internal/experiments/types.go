package experiments

import (
	"errors"
	"time"
)

// ErrInvalidExperiment is wrapped by Create for unusable definitions.
var ErrInvalidExperiment = errors.New("invalid experiment")

// Status is an experiment lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Defaults applied to definitions that leave decision parameters unset.
const (
	DefaultSampleSize      = 100
	DefaultMinRunDays      = 7
	DefaultConfidenceLevel = 0.95
	DefaultPrimaryMetric   = "conversion_rate"
)

// Experiment defines a single experiment.
type Experiment struct {
	ID               string     `json:"id" yaml:"id"`
	Name             string     `json:"name" yaml:"name"`
	Description      string     `json:"description,omitempty" yaml:"description"`
	Status           Status     `json:"status" yaml:"status"`
	Variants         []Variant  `json:"variants" yaml:"variants"`
	ControlVariantID string     `json:"control_variant_id" yaml:"control_variant_id"`
	PrimaryMetric    string     `json:"primary_metric" yaml:"primary_metric"`
	SecondaryMetrics []string   `json:"secondary_metrics,omitempty" yaml:"secondary_metrics"`
	SampleSize       int        `json:"sample_size" yaml:"sample_size"`
	MinRunDays       int        `json:"min_run_days" yaml:"min_run_days"`
	ConfidenceLevel  float64    `json:"confidence_level" yaml:"confidence_level"`
	AutoSelectWinner bool       `json:"auto_select_winner" yaml:"auto_select_winner"`
	CreatedAt        time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" yaml:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty" yaml:"ended_at"`
	Winner           string     `json:"winner,omitempty" yaml:"winner"`
}

// Variant defines one arm of an experiment.
type Variant struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Definition is the caller input to Create. Zero values take the manager defaults.
type Definition struct {
	ID               string    `yaml:"id"`
	Name             string    `yaml:"name"`
	Description      string    `yaml:"description"`
	Variants         []Variant `yaml:"variants"`
	PrimaryMetric    string    `yaml:"primary_metric"`
	SecondaryMetrics []string  `yaml:"secondary_metrics"`
	SampleSize       int       `yaml:"sample_size"`
	MinRunDays       int       `yaml:"min_run_days"`
	ConfidenceLevel  float64   `yaml:"confidence_level"`
	AutoSelectWinner bool      `yaml:"auto_select_winner"`
}

// VariantStats holds the running counters for one variant.
type VariantStats struct {
	VariantID        string  `json:"variant_id"`
	SampleSize       int64   `json:"sample_size"`
	Conversions      int64   `json:"conversions"`
	ConversionRate   float64 `json:"conversion_rate"`
	TotalRevenue     float64 `json:"total_revenue"`
	AvgInterestScore float64 `json:"avg_interest_score"`
	AvgMessageCount  float64 `json:"avg_message_count"`
}

// Assignment records a subject's experiment variant.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	SubjectID    string    `json:"subject_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Event is a statistics event reported against a variant.
// Implementations are ExposureEvent and ConversionEvent.
type Event interface {
	kind() string
}

// ExposureEvent records that a subject saw a variant without converting.
type ExposureEvent struct{}

// ConversionEvent records a conversion. Nil metrics count as zero.
type ConversionEvent struct {
	Revenue       *float64
	InterestScore *float64
	MessageCount  *float64
}

func (ExposureEvent) kind() string   { return "exposure" }
func (ConversionEvent) kind() string { return "conversion" }

// Interval is a closed numeric interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// VariantResult is a variant's stats enriched with the comparison against control.
// Uplift is nil for the control; the significance fields are nil when either
// arm is under-powered or the standard error is zero.
type VariantResult struct {
	VariantID          string       `json:"variant_id"`
	Name               string       `json:"name"`
	IsControl          bool         `json:"is_control"`
	Stats              VariantStats `json:"stats"`
	Uplift             *float64     `json:"uplift,omitempty"`
	PValue             *float64     `json:"p_value,omitempty"`
	IsSignificant      *bool        `json:"is_significant,omitempty"`
	ConfidenceInterval *Interval    `json:"confidence_interval,omitempty"`
	LevelInterval      *Interval    `json:"level_interval,omitempty"`
}

// ExperimentResult is derived on demand and never persisted.
type ExperimentResult struct {
	ExperimentID         string          `json:"experiment_id"`
	Variants             []VariantResult `json:"variants"`
	OverallSampleSize    int64           `json:"overall_sample_size"`
	RunDays              int             `json:"run_days"`
	HasSignificantWinner bool            `json:"has_significant_winner"`
	RecommendedWinner    string          `json:"recommended_winner,omitempty"`
	Recommendation       string          `json:"recommendation"`
}

// Variant returns the result for id.
func (r *ExperimentResult) Variant(id string) (VariantResult, bool) {
	if r == nil {
		return VariantResult{}, false
	}
	for _, v := range r.Variants {
		if v.VariantID == id {
			return v, true
		}
	}
	return VariantResult{}, false
}

// VariantByID returns the variant with id.
func (e Experiment) VariantByID(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

func (e Experiment) clone() Experiment {
	out := e
	out.Variants = append([]Variant(nil), e.Variants...)
	out.SecondaryMetrics = append([]string(nil), e.SecondaryMetrics...)
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	return out
}
