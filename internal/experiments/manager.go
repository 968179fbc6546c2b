package experiments

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/abkit/internal/observability"
	"github.com/haasonsaas/abkit/internal/persistence"
)

// CompletionHook is called after an experiment reaches completed, outside
// of any manager lock.
type CompletionHook func(ctx context.Context, exp Experiment, res *ExperimentResult)

// Defaults are the decision parameters applied when a Definition leaves them unset.
type Defaults struct {
	SampleSize      int
	MinRunDays      int
	ConfidenceLevel float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithGateway persists state through gw after every mutation.
func WithGateway(gw persistence.Gateway) Option {
	return func(m *Manager) { m.gateway = gw }
}

// WithCodec selects the state encoding. Defaults to JSON.
func WithCodec(codec persistence.Codec) Option {
	return func(m *Manager) {
		if codec != nil {
			m.codec = codec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRandom replaces the uniform [0, 1) source used for assignment.
func WithRandom(uniform func() float64) Option {
	return func(m *Manager) {
		if uniform != nil {
			m.uniform = uniform
		}
	}
}

// WithDefaults overrides the package defaults for new experiments.
func WithDefaults(d Defaults) Option {
	return func(m *Manager) {
		if d.SampleSize > 0 {
			m.defaults.SampleSize = d.SampleSize
		}
		if d.MinRunDays > 0 {
			m.defaults.MinRunDays = d.MinRunDays
		}
		if d.ConfidenceLevel > 0 && d.ConfidenceLevel < 1 {
			m.defaults.ConfidenceLevel = d.ConfidenceLevel
		}
	}
}

// WithCompletionHook registers a hook for completed experiments.
func WithCompletionHook(hook CompletionHook) Option {
	return func(m *Manager) {
		if hook != nil {
			m.hooks = append(m.hooks, hook)
		}
	}
}

// Manager owns every experiment with its statistics and assignment ledger.
// All mutation goes through it. Each experiment is guarded by its own mutex,
// so different experiments can be driven in parallel.
type Manager struct {
	mu          sync.RWMutex
	experiments map[string]*experimentState
	order       []string

	gateway persistence.Gateway
	codec   persistence.Codec
	saveMu  sync.Mutex

	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	rngMu    sync.Mutex
	uniform  func() float64
	defaults Defaults
	hooks    []CompletionHook
}

type experimentState struct {
	mu          sync.Mutex
	exp         Experiment
	stats       []VariantStats // aligned with exp.Variants
	assignments ledger
}

// NewManager creates a new experiments manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		experiments: make(map[string]*experimentState),
		codec:       persistence.JSONCodec{},
		logger:      observability.NopLogger(),
		now:         time.Now,
		uniform:     rand.Float64,
		defaults: Defaults{
			SampleSize:      DefaultSampleSize,
			MinRunDays:      DefaultMinRunDays,
			ConfidenceLevel: DefaultConfidenceLevel,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates def and stores a new draft experiment with zeroed stats.
func (m *Manager) Create(ctx context.Context, def Definition) (Experiment, error) {
	if len(def.Variants) == 0 {
		return Experiment{}, fmt.Errorf("%w: at least one variant is required", ErrInvalidExperiment)
	}

	variants := make([]Variant, len(def.Variants))
	seen := make(map[string]bool, len(def.Variants))
	for i, v := range def.Variants {
		if v.Weight < 0 || math.IsNaN(v.Weight) || math.IsInf(v.Weight, 0) {
			return Experiment{}, fmt.Errorf("%w: variant %d has invalid weight %v", ErrInvalidExperiment, i, v.Weight)
		}
		v.ID = strings.TrimSpace(v.ID)
		if v.ID == "" {
			v.ID = fmt.Sprintf("variant_%d", i)
		}
		if seen[v.ID] {
			return Experiment{}, fmt.Errorf("%w: duplicate variant id %q", ErrInvalidExperiment, v.ID)
		}
		seen[v.ID] = true
		if strings.TrimSpace(v.Name) == "" {
			v.Name = v.ID
		}
		variants[i] = v
	}
	normalizeWeights(variants)

	exp := Experiment{
		ID:               strings.TrimSpace(def.ID),
		Name:             def.Name,
		Description:      def.Description,
		Status:           StatusDraft,
		Variants:         variants,
		ControlVariantID: variants[0].ID,
		PrimaryMetric:    def.PrimaryMetric,
		SecondaryMetrics: append([]string(nil), def.SecondaryMetrics...),
		SampleSize:       def.SampleSize,
		MinRunDays:       def.MinRunDays,
		ConfidenceLevel:  def.ConfidenceLevel,
		AutoSelectWinner: def.AutoSelectWinner,
		CreatedAt:        m.now(),
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.PrimaryMetric == "" {
		exp.PrimaryMetric = DefaultPrimaryMetric
	}
	if exp.SampleSize <= 0 {
		exp.SampleSize = m.defaults.SampleSize
	}
	if exp.MinRunDays <= 0 {
		exp.MinRunDays = m.defaults.MinRunDays
	}
	if exp.ConfidenceLevel <= 0 || exp.ConfidenceLevel >= 1 {
		exp.ConfidenceLevel = m.defaults.ConfidenceLevel
	}

	st := &experimentState{
		exp:         exp,
		stats:       alignStats(exp, nil),
		assignments: ledger{},
	}

	m.mu.Lock()
	if _, exists := m.experiments[exp.ID]; exists {
		m.mu.Unlock()
		return Experiment{}, fmt.Errorf("%w: experiment %q already exists", ErrInvalidExperiment, exp.ID)
	}
	m.experiments[exp.ID] = st
	m.order = append(m.order, exp.ID)
	m.mu.Unlock()

	ctx = observability.AddExperimentID(ctx, exp.ID)
	m.logger.Info(ctx, "Experiment created", "name", exp.Name, "variants", len(variants))
	m.persist(ctx)
	return exp.clone(), nil
}

// Get returns a copy of the experiment.
func (m *Manager) Get(id string) (Experiment, bool) {
	st, ok := m.state(id)
	if !ok {
		return Experiment{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exp.clone(), true
}

// List returns all experiments in creation order.
func (m *Manager) List() []Experiment {
	m.mu.RLock()
	states := make([]*experimentState, 0, len(m.order))
	for _, id := range m.order {
		states = append(states, m.experiments[id])
	}
	m.mu.RUnlock()

	out := make([]Experiment, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.exp.clone())
		st.mu.Unlock()
	}
	return out
}

// Start moves a draft experiment to running.
func (m *Manager) Start(ctx context.Context, id string) bool {
	return m.transition(ctx, id, StatusRunning, func(e *Experiment, now time.Time) bool {
		return e.start(now)
	})
}

// Pause moves a running experiment to paused.
func (m *Manager) Pause(ctx context.Context, id string) bool {
	return m.transition(ctx, id, StatusPaused, func(e *Experiment, _ time.Time) bool {
		return e.pause()
	})
}

// Resume moves a paused experiment back to running.
func (m *Manager) Resume(ctx context.Context, id string) bool {
	return m.transition(ctx, id, StatusRunning, func(e *Experiment, _ time.Time) bool {
		return e.resume()
	})
}

// End completes a running or paused experiment. winnerID may be empty; a
// non-empty winnerID must name one of the experiment's variants.
func (m *Manager) End(ctx context.Context, id, winnerID string) bool {
	return m.transition(ctx, id, StatusCompleted, func(e *Experiment, now time.Time) bool {
		return e.end(now, winnerID)
	})
}

func (m *Manager) transition(ctx context.Context, id string, to Status, apply func(*Experiment, time.Time) bool) bool {
	st, ok := m.state(id)
	if !ok {
		return false
	}
	ctx = observability.AddExperimentID(ctx, id)
	now := m.now()

	st.mu.Lock()
	from := st.exp.Status
	if !apply(&st.exp, now) {
		st.mu.Unlock()
		m.logger.Debug(ctx, "Experiment transition rejected", "from", string(from), "to", string(to))
		return false
	}
	exp := st.exp.clone()
	var res *ExperimentResult
	if to == StatusCompleted {
		res = Analyze(exp, st.stats, now)
	}
	st.mu.Unlock()

	m.metrics.Transition(string(to))
	m.logger.Info(ctx, "Experiment transitioned", "from", string(from), "to", string(to))
	m.persist(ctx)
	if to == StatusCompleted {
		m.completed(ctx, exp, res)
	}
	return true
}

// UpdateWeights replaces the weights of the named variants and renormalizes
// the set to 100. Existing assignments are never revisited.
func (m *Manager) UpdateWeights(ctx context.Context, id string, weights map[string]float64) bool {
	st, ok := m.state(id)
	if !ok || len(weights) == 0 {
		return false
	}

	st.mu.Lock()
	if st.exp.Status == StatusCompleted {
		st.mu.Unlock()
		return false
	}
	variants := append([]Variant(nil), st.exp.Variants...)
	for variantID, w := range weights {
		idx := indexOfVariant(variants, variantID)
		if idx < 0 || w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			st.mu.Unlock()
			return false
		}
		variants[idx].Weight = w
	}
	normalizeWeights(variants)
	st.exp.Variants = variants
	st.mu.Unlock()

	m.logger.Info(observability.AddExperimentID(ctx, id), "Variant weights updated", "weights", weights)
	m.persist(ctx)
	return true
}

// Delete removes a non-running experiment together with its stats and ledger.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	m.mu.Lock()
	st, ok := m.experiments[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	st.mu.Lock()
	running := st.exp.Status == StatusRunning
	st.mu.Unlock()
	if running {
		m.mu.Unlock()
		return false
	}
	delete(m.experiments, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info(observability.AddExperimentID(ctx, id), "Experiment deleted")
	m.persist(ctx)
	return true
}

// Assign returns the subject's variant, creating a sticky assignment on first
// call. It reports false unless the experiment is running.
func (m *Manager) Assign(ctx context.Context, experimentID, subjectID string) (Variant, bool) {
	if strings.TrimSpace(subjectID) == "" {
		return Variant{}, false
	}
	st, ok := m.state(experimentID)
	if !ok {
		return Variant{}, false
	}

	st.mu.Lock()
	if st.exp.Status != StatusRunning {
		st.mu.Unlock()
		return Variant{}, false
	}
	if existing, ok := st.assignments.lookup(subjectID); ok {
		v, found := st.exp.VariantByID(existing.VariantID)
		st.mu.Unlock()
		return v, found
	}
	v, ok := SelectVariant(st.exp.Variants, m.draw)
	if !ok {
		st.mu.Unlock()
		return Variant{}, false
	}
	st.assignments.insert(Assignment{
		ExperimentID: experimentID,
		SubjectID:    subjectID,
		VariantID:    v.ID,
		AssignedAt:   m.now(),
	})
	st.mu.Unlock()

	ctx = observability.AddSubjectID(observability.AddExperimentID(ctx, experimentID), subjectID)
	m.metrics.AssignmentRecorded(experimentID, v.ID)
	m.logger.Debug(ctx, "Variant assigned", "variant_id", v.ID)
	m.persist(ctx)
	return v, true
}

// GetAssignment looks up an existing assignment without creating one.
func (m *Manager) GetAssignment(experimentID, subjectID string) (Variant, bool) {
	st, ok := m.state(experimentID)
	if !ok {
		return Variant{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a, ok := st.assignments.lookup(subjectID)
	if !ok {
		return Variant{}, false
	}
	return st.exp.VariantByID(a.VariantID)
}

// AssignmentCount returns the number of subjects assigned in the experiment.
func (m *Manager) AssignmentCount(experimentID string) (int, bool) {
	st, ok := m.state(experimentID)
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.assignments), true
}

// RecordExposure counts a non-converting observation for the variant.
func (m *Manager) RecordExposure(ctx context.Context, experimentID, variantID string) bool {
	return m.Record(ctx, experimentID, variantID, ExposureEvent{})
}

// RecordConversion counts a conversion for the variant and then applies the
// auto-completion policy.
func (m *Manager) RecordConversion(ctx context.Context, experimentID, variantID string, ev ConversionEvent) bool {
	return m.Record(ctx, experimentID, variantID, ev)
}

// RecordForSubject records ev against the subject's assigned variant.
func (m *Manager) RecordForSubject(ctx context.Context, experimentID, subjectID string, ev Event) bool {
	v, ok := m.GetAssignment(experimentID, subjectID)
	if !ok {
		return false
	}
	return m.Record(observability.AddSubjectID(ctx, subjectID), experimentID, v.ID, ev)
}

// Record applies ev to the variant's statistics. Events are accepted while
// the experiment is running or paused.
func (m *Manager) Record(ctx context.Context, experimentID, variantID string, ev Event) bool {
	st, ok := m.state(experimentID)
	if !ok || ev == nil {
		return false
	}
	ctx = observability.AddExperimentID(ctx, experimentID)
	now := m.now()

	st.mu.Lock()
	idx := indexOfVariant(st.exp.Variants, variantID)
	if !st.exp.acceptsEvents() || idx < 0 {
		st.mu.Unlock()
		return false
	}
	conversion := false
	switch e := ev.(type) {
	case ExposureEvent:
		st.stats[idx].RecordExposure()
	case ConversionEvent:
		st.stats[idx].RecordConversion(e)
		conversion = true
	default:
		st.mu.Unlock()
		return false
	}
	var (
		exp       Experiment
		res       *ExperimentResult
		completed bool
	)
	if conversion {
		exp, res, completed = st.autoComplete(now)
	}
	st.mu.Unlock()

	m.metrics.EventRecorded(experimentID, variantID, ev.kind())
	m.persist(ctx)
	if completed {
		m.autoCompleted(ctx, exp, res)
	}
	return true
}

// Stats returns a copy of the variant statistics in variant order.
func (m *Manager) Stats(experimentID string) ([]VariantStats, bool) {
	st, ok := m.state(experimentID)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]VariantStats(nil), st.stats...), true
}

// Results computes the experiment result as of now.
func (m *Manager) Results(experimentID string) (*ExperimentResult, bool) {
	st, ok := m.state(experimentID)
	if !ok {
		return nil, false
	}
	now := m.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return Analyze(st.exp, st.stats, now), true
}

// Evaluate applies the auto-completion policy without a new event and
// reports whether the experiment was completed.
func (m *Manager) Evaluate(ctx context.Context, experimentID string) bool {
	st, ok := m.state(experimentID)
	if !ok {
		return false
	}
	ctx = observability.AddExperimentID(ctx, experimentID)
	now := m.now()

	st.mu.Lock()
	exp, res, completed := st.autoComplete(now)
	st.mu.Unlock()

	if !completed {
		return false
	}
	m.persist(ctx)
	m.autoCompleted(ctx, exp, res)
	return true
}

// EvaluateAll runs Evaluate for every experiment and returns how many completed.
func (m *Manager) EvaluateAll(ctx context.Context) int {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	completed := 0
	for _, id := range ids {
		if m.Evaluate(ctx, id) {
			completed++
		}
	}
	return completed
}

// autoComplete ends the experiment when the winner policy allows it.
// Callers must hold st.mu.
func (st *experimentState) autoComplete(now time.Time) (Experiment, *ExperimentResult, bool) {
	if !st.exp.AutoSelectWinner || st.exp.Status != StatusRunning {
		return Experiment{}, nil, false
	}
	res := Analyze(st.exp, st.stats, now)
	if !ShouldAutoComplete(st.exp, res) || !st.exp.end(now, res.RecommendedWinner) {
		return Experiment{}, nil, false
	}
	exp := st.exp.clone()
	return exp, Analyze(exp, st.stats, now), true
}

func (m *Manager) autoCompleted(ctx context.Context, exp Experiment, res *ExperimentResult) {
	m.metrics.Transition(string(StatusCompleted))
	m.metrics.AutoCompleted()
	m.logger.Info(ctx, "Experiment auto-completed",
		"winner", exp.Winner,
		"overall_sample_size", res.OverallSampleSize,
		"run_days", res.RunDays)
	m.completed(ctx, exp, res)
}

func (m *Manager) completed(ctx context.Context, exp Experiment, res *ExperimentResult) {
	for _, hook := range m.hooks {
		hook(ctx, exp, res)
	}
}

func (m *Manager) state(id string) (*experimentState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.experiments[id]
	return st, ok
}

func (m *Manager) draw() float64 {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.uniform()
}

func indexOfVariant(variants []Variant, id string) int {
	for i, v := range variants {
		if v.ID == id {
			return i
		}
	}
	return -1
}
