package experiments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/abkit/internal/persistence"
)

// Persistence keys for the three state blobs.
const (
	KeyExperiments  = "ab_experiments"
	KeyVariantStats = "ab_variant_stats"
	KeyAssignments  = "ab_assignments"
)

// State is a point-in-time copy of everything the manager persists.
type State struct {
	Experiments  []Experiment                     `json:"experiments"`
	VariantStats map[string][]VariantStats        `json:"variant_stats"`
	Assignments  map[string]map[string]Assignment `json:"assignments"`
}

// Snapshot copies the current state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := State{
		Experiments:  make([]Experiment, 0, len(m.order)),
		VariantStats: make(map[string][]VariantStats, len(m.order)),
		Assignments:  make(map[string]map[string]Assignment, len(m.order)),
	}
	for _, id := range m.order {
		st := m.experiments[id]
		st.mu.Lock()
		state.Experiments = append(state.Experiments, st.exp.clone())
		state.VariantStats[id] = append([]VariantStats(nil), st.stats...)
		assignments := make(map[string]Assignment, len(st.assignments))
		for subject, a := range st.assignments {
			assignments[subject] = a
		}
		state.Assignments[id] = assignments
		st.mu.Unlock()
	}
	return state
}

// Restore replaces the in-memory state with what the gateway holds. Missing
// keys load as empty state.
func (m *Manager) Restore(ctx context.Context) error {
	var (
		exps        []Experiment
		stats       = map[string][]VariantStats{}
		assignments = map[string]map[string]Assignment{}
	)
	if err := m.load(ctx, KeyExperiments, &exps); err != nil {
		return err
	}
	if err := m.load(ctx, KeyVariantStats, &stats); err != nil {
		return err
	}
	if err := m.load(ctx, KeyAssignments, &assignments); err != nil {
		return err
	}

	states := make(map[string]*experimentState, len(exps))
	order := make([]string, 0, len(exps))
	for _, exp := range exps {
		if exp.ID == "" || len(exp.Variants) == 0 {
			continue
		}
		st := &experimentState{
			exp:         exp,
			stats:       alignStats(exp, stats[exp.ID]),
			assignments: ledger{},
		}
		for subject, a := range assignments[exp.ID] {
			st.assignments[subject] = a
		}
		if _, dup := states[exp.ID]; !dup {
			order = append(order, exp.ID)
		}
		states[exp.ID] = st
	}

	m.mu.Lock()
	m.experiments = states
	m.order = order
	m.mu.Unlock()

	m.logger.Info(ctx, "Experiment state restored", "experiments", len(order), "codec", m.codec.Name())
	return nil
}

func (m *Manager) load(ctx context.Context, key string, dst any) error {
	if m.gateway == nil {
		return nil
	}
	start := time.Now()
	blob, err := m.gateway.Load(ctx, key)
	if errors.Is(err, persistence.ErrNotFound) {
		m.metrics.RecordPersistence("load", time.Since(start).Seconds(), nil)
		return nil
	}
	m.metrics.RecordPersistence("load", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := m.codec.Unmarshal(blob, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// persist writes the full state after a mutation. Failures are logged and
// counted; in-memory state stays authoritative until the next save.
func (m *Manager) persist(ctx context.Context) {
	if m.gateway == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	state := m.Snapshot()
	blobs := []struct {
		key   string
		value any
	}{
		{KeyExperiments, state.Experiments},
		{KeyVariantStats, state.VariantStats},
		{KeyAssignments, state.Assignments},
	}
	for _, b := range blobs {
		blob, err := m.codec.Marshal(b.value)
		if err != nil {
			m.metrics.RecordPersistence("save", 0, err)
			m.logger.Error(ctx, "Failed to encode experiment state", "key", b.key, "error", err)
			continue
		}
		start := time.Now()
		err = m.gateway.Save(ctx, b.key, blob)
		m.metrics.RecordPersistence("save", time.Since(start).Seconds(), err)
		if err != nil {
			m.logger.Error(ctx, "Failed to persist experiment state", "key", b.key, "error", err)
		}
	}
}

// alignStats orders stored stats by the experiment's variants, zero-filling
// any variant without a record.
func alignStats(exp Experiment, stored []VariantStats) []VariantStats {
	byID := make(map[string]VariantStats, len(stored))
	for _, s := range stored {
		byID[s.VariantID] = s
	}
	out := make([]VariantStats, len(exp.Variants))
	for i, v := range exp.Variants {
		s, ok := byID[v.ID]
		if !ok {
			s = VariantStats{VariantID: v.ID}
		}
		out[i] = s
	}
	return out
}
