package experiments

import "time"

// Transitions mutate e in place and report whether the source state allowed
// them. A rejected transition leaves e untouched.

func (e *Experiment) start(now time.Time) bool {
	if e.Status != StatusDraft {
		return false
	}
	e.Status = StatusRunning
	e.StartedAt = &now
	return true
}

func (e *Experiment) pause() bool {
	if e.Status != StatusRunning {
		return false
	}
	e.Status = StatusPaused
	return true
}

func (e *Experiment) resume() bool {
	if e.Status != StatusPaused {
		return false
	}
	e.Status = StatusRunning
	return true
}

func (e *Experiment) end(now time.Time, winnerID string) bool {
	if e.Status != StatusRunning && e.Status != StatusPaused {
		return false
	}
	if winnerID != "" {
		if _, ok := e.VariantByID(winnerID); !ok {
			return false
		}
	}
	e.Status = StatusCompleted
	e.EndedAt = &now
	e.Winner = winnerID
	return true
}

// acceptsEvents reports whether statistics may still change. Paused
// experiments keep attributing outcomes of subjects assigned earlier.
func (e *Experiment) acceptsEvents() bool {
	return e.Status == StatusRunning || e.Status == StatusPaused
}

// normalizeWeights rescales weights to sum to 100. All-zero weights become
// an even split.
func normalizeWeights(variants []Variant) {
	total := 0.0
	for _, v := range variants {
		total += v.Weight
	}
	if total <= 0 {
		even := 100 / float64(len(variants))
		for i := range variants {
			variants[i].Weight = even
		}
		return
	}
	for i := range variants {
		variants[i].Weight = variants[i].Weight / total * 100
	}
}
