package experiments

// SelectVariant picks a variant with probability proportional to its weight.
// uniform must return values in [0, 1). It reports false when variants is
// empty, any weight is negative, or the weights sum to zero.
func SelectVariant(variants []Variant, uniform func() float64) (Variant, bool) {
	if len(variants) == 0 || uniform == nil {
		return Variant{}, false
	}
	total := 0.0
	last := -1
	for i, v := range variants {
		if v.Weight < 0 {
			return Variant{}, false
		}
		if v.Weight > 0 {
			last = i
		}
		total += v.Weight
	}
	if total <= 0 {
		return Variant{}, false
	}

	r := uniform() * total
	for _, v := range variants {
		if v.Weight == 0 {
			continue
		}
		r -= v.Weight
		if r <= 0 {
			return v, true
		}
	}
	// Floating-point drift can leave a tiny positive remainder.
	return variants[last], true
}
