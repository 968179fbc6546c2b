package experiments

// RecordExposure counts one observation without a conversion.
func (s *VariantStats) RecordExposure() {
	s.SampleSize++
	s.recomputeRate()
}

// RecordConversion counts one converting observation and folds the optional
// metrics into the running totals and means.
func (s *VariantStats) RecordConversion(ev ConversionEvent) {
	s.SampleSize++
	s.Conversions++
	s.recomputeRate()

	s.TotalRevenue += valueOrZero(ev.Revenue)

	n := float64(s.SampleSize)
	s.AvgInterestScore = (s.AvgInterestScore*(n-1) + valueOrZero(ev.InterestScore)) / n
	s.AvgMessageCount = (s.AvgMessageCount*(n-1) + valueOrZero(ev.MessageCount)) / n
}

func (s *VariantStats) recomputeRate() {
	if s.SampleSize == 0 {
		s.ConversionRate = 0
		return
	}
	s.ConversionRate = float64(s.Conversions) / float64(s.SampleSize)
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
