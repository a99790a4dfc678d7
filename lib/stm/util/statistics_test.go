package util

import (
	"math"
	"testing"
)

// TestDistributionStats tests the summary statistics
func TestDistributionStats(t *testing.T) {
	if s := NewDistributionStats(nil); s != (DistributionStats{}) {
		t.Errorf("stats of empty input = %+v, want zero value", s)
	}

	s := NewDistributionStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if s.Mean != 5 {
		t.Errorf("Mean = %v, want 5", s.Mean)
	}
	if s.Min != 2 || s.Max != 9 {
		t.Errorf("Min/Max = %v/%v, want 2/9", s.Min, s.Max)
	}
	if math.Abs(s.StdDeviation-2) > 1e-9 {
		t.Errorf("StdDeviation = %v, want 2", s.StdDeviation)
	}

	uniform := NewDistributionStats([]float64{8, 8, 8})
	if uniform.StdDeviation != 0 || uniform.MinMaxRatio != 1 {
		t.Errorf("uniform stats = %+v, want zero deviation and ratio 1", uniform)
	}
}
