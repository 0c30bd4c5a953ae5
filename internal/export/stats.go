package export

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ColumnStats summarises one column, ignoring missing values.
type ColumnStats struct {
	Column string
	Count  int
	Mean   float64
	Std    float64
	Min    float64
	P25    float64
	P50    float64
	P75    float64
	Max    float64
}

// LogValues returns the statistics as slog key/value pairs.
func (c ColumnStats) LogValues() []any {
	return []any{
		"column", c.Column,
		"count", c.Count,
		"mean", c.Mean,
		"std", c.Std,
		"min", c.Min,
		"25%", c.P25,
		"50%", c.P50,
		"75%", c.P75,
		"max", c.Max,
	}
}

// Describe computes per-column statistics of the series.
func (s *Series) Describe() []ColumnStats {
	out := make([]ColumnStats, len(s.Columns))
	for c, name := range s.Columns {
		out[c] = describe(name, s.Values[c])
	}
	return out
}

func describe(name string, values []float64) ColumnStats {
	x := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			x = append(x, v)
		}
	}
	st := ColumnStats{Column: name, Count: len(x)}
	if len(x) == 0 {
		nan := math.NaN()
		st.Mean, st.Std, st.Min, st.P25, st.P50, st.P75, st.Max = nan, nan, nan, nan, nan, nan, nan
		return st
	}
	sort.Float64s(x)
	st.Mean = stat.Mean(x, nil)
	st.Std = math.NaN()
	if len(x) > 1 {
		st.Std = stat.StdDev(x, nil)
	}
	st.Min = floats.Min(x)
	st.Max = floats.Max(x)
	st.P25 = stat.Quantile(0.25, stat.LinInterp, x, nil)
	st.P50 = stat.Quantile(0.50, stat.LinInterp, x, nil)
	st.P75 = stat.Quantile(0.75, stat.LinInterp, x, nil)
	return st
}
