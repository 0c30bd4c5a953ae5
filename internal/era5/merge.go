package era5

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// Merge concatenates the datasets along time and sorts the result by time.
// Inputs may be given in any order but must share identical latitude and
// longitude axes and the same set of fields.
func Merge(grids ...*Dataset) (*Dataset, error) {
	if len(grids) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge", ErrMergeMismatch)
	}
	first := grids[0]
	names := first.FieldNames()
	for k, g := range grids[1:] {
		if !slices.Equal(g.Latitudes, first.Latitudes) {
			return nil, fmt.Errorf("%w: dataset %d latitudes %v differ from %v", ErrMergeMismatch, k+1, g.Latitudes, first.Latitudes)
		}
		if !slices.Equal(g.Longitudes, first.Longitudes) {
			return nil, fmt.Errorf("%w: dataset %d longitudes %v differ from %v", ErrMergeMismatch, k+1, g.Longitudes, first.Longitudes)
		}
		if !sameFields(g, names) {
			return nil, fmt.Errorf("%w: dataset %d fields %v differ from %v", ErrMergeMismatch, k+1, g.names, names)
		}
	}

	// Each time step is a (dataset, step) slab of PointCount values.
	type slab struct {
		t    time.Time
		grid *Dataset
		step int
	}
	var slabs []slab
	for _, g := range grids {
		for step, t := range g.Times {
			slabs = append(slabs, slab{t, g, step})
		}
	}
	sort.SliceStable(slabs, func(i, j int) bool {
		return slabs[i].t.Before(slabs[j].t)
	})

	times := make([]time.Time, len(slabs))
	for i, s := range slabs {
		times[i] = s.t
	}
	merged := NewDataset(times, slices.Clone(first.Latitudes), slices.Clone(first.Longitudes))
	n := first.PointCount()
	for _, name := range names {
		values := make([]float64, 0, len(slabs)*n)
		for _, s := range slabs {
			src := s.grid.fields[name]
			values = append(values, src[s.step*n:(s.step+1)*n]...)
		}
		if err := merged.setField(name, values); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func sameFields(d *Dataset, names []string) bool {
	if len(d.names) != len(names) {
		return false
	}
	for _, n := range names {
		if !d.HasField(n) {
			return false
		}
	}
	return true
}
