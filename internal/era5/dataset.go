package era5

import (
	"fmt"
	"slices"
	"time"
)

// Dataset is a gridded collection of fields sharing the same time, latitude
// and longitude axes. Field values are stored flat in [time][lat][lon] order
// and missing readings are NaN.
//
// A Dataset is not modified once built: the transformation stages return new
// datasets which may share field slices with their input.
type Dataset struct {
	Times      []time.Time
	Latitudes  []float64
	Longitudes []float64

	names  []string
	fields map[string][]float64
}

// NewDataset creates a dataset with the given axes and no fields.
func NewDataset(times []time.Time, lats, lons []float64) *Dataset {
	return &Dataset{
		Times:      times,
		Latitudes:  lats,
		Longitudes: lons,
		fields:     map[string][]float64{},
	}
}

// Size returns the number of values held by each field.
func (d *Dataset) Size() int {
	return len(d.Times) * d.PointCount()
}

// PointCount returns the number of grid points.
func (d *Dataset) PointCount() int {
	return len(d.Latitudes) * len(d.Longitudes)
}

// Index returns the offset of (time t, latitude i, longitude j) within a field.
func (d *Dataset) Index(t, i, j int) int {
	return (t*len(d.Latitudes)+i)*len(d.Longitudes) + j
}

// FieldNames returns the field names in insertion order.
func (d *Dataset) FieldNames() []string {
	return slices.Clone(d.names)
}

// Field returns the values of the named field.
func (d *Dataset) Field(name string) ([]float64, bool) {
	v, ok := d.fields[name]
	return v, ok
}

// HasField reports whether the dataset holds the named field.
func (d *Dataset) HasField(name string) bool {
	_, ok := d.fields[name]
	return ok
}

// WithField returns a copy of the dataset with the named field set to values.
// An existing field of the same name keeps its position.
func (d *Dataset) WithField(name string, values []float64) (*Dataset, error) {
	out := d.shallowCopy()
	if err := out.setField(name, values); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dataset) setField(name string, values []float64) error {
	if len(values) != d.Size() {
		return fmt.Errorf("field %q has %d values; dataset has %d", name, len(values), d.Size())
	}
	if _, ok := d.fields[name]; !ok {
		d.names = append(d.names, name)
	}
	d.fields[name] = values
	return nil
}

func (d *Dataset) shallowCopy() *Dataset {
	out := &Dataset{
		Times:      d.Times,
		Latitudes:  d.Latitudes,
		Longitudes: d.Longitudes,
		names:      slices.Clone(d.names),
		fields:     make(map[string][]float64, len(d.fields)),
	}
	for k, v := range d.fields {
		out.fields[k] = v
	}
	return out
}

// Summary returns the summary information about the dataset suitable for
// logging.
func (d *Dataset) Summary() []any {
	s := []any{
		"fields", d.names,
		"tsCnt", len(d.Times),
		"laCnt", len(d.Latitudes),
		"loCnt", len(d.Longitudes),
	}
	if len(d.Times) > 0 {
		s = append(s, "from", d.Times[0], "to", d.Times[len(d.Times)-1])
	}
	return s
}
