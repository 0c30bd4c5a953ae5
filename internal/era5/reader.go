package era5

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

var (
	timeVarNames = []string{"time", "valid_time"}
	latVarNames  = []string{"latitude", "lat"}
	lonVarNames  = []string{"longitude", "lon"}
)

// ReadFile loads an ERA5 NetCDF file into a Dataset. Every variable laid out
// over (time, latitude, longitude) becomes a field; packed values are
// unpacked and fill values become NaN.
//
// The archive ships requests mixing atmospheric and wave variables as a zip
// holding one NetCDF file per stream. Such a file is read member by member and
// the fields of all members are joined onto one Dataset.
func ReadFile(filePath string) (*Dataset, error) {
	kind, err := sniff(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	var ds *Dataset
	switch kind {
	case formatZip:
		ds, err = readZip(filePath)
	default:
		ds, err = readNetCDF(filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, filePath, err)
	}
	return ds, nil
}

func readNetCDF(filePath string) (*Dataset, error) {
	nc, err := netcdf.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer nc.Close()
	return readGroup(nc)
}

func readZip(filePath string) (*Dataset, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var streams []*Dataset
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		ds, err := readZipMember(zf)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", zf.Name, err)
		}
		streams = append(streams, ds)
	}
	if len(streams) == 0 {
		return nil, errors.New("zip archive holds no grid files")
	}
	return joinStreams(streams)
}

// memFile serves an in-memory NetCDF file to netcdf.New.
type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

func readZipMember(zf *zip.File) (*Dataset, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	nc, err := netcdf.New(memFile{bytes.NewReader(b)})
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer nc.Close()
	return readGroup(nc)
}

// joinStreams puts the fields of datasets sharing the same axes onto one
// dataset. A field present in several streams keeps its first values.
func joinStreams(streams []*Dataset) (*Dataset, error) {
	first := streams[0]
	out := first.shallowCopy()
	for k, s := range streams[1:] {
		if !slices.EqualFunc(s.Times, first.Times, time.Time.Equal) ||
			!slices.Equal(s.Latitudes, first.Latitudes) ||
			!slices.Equal(s.Longitudes, first.Longitudes) {
			return nil, fmt.Errorf("%w: stream %d axes (%d times, %d latitudes, %d longitudes) differ from (%d, %d, %d)",
				ErrMergeMismatch, k+1, len(s.Times), len(s.Latitudes), len(s.Longitudes),
				len(first.Times), len(first.Latitudes), len(first.Longitudes))
		}
		for _, name := range s.names {
			if out.HasField(name) {
				continue
			}
			if err := out.setField(name, s.fields[name]); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ReadYear loads the grid file downloaded for year.
func ReadYear(dir, base string, year int) (*Dataset, error) {
	ds, err := ReadFile(YearFile(dir, base, year))
	if err != nil {
		return nil, &YearError{Year: year, Err: err}
	}
	return ds, nil
}

func readGroup(nc api.Group) (*Dataset, error) {
	vars := nc.ListVariables()
	timeName, err := findVar(vars, timeVarNames)
	if err != nil {
		return nil, err
	}
	latName, err := findVar(vars, latVarNames)
	if err != nil {
		return nil, err
	}
	lonName, err := findVar(vars, lonVarNames)
	if err != nil {
		return nil, err
	}

	times, err := timeValues(nc, timeName)
	if err != nil {
		return nil, err
	}
	lats, err := dimValues(nc, latName)
	if err != nil {
		return nil, err
	}
	lons, err := dimValues(nc, lonName)
	if err != nil {
		return nil, err
	}

	ds := NewDataset(times, lats, lons)
	dims := []string{timeName, latName, lonName}
	for _, name := range vars {
		vg, err := nc.GetVarGetter(name)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		if !slices.Equal(vg.Dimensions(), dims) {
			continue
		}
		v, err := vg.Values()
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		values, err := flatten(v)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		unpack(values, vg.Attributes())
		if err := ds.setField(name, values); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func findVar(vars, candidates []string) (string, error) {
	for _, c := range candidates {
		if slices.Contains(vars, c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("none of the variables %v found", candidates)
}

func dimValues(nc api.Group, dimName string) ([]float64, error) {
	dim, err := nc.GetVarGetter(dimName)
	if err != nil {
		return nil, err
	}
	v, err := dim.Values()
	if err != nil {
		return nil, err
	}
	return flatten(v)
}

func timeValues(nc api.Group, name string) ([]time.Time, error) {
	vg, err := nc.GetVarGetter(name)
	if err != nil {
		return nil, err
	}
	units, ok := attrString(vg.Attributes(), "units")
	if !ok {
		return nil, fmt.Errorf("variable %q has no units", name)
	}
	step, epoch, err := parseTimeUnits(units)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}
	v, err := vg.Values()
	if err != nil {
		return nil, err
	}
	offsets, err := flatten(v)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, len(offsets))
	for i, off := range offsets {
		times[i] = epoch.Add(time.Duration(math.Round(off * float64(step))))
	}
	return times, nil
}

var timeUnitSteps = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

var epochLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimeUnits decodes CF units such as "hours since 1900-01-01 00:00:00.0".
func parseTimeUnits(units string) (time.Duration, time.Time, error) {
	unit, since, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unsupported time units %q", units)
	}
	step, ok := timeUnitSteps[strings.ToLower(unit)]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unsupported time unit %q", unit)
	}
	since = strings.TrimSpace(since)
	since = strings.TrimSuffix(since, "Z")
	since = strings.TrimSuffix(since, " UTC")
	if i := strings.IndexByte(since, '.'); i >= 0 {
		since = since[:i]
	}
	for _, layout := range epochLayouts {
		if t, err := time.Parse(layout, since); err == nil {
			return step, t.UTC(), nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("unsupported time origin %q", since)
}

// unpack applies the CF packing attributes in place.
func unpack(values []float64, attrs api.AttributeMap) {
	scale, hasScale := attrFloat(attrs, "scale_factor")
	offset, hasOffset := attrFloat(attrs, "add_offset")
	fill, hasFill := attrFloat(attrs, "_FillValue")
	missing, hasMissing := attrFloat(attrs, "missing_value")
	if !hasScale {
		scale = 1
	}
	if !hasOffset {
		offset = 0
	}
	for i, v := range values {
		switch {
		case hasFill && sameValue(v, fill), hasMissing && sameValue(v, missing):
			values[i] = math.NaN()
		case hasScale || hasOffset:
			values[i] = v*scale + offset
		}
	}
}

// sameValue compares a raw value against a fill attribute that may have been
// stored at a different precision.
func sameValue(v, fill float64) bool {
	return v == fill || float32(v) == float32(fill)
}

func attrString(attrs api.AttributeMap, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	v, ok := attrs.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	v, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	f, err := flatten(v)
	if err != nil || len(f) == 0 {
		return 0, false
	}
	return f[0], true
}

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// flatten converts a scalar or a 1-3 dimensional numeric slice into float64s.
func flatten(v any) ([]float64, error) {
	switch t := v.(type) {
	case float64:
		return []float64{t}, nil
	case float32:
		return []float64{float64(t)}, nil
	case int8:
		return []float64{float64(t)}, nil
	case int16:
		return []float64{float64(t)}, nil
	case int32:
		return []float64{float64(t)}, nil
	case int64:
		return []float64{float64(t)}, nil
	case []float64:
		return slices.Clone(t), nil
	case []float32:
		return flatten1(t), nil
	case []int8:
		return flatten1(t), nil
	case []int16:
		return flatten1(t), nil
	case []int32:
		return flatten1(t), nil
	case []int64:
		return flatten1(t), nil
	case []uint8:
		return flatten1(t), nil
	case [][]float64:
		return flatten2(t), nil
	case [][]float32:
		return flatten2(t), nil
	case [][]int16:
		return flatten2(t), nil
	case [][]int32:
		return flatten2(t), nil
	case [][][]float64:
		return flatten3(t), nil
	case [][][]float32:
		return flatten3(t), nil
	case [][][]int8:
		return flatten3(t), nil
	case [][][]int16:
		return flatten3(t), nil
	case [][][]int32:
		return flatten3(t), nil
	case [][][]int64:
		return flatten3(t), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func flatten1[T number](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func flatten2[T number](v [][]T) []float64 {
	var out []float64
	for _, row := range v {
		for _, x := range row {
			out = append(out, float64(x))
		}
	}
	return out
}

func flatten3[T number](v [][][]T) []float64 {
	var out []float64
	for _, plane := range v {
		for _, row := range plane {
			for _, x := range row {
				out = append(out, float64(x))
			}
		}
	}
	return out
}
