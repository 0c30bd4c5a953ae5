package era5

import (
	"archive/zip"
	"bytes"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.nc")
	ds := NewDataset(hourly(2021, 2), []float64{40.5, 40}, []float64{-70, -69.5})
	if err := ds.setField("u10", []float64{1, 2, 3, 4, 5, 6, 7, math.NaN()}); err != nil {
		t.Fatal(err)
	}
	if err := ds.setField("sp", []float64{10, 20, 30, 40, 50, 60, 70, 80}); err != nil {
		t.Fatal(err)
	}

	if err := WriteFile(path, ds); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := os.Stat(path + ".partial"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("temporary file left behind: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !slices.EqualFunc(got.Times, ds.Times, time.Time.Equal) {
		t.Errorf("Times = %v, want %v", got.Times, ds.Times)
	}
	if !slices.Equal(got.Latitudes, ds.Latitudes) || !slices.Equal(got.Longitudes, ds.Longitudes) {
		t.Errorf("axes = %v/%v", got.Latitudes, got.Longitudes)
	}
	if names := got.FieldNames(); !slices.Equal(names, []string{"u10", "sp"}) {
		t.Errorf("FieldNames() = %v", names)
	}
	u10, _ := got.Field("u10")
	if u10[6] != 7 || !math.IsNaN(u10[7]) {
		t.Errorf("u10 = %v", u10)
	}
}

func TestWriteFileIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	ds := constGrid(t, hourly(2020, 3), []float64{40}, []float64{-70}, map[string]float64{"u10": 3, "v10": 4})
	a, b := filepath.Join(dir, "a.nc"), filepath.Join(dir, "b.nc")
	if err := WriteFile(a, ds); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(b, ds); err != nil {
		t.Fatal(err)
	}
	ab, _ := os.ReadFile(a)
	bb, _ := os.ReadFile(b)
	if !slices.Equal(ab, bb) {
		t.Errorf("two writes of the same dataset differ")
	}
}

// writePackedFixture writes a file laid out like an archive download: hours
// since 1900, packed int16 values and a fill value.
func writePackedFixture(t *testing.T, path string) {
	t.Helper()
	cw, err := cdf.OpenWriter(path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	attrs := func(keys []string, vals map[string]any) api.AttributeMap {
		m, err := util.NewOrderedMap(keys, vals)
		if err != nil {
			t.Fatalf("NewOrderedMap: %v", err)
		}
		return m
	}
	// 2020-01-01T00:00Z is 1051896 hours after 1900-01-01.
	vars := []struct {
		name string
		v    api.Variable
	}{
		{"longitude", api.Variable{Values: []float32{-70}, Dimensions: []string{"longitude"}}},
		{"latitude", api.Variable{Values: []float32{40.5, 40}, Dimensions: []string{"latitude"}}},
		{"time", api.Variable{
			Values:     []int32{1051896, 1051897},
			Dimensions: []string{"time"},
			Attributes: attrs([]string{"units"}, map[string]any{"units": "hours since 1900-01-01 00:00:00.0"}),
		}},
		{"u10", api.Variable{
			Values:     [][][]int16{{{10}, {-32767}}, {{20}, {30}}},
			Dimensions: []string{"time", "latitude", "longitude"},
			Attributes: attrs(
				[]string{"scale_factor", "add_offset", "_FillValue"},
				map[string]any{"scale_factor": 0.5, "add_offset": 1.0, "_FillValue": int16(-32767)},
			),
		}},
	}
	for _, v := range vars {
		if err := cw.AddVar(v.name, v.v); err != nil {
			t.Fatalf("AddVar(%q): %v", v.name, err)
		}
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestReadFileUnpacksArchiveLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "era5_2020.nc")
	writePackedFixture(t, path)

	ds, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := []time.Time{
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	if !slices.EqualFunc(ds.Times, want, time.Time.Equal) {
		t.Errorf("Times = %v, want %v", ds.Times, want)
	}
	if names := ds.FieldNames(); !slices.Equal(names, []string{"u10"}) {
		t.Errorf("FieldNames() = %v, want [u10]", names)
	}
	u10, _ := ds.Field("u10")
	if u10[0] != 6 || !math.IsNaN(u10[1]) || u10[2] != 11 || u10[3] != 16 {
		t.Errorf("u10 = %v, want [6 NaN 11 16]", u10)
	}
}

func TestReadFileFailures(t *testing.T) {
	dir := t.TempDir()
	truncated := filepath.Join(dir, "truncated.nc")
	if err := os.WriteFile(truncated, []byte("CDF\x01\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	garbage := filepath.Join(dir, "garbage.nc")
	if err := os.WriteFile(garbage, []byte("definitely not a grid file"), 0o644); err != nil {
		t.Fatal(err)
	}

	brokenZip := filepath.Join(dir, "broken.nc")
	if err := os.WriteFile(brokenZip, []byte("PK\x03\x04 cut short"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{filepath.Join(dir, "missing.nc"), truncated, garbage, brokenZip} {
		if _, err := ReadFile(path); !errors.Is(err, ErrLoad) {
			t.Errorf("ReadFile(%s) error = %v, want ErrLoad", filepath.Base(path), err)
		}
	}

	_, err := ReadYear(dir, "era5", 2020)
	var ye *YearError
	if !errors.As(err, &ye) || ye.Year != 2020 || !errors.Is(err, ErrLoad) {
		t.Errorf("ReadYear error = %v, want YearError for 2020 wrapping ErrLoad", err)
	}
}

type zipMember struct {
	name string
	ds   *Dataset
}

// writeStreamZip packs one NetCDF file per member into a zip at path, the way
// the archive delivers requests spanning several data streams.
func writeStreamZip(t *testing.T, path string, members ...zipMember) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		nc := filepath.Join(t.TempDir(), m.name)
		if err := WriteFile(nc, m.ds); err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(nc)
		if err != nil {
			t.Fatal(err)
		}
		w, err := zw.Create(m.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadFileJoinsZipStreams(t *testing.T) {
	times := hourly(2020, 2)
	lats, lons := []float64{40.5, 40}, []float64{-70}
	oper := constGrid(t, times, lats, lons, map[string]float64{"u10": 3, "v10": 4})
	wave := constGrid(t, times, lats, lons, map[string]float64{"swh": 1.5, "pp1d": 8})
	path := filepath.Join(t.TempDir(), "era5_2020.nc")
	writeStreamZip(t, path,
		zipMember{"data_stream-oper_stepType-instant.nc", oper},
		zipMember{"data_stream-wave_stepType-instant.nc", wave},
	)

	if err := CheckFormat(path); err != nil {
		t.Fatalf("CheckFormat: %v", err)
	}
	ds, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if names := ds.FieldNames(); !slices.Equal(names, []string{"u10", "v10", "pp1d", "swh"}) {
		t.Errorf("FieldNames() = %v", names)
	}
	if !slices.EqualFunc(ds.Times, times, time.Time.Equal) || !slices.Equal(ds.Latitudes, lats) {
		t.Errorf("axes = %v / %v", ds.Times, ds.Latitudes)
	}
	swh, _ := ds.Field("swh")
	if len(swh) != ds.Size() || swh[3] != 1.5 {
		t.Errorf("swh = %v", swh)
	}
}

func TestReadFileZipStreamsMismatch(t *testing.T) {
	oper := constGrid(t, hourly(2020, 2), []float64{40}, []float64{-70}, map[string]float64{"u10": 3})
	wave := constGrid(t, hourly(2020, 2), []float64{40.5}, []float64{-70}, map[string]float64{"swh": 1})
	path := filepath.Join(t.TempDir(), "era5_2020.nc")
	writeStreamZip(t, path, zipMember{"oper.nc", oper}, zipMember{"wave.nc", wave})

	_, err := ReadFile(path)
	if !errors.Is(err, ErrLoad) || !errors.Is(err, ErrMergeMismatch) {
		t.Errorf("ReadFile error = %v, want ErrLoad and ErrMergeMismatch", err)
	}
}

func TestCheckFormat(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		ok      bool
	}{
		{"classic.nc", "CDF\x01\x00\x00\x00\x00", true},
		{"hdf5.nc", "\x89HDF\r\n\x1a\n\x00", true},
		{"bundle.nc", "PK\x03\x04\x14\x00", true},
		{"error.nc", `{"title": "quota exceeded"}`, false},
		{"empty.nc", "", false},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name)
		if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := CheckFormat(path); (err == nil) != tt.ok {
			t.Errorf("CheckFormat(%s) = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestParseTimeUnits(t *testing.T) {
	tests := []struct {
		units string
		step  time.Duration
		epoch time.Time
		ok    bool
	}{
		{"hours since 1900-01-01 00:00:00.0", time.Hour, time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"seconds since 1970-01-01", time.Second, time.Unix(0, 0).UTC(), true},
		{"days since 2000-01-01T12:00:00Z", 24 * time.Hour, time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC), true},
		{"fortnights since 1970-01-01", 0, time.Time{}, false},
		{"hours", 0, time.Time{}, false},
	}
	for _, tt := range tests {
		step, epoch, err := parseTimeUnits(tt.units)
		if (err == nil) != tt.ok {
			t.Errorf("parseTimeUnits(%q) error = %v, want ok=%v", tt.units, err, tt.ok)
			continue
		}
		if tt.ok && (step != tt.step || !epoch.Equal(tt.epoch)) {
			t.Errorf("parseTimeUnits(%q) = %v, %v; want %v, %v", tt.units, step, epoch, tt.step, tt.epoch)
		}
	}
}
