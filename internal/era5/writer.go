package era5

import (
	"fmt"
	"os"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
)

const timeUnits = "seconds since 1970-01-01 00:00:00"

// WriteFile stores the dataset as a NetCDF file readable by ReadFile. The file
// is written under a temporary name and renamed into place, so a failed write
// never leaves a partial file at filePath.
func WriteFile(filePath string, ds *Dataset) error {
	tmp := filePath + ".partial"
	if err := writeCDF(tmp, ds); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %w", ErrWrite, filePath, err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %w", ErrWrite, filePath, err)
	}
	return nil
}

func writeCDF(filePath string, ds *Dataset) error {
	cw, err := cdf.OpenWriter(filePath)
	if err != nil {
		return err
	}

	secs := make([]float64, len(ds.Times))
	for i, t := range ds.Times {
		secs[i] = float64(t.Unix())
	}
	vars := []struct {
		name string
		v    api.Variable
	}{
		{"time", api.Variable{Values: secs, Dimensions: []string{"time"}, Attributes: units(timeUnits)}},
		{"latitude", api.Variable{Values: ds.Latitudes, Dimensions: []string{"latitude"}, Attributes: units("degrees_north")}},
		{"longitude", api.Variable{Values: ds.Longitudes, Dimensions: []string{"longitude"}, Attributes: units("degrees_east")}},
	}
	dims := []string{"time", "latitude", "longitude"}
	for _, name := range ds.names {
		vars = append(vars, struct {
			name string
			v    api.Variable
		}{name, api.Variable{Values: ds.grid(name), Dimensions: dims}})
	}

	for _, v := range vars {
		if err := cw.AddVar(v.name, v.v); err != nil {
			cw.Close()
			return fmt.Errorf("variable %q: %w", v.name, err)
		}
	}
	return cw.Close()
}

func units(u string) api.AttributeMap {
	m, err := util.NewOrderedMap([]string{"units"}, map[string]any{"units": u})
	if err != nil {
		// Keys and values are always consistent here.
		panic(err)
	}
	return m
}

// grid reshapes a flat field into [time][lat][lon].
func (d *Dataset) grid(name string) [][][]float64 {
	flat := d.fields[name]
	out := make([][][]float64, len(d.Times))
	for t := range out {
		out[t] = make([][]float64, len(d.Latitudes))
		for i := range out[t] {
			start := d.Index(t, i, 0)
			out[t][i] = flat[start : start+len(d.Longitudes)]
		}
	}
	return out
}
