package era5

import (
	"fmt"
	"slices"
)

// ColumnMapVersion is bumped whenever Columns or CanonicalColumns change, as
// exported files written by different versions are not comparable.
const ColumnMapVersion = 1

// ColumnMap maps archive short codes to readable column names.
type ColumnMap map[string]string

// Columns is the mapping applied to every dataset before export.
var Columns = ColumnMap{
	"time":    "datetime",
	"swh":     "waveheight",
	"u100":    "windspeed_100m_u",
	"v100":    "windspeed_100m_v",
	"u10":     "windspeed_10m_u",
	"v10":     "windspeed_10m_v",
	"shts":    "waveheight_swell",
	"shww":    "waveheight_wind",
	"pp1d":    "wave_period",
	"p140209": "air_density",
	"sst":     "surface_temperature",
	"sp":      "surface_pressure",
}

// CanonicalColumns is the column layout of every exported file.
var CanonicalColumns = []string{
	"windspeed",
	"waveheight",
	"wind_direction",
	"wind_direction_100m",
	"wind_direction_10m",
	"windspeed_100m",
	"windspeed_10m",
	"windspeed_100m_u",
	"windspeed_100m_v",
	"windspeed_10m_u",
	"windspeed_10m_v",
	"waveheight_swell",
	"waveheight_wind",
	"wave_period",
	"air_density",
	"surface_temperature",
	"surface_pressure",
}

// Name returns the readable name for code, or code itself when unmapped.
func (m ColumnMap) Name(code string) string {
	if n, ok := m[code]; ok {
		return n
	}
	return code
}

// Validate checks that m covers the fields Derive reads and that, together
// with DerivedFields, it produces every canonical column exactly once.
func (m ColumnMap) Validate() error {
	for _, f := range RequiredFields() {
		if _, ok := m[f]; !ok {
			return fmt.Errorf("column map has no entry for derivation input %q", f)
		}
	}
	produced := map[string]int{}
	for _, n := range m {
		produced[n]++
	}
	for _, n := range DerivedFields {
		produced[n]++
	}
	for _, c := range CanonicalColumns {
		switch produced[c] {
		case 0:
			return fmt.Errorf("canonical column %q is neither mapped nor derived", c)
		case 1:
		default:
			return fmt.Errorf("canonical column %q is produced %d times", c, produced[c])
		}
	}
	return nil
}

// Rename returns a copy of ds with every mapped field renamed. Unmapped fields
// keep their names.
func Rename(ds *Dataset, m ColumnMap) *Dataset {
	out := &Dataset{
		Times:      ds.Times,
		Latitudes:  ds.Latitudes,
		Longitudes: ds.Longitudes,
		fields:     make(map[string][]float64, len(ds.fields)),
	}
	for _, name := range ds.names {
		n := m.Name(name)
		if !slices.Contains(out.names, n) {
			out.names = append(out.names, n)
		}
		out.fields[n] = ds.fields[name]
	}
	return out
}
