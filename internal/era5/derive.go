package era5

import (
	"fmt"
	"math"
)

// WindLevel names the u/v component fields measured at one height.
type WindLevel struct {
	Suffix string
	U      string
	V      string
}

// WindLevels are the levels Derive computes speed and direction for. The last
// one is aliased as the canonical windspeed and wind_direction.
var WindLevels = []WindLevel{
	{Suffix: "10m", U: "u10", V: "v10"},
	{Suffix: "100m", U: "u100", V: "v100"},
}

// DerivedFields lists the fields Derive adds, in the order it adds them.
var DerivedFields = []string{
	"windspeed_10m",
	"windspeed_100m",
	"wind_direction_10m",
	"wind_direction_100m",
	"windspeed",
	"wind_direction",
}

// RequiredFields returns the raw fields Derive reads.
func RequiredFields() []string {
	var out []string
	for _, l := range WindLevels {
		out = append(out, l.U, l.V)
	}
	return out
}

// Derive returns a copy of ds with wind speed and direction added for every
// wind level.
func Derive(ds *Dataset) (*Dataset, error) {
	for _, name := range RequiredFields() {
		if !ds.HasField(name) {
			return nil, fmt.Errorf("%w: derivation needs field %q", ErrSchemaMismatch, name)
		}
	}

	out := ds.shallowCopy()
	speeds := make(map[string][]float64, len(WindLevels))
	dirs := make(map[string][]float64, len(WindLevels))
	for _, l := range WindLevels {
		u, v := ds.fields[l.U], ds.fields[l.V]
		speed := make([]float64, len(u))
		dir := make([]float64, len(u))
		for i := range u {
			speed[i] = WindSpeed(u[i], v[i])
			dir[i] = WindDirection(u[i], v[i])
		}
		speeds[l.Suffix], dirs[l.Suffix] = speed, dir
	}
	for _, l := range WindLevels {
		if err := out.setField("windspeed_"+l.Suffix, speeds[l.Suffix]); err != nil {
			return nil, err
		}
	}
	for _, l := range WindLevels {
		if err := out.setField("wind_direction_"+l.Suffix, dirs[l.Suffix]); err != nil {
			return nil, err
		}
	}
	canonical := WindLevels[len(WindLevels)-1].Suffix
	if err := out.setField("windspeed", speeds[canonical]); err != nil {
		return nil, err
	}
	if err := out.setField("wind_direction", dirs[canonical]); err != nil {
		return nil, err
	}
	return out, nil
}

// WindSpeed returns the magnitude of the (u, v) wind vector.
func WindSpeed(u, v float64) float64 {
	return math.Sqrt(u*u + v*v)
}

// WindDirection returns the meteorological direction the wind blows from, in
// degrees within [0, 360).
func WindDirection(u, v float64) float64 {
	d := 180 + math.Atan2(u, v)*180/math.Pi
	if d == 360 {
		return 0
	}
	return d
}
