package era5

import (
	"fmt"
	"path/filepath"
	"time"
)

// FirstYear is the earliest year ERA5 single-levels data is available for.
const FirstYear = 1959

// YearRange is an inclusive range of years.
type YearRange struct {
	Start int
	End   int
}

// Validate checks the range against the archive coverage, using now to
// determine the current year.
func (r YearRange) Validate(now time.Time) error {
	if r.Start < FirstYear {
		return fmt.Errorf("start year %d is before %d", r.Start, FirstYear)
	}
	if r.End > now.Year() {
		return fmt.Errorf("end year %d is after the current year %d", r.End, now.Year())
	}
	if r.Start > r.End {
		return fmt.Errorf("start year %d is after end year %d", r.Start, r.End)
	}
	return nil
}

// Years returns every year in the range.
func (r YearRange) Years() []int {
	if r.End < r.Start {
		return nil
	}
	years := make([]int, 0, r.End-r.Start+1)
	for y := r.Start; y <= r.End; y++ {
		years = append(years, y)
	}
	return years
}

// Area is the bounding box requested from the archive. North equal to South
// and West equal to East selects a single grid point.
type Area struct {
	North float64
	West  float64
	South float64
	East  float64
}

// Validate checks that the box is well formed.
func (a Area) Validate() error {
	if a.North < -90 || a.North > 90 || a.South < -90 || a.South > 90 {
		return fmt.Errorf("latitudes %v/%v must be within [-90, 90]", a.North, a.South)
	}
	if a.South > a.North {
		return fmt.Errorf("south %v is north of north %v", a.South, a.North)
	}
	if a.West < -180 || a.West > 360 || a.East < -180 || a.East > 360 {
		return fmt.Errorf("longitudes %v/%v must be within [-180, 360]", a.West, a.East)
	}
	return nil
}

// Bounds returns the box in the archive's N/W/S/E order.
func (a Area) Bounds() []float64 {
	return []float64{a.North, a.West, a.South, a.East}
}

// YearFile returns the path of the grid file downloaded for year.
func YearFile(dir, base string, year int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.nc", base, year))
}

// CombinedFile returns the path of the merged dataset cache.
func CombinedFile(dir, base string) string {
	return filepath.Join(dir, base+".nc")
}
