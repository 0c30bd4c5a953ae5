package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rtm0/era5fetch/internal/era5"
)

// TimeLayout is the timestamp format of the datetime column.
const TimeLayout = "01-02-2006 15:04"

// Bookkeeping lists archive columns that never reach an exported file.
var Bookkeeping = []string{"number", "step", "valid_time", "meanSea", "expver"}

// Series is the time series of one grid point laid out in the canonical
// column order.
type Series struct {
	Latitude  float64
	Longitude float64
	Times     []time.Time
	Columns   []string
	// Values[c][r] is row r of column Columns[c].
	Values [][]float64
}

// Len returns the number of rows.
func (s *Series) Len() int {
	return len(s.Times)
}

// CheckSchema returns an error when ds lacks a canonical column.
func CheckSchema(ds *era5.Dataset) error {
	var missing []string
	for _, c := range era5.CanonicalColumns {
		if !ds.HasField(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: dataset lacks columns %v", era5.ErrSchemaMismatch, missing)
	}
	return nil
}

// Extract returns the series of grid point (i, j) with every timestamp moved
// back by tzOffset.
func Extract(ds *era5.Dataset, i, j int, tzOffset time.Duration) (*Series, error) {
	if i < 0 || i >= len(ds.Latitudes) || j < 0 || j >= len(ds.Longitudes) {
		return nil, fmt.Errorf("grid point (%d, %d) outside %dx%d grid", i, j, len(ds.Latitudes), len(ds.Longitudes))
	}
	columns := map[string][]float64{}
	for _, name := range ds.FieldNames() {
		if slices.Contains(Bookkeeping, name) {
			continue
		}
		values, _ := ds.Field(name)
		col := make([]float64, len(ds.Times))
		for t := range ds.Times {
			col[t] = values[ds.Index(t, i, j)]
		}
		columns[name] = col
	}

	s := &Series{
		Latitude:  ds.Latitudes[i],
		Longitude: ds.Longitudes[j],
		Times:     make([]time.Time, len(ds.Times)),
		Columns:   slices.Clone(era5.CanonicalColumns),
		Values:    make([][]float64, len(era5.CanonicalColumns)),
	}
	for t, ts := range ds.Times {
		s.Times[t] = ts.Add(-tzOffset)
	}
	for c, name := range s.Columns {
		col, ok := columns[name]
		if !ok {
			return nil, fmt.Errorf("%w: coordinate %v, %v has no column %q", era5.ErrSchemaMismatch, s.Latitude, s.Longitude, name)
		}
		s.Values[c] = col
	}
	return s, nil
}

// WriteCSV writes the series with a datetime index column. Missing values are
// written as empty cells.
func (s *Series) WriteCSV(w io.Writer, indexLabel string) error {
	cw := csv.NewWriter(w)
	header := append([]string{indexLabel}, s.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for r, t := range s.Times {
		row[0] = t.Format(TimeLayout)
		for c := range s.Columns {
			row[c+1] = formatValue(s.Values[c][r])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatCoord renders a coordinate the way it appears in file names: always
// with a decimal point, e.g. "40.0" or "-69.5".
func formatCoord(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
