// Package export writes every grid point of a dataset as its own CSV file.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rtm0/era5fetch/internal/era5"
	"github.com/rtm0/era5fetch/internal/pool"
)

// DefaultTZOffset is subtracted from every UTC timestamp unless configured
// otherwise.
const DefaultTZOffset = 5 * time.Hour

// Result is the outcome of exporting one grid point.
type Result struct {
	Latitude  float64
	Longitude float64
	Path      string
	Rows      int
	Err       error
}

// Exporter writes {dataDir}/{baseName}_{lat}_{lon}.csv for every grid point.
type Exporter struct {
	logger   *slog.Logger
	dataDir  string
	baseName string
	tzOffset time.Duration
	workers  int
}

// NewExporter creates an exporter running at most workers writes at once.
func NewExporter(logger *slog.Logger, dataDir, baseName string, tzOffset time.Duration, workers int) *Exporter {
	return &Exporter{
		logger:   logger,
		dataDir:  dataDir,
		baseName: baseName,
		tzOffset: tzOffset,
		workers:  workers,
	}
}

// Path returns the output file of the grid point at (lat, lon).
func (e *Exporter) Path(lat, lon float64) string {
	return filepath.Join(e.dataDir, fmt.Sprintf("%s_%s_%s.csv", e.baseName, formatCoord(lat), formatCoord(lon)))
}

type point struct{ i, j int }

// Export writes one file per (latitude, longitude) pair of ds. The returned
// error is set only when ds cannot be exported at all; failures of single
// coordinates are reported in their Result.
func (e *Exporter) Export(ctx context.Context, ds *era5.Dataset) ([]Result, error) {
	if err := CheckSchema(ds); err != nil {
		return nil, err
	}
	points := make([]point, 0, ds.PointCount())
	for i := range ds.Latitudes {
		for j := range ds.Longitudes {
			points = append(points, point{i, j})
		}
	}
	e.logger.Info("saving each coordinate as a separate CSV", "coordinates", len(points), "columnMapVersion", era5.ColumnMapVersion)

	p := pool.New(e.logger, "export", e.workers)
	res := pool.Map(ctx, p, points, func(_ context.Context, pt point) (Result, error) {
		return e.exportPoint(ds, pt)
	})
	out := make([]Result, len(points))
	for k, r := range res {
		out[k] = r.Value
		if r.Err != nil {
			pt := points[k]
			out[k].Latitude, out[k].Longitude = ds.Latitudes[pt.i], ds.Longitudes[pt.j]
			out[k].Err = r.Err
			e.logger.Error("export failed", "latitude", out[k].Latitude, "longitude", out[k].Longitude, "err", r.Err)
		}
	}
	return out, nil
}

func (e *Exporter) exportPoint(ds *era5.Dataset, pt point) (Result, error) {
	s, err := Extract(ds, pt.i, pt.j, e.tzOffset)
	if err != nil {
		return Result{}, err
	}
	path := e.Path(s.Latitude, s.Longitude)
	r := Result{Latitude: s.Latitude, Longitude: s.Longitude, Path: path, Rows: s.Len()}

	e.logger.Info("coordinate", "latitude", s.Latitude, "longitude", s.Longitude, "rows", s.Len(), "columns", len(s.Columns))
	for _, st := range s.Describe() {
		e.logger.Info("column summary", append([]any{"latitude", s.Latitude, "longitude", s.Longitude}, st.LogValues()...)...)
	}

	if err := writeFile(path, s); err != nil {
		return r, fmt.Errorf("%w: %s: %w", era5.ErrWrite, path, err)
	}
	e.logger.Info("saved", "file", path)
	return r, nil
}

func writeFile(path string, s *Series) error {
	return writeAtomic(path, func(w io.Writer) error {
		return s.WriteCSV(w, era5.Columns.Name("time"))
	})
}

// writeAtomic writes through a temporary file renamed onto path once write
// succeeded, so a failed write never leaves a truncated file at path.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	err = write(w)
	if err == nil {
		err = w.Flush()
	}
	err = errors.Join(err, f.Close())
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

// Failures joins the errors of every failed result, or returns nil.
func Failures(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
