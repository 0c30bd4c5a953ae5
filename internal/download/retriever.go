// Package download fetches yearly ERA5 grid files from the Climate Data Store.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rtm0/era5fetch/internal/cds"
	"github.com/rtm0/era5fetch/internal/era5"
)

// Dataset is the archive collection every year is requested from.
const Dataset = "reanalysis-era5-single-levels"

// Variables are the archive variables requested for every year.
var Variables = []string{
	"100m_u_component_of_wind",
	"100m_v_component_of_wind",
	"10m_u_component_of_wind",
	"10m_v_component_of_wind",
	"air_density_over_the_oceans",
	"peak_wave_period",
	"sea_surface_temperature",
	"significant_height_of_combined_wind_waves_and_swell",
	"significant_height_of_total_swell",
	"significant_height_of_wind_waves",
	"surface_pressure",
}

// Archive retrieves datasets from a remote archive. *cds.Client implements it.
type Archive interface {
	Retrieve(ctx context.Context, dataset string, req cds.Request, dst io.Writer) error
}

// Retriever downloads one year of data for a fixed area into DataDir.
type Retriever struct {
	logger   *slog.Logger
	archive  Archive
	dataDir  string
	baseName string
	area     era5.Area
}

// NewRetriever creates a retriever writing {dataDir}/{baseName}_{year}.nc files.
func NewRetriever(logger *slog.Logger, archive Archive, dataDir, baseName string, area era5.Area) *Retriever {
	return &Retriever{
		logger:   logger,
		archive:  archive,
		dataDir:  dataDir,
		baseName: baseName,
		area:     area,
	}
}

// Path returns where the file for year is stored.
func (r *Retriever) Path(year int) string {
	return era5.YearFile(r.dataDir, r.baseName, year)
}

// Retrieve downloads the file for year unless it is already present, in which
// case the archive is not contacted and skipped is true.
func (r *Retriever) Retrieve(ctx context.Context, year int) (skipped bool, err error) {
	target := r.Path(year)
	if _, err := os.Stat(target); err == nil {
		r.logger.Info("skipping year, file already exists", "year", year, "file", target)
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, r.fail(year, err)
	}

	tmp, err := os.CreateTemp(r.dataDir, filepath.Base(target)+".*.download")
	if err != nil {
		return false, r.fail(year, err)
	}
	defer os.Remove(tmp.Name())

	if err := r.archive.Retrieve(ctx, Dataset, Request(year, r.area), tmp); err != nil {
		tmp.Close()
		return false, r.fail(year, err)
	}
	if err := tmp.Close(); err != nil {
		return false, r.fail(year, err)
	}
	// An error page or a cut off payload must not become the year's file,
	// or every later run would skip the year.
	if err := era5.CheckFormat(tmp.Name()); err != nil {
		return false, r.fail(year, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return false, r.fail(year, err)
	}
	r.logger.Info("year downloaded", "year", year, "file", target)
	return false, nil
}

func (r *Retriever) fail(year int, err error) error {
	return &era5.YearError{Year: year, Err: fmt.Errorf("%w: %w", era5.ErrRetrieval, err)}
}

// Request builds the archive request for one year over area.
func Request(year int, area era5.Area) cds.Request {
	return cds.Request{
		"product_type":    []string{"reanalysis"},
		"data_format":     "netcdf",
		"download_format": "unarchived",
		"area":            area.Bounds(),
		"year":            []string{strconv.Itoa(year)},
		"grid":            "0.5/0.5",
		"time":            enumerate(0, 23, "%02d:00"),
		"day":             enumerate(1, 31, "%02d"),
		"month":           enumerate(1, 12, "%02d"),
		"variable":        Variables,
	}
}

func enumerate(from, to int, format string) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf(format, i))
	}
	return out
}
