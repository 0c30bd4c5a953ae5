// Package pipeline wires retrieval, loading, merging, derivation and export
// into a single run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rtm0/era5fetch/internal/download"
	"github.com/rtm0/era5fetch/internal/era5"
	"github.com/rtm0/era5fetch/internal/export"
	"github.com/rtm0/era5fetch/internal/pool"
)

// Options are the settings of one run.
type Options struct {
	DataDir       string
	BaseName      string
	Years         era5.YearRange
	Area          era5.Area
	Workers       int
	LoadWorkers   int
	ExportWorkers int
	TZOffset      time.Duration
}

// Report summarises a run. Per-year and per-coordinate failures are recorded
// here; Run only returns an error for failures that stop the whole run.
type Report struct {
	CacheHit     bool
	CachePath    string
	Downloads    []download.Result
	LoadErrors   []error
	CacheError   error
	Merged       *era5.Dataset
	Exports      []export.Result
	ExportedRows int
}

// YearErrors joins the retrieval and load failures.
func (r *Report) YearErrors() error {
	return errors.Join(download.Failures(r.Downloads), errors.Join(r.LoadErrors...))
}

// Err joins every failure recorded in the report, or returns nil.
func (r *Report) Err() error {
	return errors.Join(r.YearErrors(), r.CacheError, export.Failures(r.Exports))
}

// FailedYears returns the years that could not be retrieved or loaded.
func (r *Report) FailedYears() []int {
	return era5.FailedYears(r.YearErrors())
}

// SkippedYears returns the years whose grid file was already present and not
// downloaded again.
func (r *Report) SkippedYears() []int {
	var years []int
	for _, d := range r.Downloads {
		if d.Skipped {
			years = append(years, d.Year)
		}
	}
	return years
}

// Pipeline runs the acquisition steps against an archive.
type Pipeline struct {
	logger  *slog.Logger
	archive download.Archive
	opts    Options
}

// New creates a pipeline. The archive is only contacted for years whose grid
// file is absent when no combined dataset is cached.
func New(logger *slog.Logger, archive download.Archive, opts Options) *Pipeline {
	return &Pipeline{logger: logger, archive: archive, opts: opts}
}

// Run executes the pipeline. The returned report is non-nil whenever the run
// got past setup, including when a fatal error is returned.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	if err := os.MkdirAll(p.opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	rep := &Report{CachePath: era5.CombinedFile(p.opts.DataDir, p.opts.BaseName)}

	merged, err := p.merged(ctx, rep)
	if err != nil {
		return rep, err
	}
	rep.Merged = merged

	p.logger.Info("computing additional columns")
	derived, err := era5.Derive(merged)
	if err != nil {
		return rep, err
	}
	renamed := era5.Rename(derived, era5.Columns)

	e := export.NewExporter(p.logger, p.opts.DataDir, p.opts.BaseName, p.opts.TZOffset, p.opts.ExportWorkers)
	rep.Exports, err = e.Export(ctx, renamed)
	if err != nil {
		return rep, err
	}
	for _, r := range rep.Exports {
		if r.Err == nil {
			rep.ExportedRows += r.Rows
		}
	}
	return rep, nil
}

// merged returns the cached combined dataset or builds it from the yearly
// files, downloading them first.
func (p *Pipeline) merged(ctx context.Context, rep *Report) (*era5.Dataset, error) {
	if _, err := os.Stat(rep.CachePath); err == nil {
		p.logger.Info("loading existing dataset", "file", rep.CachePath)
		ds, err := era5.ReadFile(rep.CachePath)
		if err != nil {
			return nil, err
		}
		rep.CacheHit = true
		p.logger.Info("dataset summary", ds.Summary()...)
		return ds, nil
	}

	retriever := download.NewRetriever(p.logger, p.archive, p.opts.DataDir, p.opts.BaseName, p.opts.Area)
	rep.Downloads = download.NewCoordinator(p.logger, retriever, p.opts.Workers).Download(ctx, p.opts.Years)

	var years []int
	for _, d := range rep.Downloads {
		if d.Err == nil {
			years = append(years, d.Year)
		}
	}
	loadPool := pool.New(p.logger, "load", p.opts.LoadWorkers)
	loaded := pool.Map(ctx, loadPool, years, func(_ context.Context, year int) (*era5.Dataset, error) {
		return era5.ReadYear(p.opts.DataDir, p.opts.BaseName, year)
	})
	var grids []*era5.Dataset
	for i, r := range loaded {
		if r.Err != nil {
			err := r.Err
			var ye *era5.YearError
			if !errors.As(err, &ye) {
				err = &era5.YearError{Year: years[i], Err: fmt.Errorf("%w: %w", era5.ErrLoad, err)}
			}
			p.logger.Error("load failed", "year", years[i], "err", err)
			rep.LoadErrors = append(rep.LoadErrors, err)
			continue
		}
		grids = append(grids, r.Value)
	}
	if len(grids) == 0 {
		return nil, fmt.Errorf("no yearly grids available: %w", rep.YearErrors())
	}

	p.logger.Info("combining years into a single data set", "years", len(grids))
	ds, err := era5.Merge(grids...)
	if err != nil {
		return nil, err
	}
	p.logger.Info("dataset summary", ds.Summary()...)

	if failed := rep.FailedYears(); len(failed) > 0 {
		p.logger.Warn("not saving combined data, some years are missing", "failedYears", failed)
		return ds, nil
	}
	p.logger.Info("saving combined data", "file", rep.CachePath)
	if err := era5.WriteFile(rep.CachePath, ds); err != nil {
		p.logger.Error("could not save combined data", "err", err)
		rep.CacheError = err
	}
	return ds, nil
}
