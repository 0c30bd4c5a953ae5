package download

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rtm0/era5fetch/internal/era5"
	"github.com/rtm0/era5fetch/internal/pool"
)

// Result is the outcome of one year's retrieval.
type Result struct {
	Year    int
	Skipped bool
	Err     error
}

// Coordinator runs one Retriever task per year on a bounded pool.
type Coordinator struct {
	logger    *slog.Logger
	retriever *Retriever
	workers   int
}

// NewCoordinator creates a coordinator running at most workers downloads at once.
func NewCoordinator(logger *slog.Logger, r *Retriever, workers int) *Coordinator {
	return &Coordinator{logger: logger, retriever: r, workers: workers}
}

// Download retrieves every year of years and returns once all tasks have
// finished. A failing year does not affect the others.
func (c *Coordinator) Download(ctx context.Context, years era5.YearRange) []Result {
	list := years.Years()
	p := pool.New(c.logger, "download", c.workers)
	res := pool.Map(ctx, p, list, c.retriever.Retrieve)

	out := make([]Result, len(list))
	for i, y := range list {
		err := res[i].Err
		var ye *era5.YearError
		if err != nil && !errors.As(err, &ye) {
			err = &era5.YearError{Year: y, Err: errors.Join(era5.ErrRetrieval, err)}
		}
		out[i] = Result{Year: y, Skipped: res[i].Value, Err: err}
		if err != nil {
			c.logger.Error("retrieval failed", "year", y, "err", err)
		}
	}
	return out
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
