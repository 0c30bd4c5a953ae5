package era5

import (
	"errors"
	"fmt"
)

// Error kinds reported by the pipeline stages. Callers match them with
// errors.Is; the concrete errors wrap one of these with context.
var (
	ErrRetrieval      = errors.New("retrieval failure")
	ErrLoad           = errors.New("load failure")
	ErrMergeMismatch  = errors.New("merge mismatch")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrWrite          = errors.New("write failure")
)

// YearError ties a per-year failure to the year it happened for.
type YearError struct {
	Year int
	Err  error
}

func (e *YearError) Error() string {
	return fmt.Sprintf("year %d: %v", e.Year, e.Err)
}

func (e *YearError) Unwrap() error {
	return e.Err
}

// FailedYears returns the years of every YearError found in err, in the order
// they were joined.
func FailedYears(err error) []int {
	if err == nil {
		return nil
	}
	var years []int
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case *YearError:
			years = append(years, e.Year)
		case interface{ Unwrap() []error }:
			for _, err := range e.Unwrap() {
				walk(err)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(err)
	return years
}
