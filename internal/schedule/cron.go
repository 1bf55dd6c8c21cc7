// ABOUTME: Pure recurrence evaluation isolated from the sweep loop.
// ABOUTME: Wraps robfig/cron parsing so firing times are unit-testable.

package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidRecurrence indicates the expression cannot be parsed. Tasks with
// invalid expressions are marked inactive, never retried by the sweep.
var ErrInvalidRecurrence = errors.New("invalid recurrence expression")

// ErrNoFurtherOccurrences indicates the expression yields no fire time after
// the anchor.
var ErrNoFurtherOccurrences = errors.New("no further occurrences")

// NextFireTime computes the first fire time strictly after the anchor from a
// standard 5-field cron expression or a descriptor such as "@hourly" or
// "@every 1m".
func NextFireTime(expr string, after time.Time) (time.Time, error) {
	if expr == "" {
		return time.Time{}, fmt.Errorf("%w: empty expression", ErrInvalidRecurrence)
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidRecurrence, expr, err)
	}

	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoFurtherOccurrences, expr, after)
	}
	return next, nil
}
