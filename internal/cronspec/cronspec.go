// Package cronspec validates the five-field cron grammar used by repeating
// task templates and computes occurrence times. The grammar is strict on
// purpose: exactly five columns, single spaces between them, and only
// numeric values, ranges, lists and steps within a column. Descriptors such
// as "@daily" and named values such as "mon" are rejected so that stored
// schedules stay trivially portable.
package cronspec

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/queueworks/chainq/internal/domain"
)

// fieldCount is the number of columns in a schedule: minute, hour, day of
// month, month, day of week.
const fieldCount = 5

// fieldPattern matches one column: "*" or a comma-separated list of values
// and ranges, optionally followed by a step divisor.
var fieldPattern = regexp.MustCompile(`^(\*|\d+(-\d+)?(,\d+(-\d+)?)*)(/\d+)?$`)

// parser interprets exactly the five standard fields, without seconds and
// without descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks expr against the strict grammar. All failures wrap
// domain.ErrValidation.
func Validate(expr string) error {
	if strings.TrimSpace(expr) != expr {
		return fmt.Errorf("%w: leading or trailing spaces are not allowed in %q",
			domain.ErrValidation, expr)
	}

	columns := strings.Split(expr, " ")
	if !slices.Equal(columns, strings.Fields(expr)) {
		return fmt.Errorf("%w: use only a single space as a column separator in %q",
			domain.ErrValidation, expr)
	}

	if len(columns) != fieldCount {
		return fmt.Errorf("%w: schedule must have exactly %d columns, got %d",
			domain.ErrValidation, fieldCount, len(columns))
	}

	for i, col := range columns {
		if !fieldPattern.MatchString(col) {
			return fmt.Errorf("%w: incorrect value %q in column %d",
				domain.ErrValidation, col, i+1)
		}
	}

	// The grammar does not know column bounds; the schedule parser rejects
	// values like minute 75.
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	return nil
}

// Next returns the first time expr fires strictly after the given time, in
// that time's location.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return sched.Next(after), nil
}
