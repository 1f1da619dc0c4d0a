// Package calendar computes "today" and date ranges in a configured timezone.
// Dates are partition keys for submission locks and aggregates, formatted YYYY-MM-DD.
package calendar

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the partition key format.
const DateLayout = "2006-01-02"

var (
	// ErrInvalidTimezone is returned for unknown IANA zone names.
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrInvalidDate is returned for malformed dates or ranges.
	ErrInvalidDate = errors.New("invalid date")
)

// Option configures a Calendar.
type Option func(*Calendar)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Calendar) {
		if now != nil {
			c.now = now
		}
	}
}

// Calendar localizes instants to a fixed location.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// New builds a Calendar for timezone. An empty timezone means UTC.
func New(timezone string, opts ...Option) (*Calendar, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTimezone, timezone, err)
		}
		loc = l
	}
	c := &Calendar{loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Now returns the current instant in the configured location.
func (c *Calendar) Now() time.Time { return c.now().In(c.loc) }

// Today formats the current instant as a date in the configured location.
func (c *Calendar) Today() string { return c.Now().Format(DateLayout) }

// Range returns the inclusive range [today-(days-1), today].
func (c *Calendar) Range(days int) (from, to string, err error) {
	if days < 1 {
		return "", "", fmt.Errorf("%w: days must be >= 1, got %d", ErrInvalidDate, days)
	}
	now := c.Now()
	// Anchored at noon so day arithmetic never lands on a DST gap.
	start := time.Date(now.Year(), now.Month(), now.Day()-(days-1), 12, 0, 0, 0, c.loc)
	return start.Format(DateLayout), now.Format(DateLayout), nil
}

// ParseDate validates s as YYYY-MM-DD and returns it normalized.
func ParseDate(s string) (string, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t.Format(DateLayout), nil
}
