// Package granularity contains the bucket math shared by metrics, proration and billing periods.
package granularity

import (
	"errors"
	"strings"
	"time"
)

type Granularity string

const (
	Minute    Granularity = "minute"
	Hourly    Granularity = "hourly"
	Daily     Granularity = "daily"
	Weekly    Granularity = "weekly"
	Monthly   Granularity = "monthly"
	Quarterly Granularity = "quarterly"
	Yearly    Granularity = "yearly"
	Total     Granularity = "total"
)

var ErrInvalidGranularity = errors.New("invalid_granularity")

// Parse normalizes a user supplied granularity string.
func Parse(raw string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(raw)))
	if !g.Valid() {
		return "", ErrInvalidGranularity
	}
	return g, nil
}

func (g Granularity) Valid() bool {
	switch g {
	case Minute, Hourly, Daily, Weekly, Monthly, Quarterly, Yearly, Total:
		return true
	default:
		return false
	}
}

func (g Granularity) IsTotal() bool {
	return g == Total || g == ""
}

// Truncate returns the start of the bucket containing t, in UTC.
// Total has no grid, so t is returned as-is.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Minute:
		return t.Truncate(time.Minute)
	case Hourly:
		return t.Truncate(time.Hour)
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Quarterly:
		month := ((int(t.Month())-1)/3)*3 + 1
		return time.Date(t.Year(), time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	case Yearly:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Add steps t forward by n buckets. Calendar granularities use AddDate so
// month lengths are respected.
func (g Granularity) Add(t time.Time, n int) time.Time {
	switch g {
	case Minute:
		return t.Add(time.Duration(n) * time.Minute)
	case Hourly:
		return t.Add(time.Duration(n) * time.Hour)
	case Daily:
		return t.AddDate(0, 0, n)
	case Weekly:
		return t.AddDate(0, 0, 7*n)
	case Monthly:
		return t.AddDate(0, n, 0)
	case Quarterly:
		return t.AddDate(0, 3*n, 0)
	case Yearly:
		return t.AddDate(n, 0, 0)
	default:
		return t
	}
}

// Next returns the start of the bucket following the one containing t.
func (g Granularity) Next(t time.Time) time.Time {
	return g.Add(g.Truncate(t), 1)
}

// Approx returns a nominal bucket width. Only use it for lookback windows,
// never for calendar boundaries.
func (g Granularity) Approx() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hourly:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	case Quarterly:
		return 91 * 24 * time.Hour
	case Yearly:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

type Bucket struct {
	Start time.Time
	End   time.Time
}

func (b Bucket) Duration() time.Duration {
	return b.End.Sub(b.Start)
}

// Overlap returns the length of the intersection of b with [start, end).
func (b Bucket) Overlap(start, end time.Time) time.Duration {
	lo := b.Start
	if start.After(lo) {
		lo = start
	}
	hi := b.End
	if end.Before(hi) {
		hi = end
	}
	if !hi.After(lo) {
		return 0
	}
	return hi.Sub(lo)
}

// Buckets enumerates the grid buckets intersecting [start, end), clipped to
// the range. The first bucket of an unaligned range starts at start.
func (g Granularity) Buckets(start, end time.Time) []Bucket {
	start = start.UTC()
	end = end.UTC()
	if !end.After(start) {
		return nil
	}
	if g.IsTotal() {
		return []Bucket{{Start: start, End: end}}
	}
	var out []Bucket
	for cursor := g.Truncate(start); cursor.Before(end); cursor = g.Add(cursor, 1) {
		b := Bucket{Start: cursor, End: g.Add(cursor, 1)}
		if b.Start.Before(start) {
			b.Start = start
		}
		if b.End.After(end) {
			b.End = end
		}
		out = append(out, b)
	}
	return out
}

// Containing returns the grid bucket containing t.
func (g Granularity) Containing(t time.Time) Bucket {
	start := g.Truncate(t)
	return Bucket{Start: start, End: g.Add(start, 1)}
}
