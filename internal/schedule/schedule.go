// Package schedule computes recurrence dates for maintenance schedules.
package schedule

import (
	"fmt"
	"time"

	"maintline/internal/domain"
)

// DateLayout is the storage and wire layout of calendar dates.
const DateLayout = "2006-01-02"

// Valid reports whether freq is a known frequency.
func Valid(freq string) bool {
	switch freq {
	case domain.FrequencyDaily, domain.FrequencyWeekly, domain.FrequencyMonthly, domain.FrequencyYearly:
		return true
	}
	return false
}

// Next returns the due date one period after from.
// Monthly and yearly steps clamp to the last day of the target month, so Jan 31 + 1 month is Feb 28 (or 29).
func Next(freq string, from time.Time) (time.Time, error) {
	from = Day(from)
	switch freq {
	case domain.FrequencyDaily:
		return from.AddDate(0, 0, 1), nil
	case domain.FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case domain.FrequencyMonthly:
		return addMonths(from, 1), nil
	case domain.FrequencyYearly:
		return addMonths(from, 12), nil
	default:
		return time.Time{}, domain.ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", freq)}
	}
}

// NextAfter returns the first cycle of the schedule anchored at anchor that falls after both
// current and asOf, and the number of cycles skipped after current's successor.
// Every cycle is anchor plus n periods, so a month-end anchor stays month-end across runs.
func NextAfter(freq string, anchor, current, asOf time.Time) (time.Time, int, error) {
	if !Valid(freq) {
		return time.Time{}, 0, domain.ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", freq)}
	}
	anchor, current, asOf = Day(anchor), Day(current), Day(asOf)
	if current.Before(anchor) {
		anchor = current
	}
	n := cyclesBefore(freq, anchor, current) + 1
	for !step(freq, anchor, n).After(current) {
		n++
	}
	next := step(freq, anchor, n)
	skipped := 0
	for !next.After(asOf) {
		skipped++
		next = step(freq, anchor, n+skipped)
	}
	return next, skipped, nil
}

// cyclesBefore is a lower bound on the number of whole periods from anchor to t.
func cyclesBefore(freq string, anchor, t time.Time) int {
	var n int
	switch freq {
	case domain.FrequencyDaily:
		n = int(t.Sub(anchor).Hours()/24) - 1
	case domain.FrequencyWeekly:
		n = int(t.Sub(anchor).Hours()/(24*7)) - 1
	case domain.FrequencyMonthly:
		n = (t.Year()-anchor.Year())*12 + int(t.Month()) - int(anchor.Month()) - 1
	default:
		n = t.Year() - anchor.Year() - 1
	}
	if n < 0 {
		return 0
	}
	return n
}

func step(freq string, anchor time.Time, n int) time.Time {
	switch freq {
	case domain.FrequencyDaily:
		return anchor.AddDate(0, 0, n)
	case domain.FrequencyWeekly:
		return anchor.AddDate(0, 0, 7*n)
	case domain.FrequencyMonthly:
		return addMonths(anchor, n)
	default:
		return addMonths(anchor, 12*n)
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, domain.ValidationError{Field: "date", Reason: fmt.Sprintf("must be YYYY-MM-DD, got %q", s)}
	}
	return t, nil
}
