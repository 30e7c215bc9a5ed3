package schedule

import (
	"errors"
	"testing"
	"time"

	"maintline/internal/domain"
)

func date(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNext(t *testing.T) {
	tests := []struct {
		freq string
		from string
		want string
	}{
		{domain.FrequencyDaily, "2024-12-31", "2025-01-01"},
		{domain.FrequencyWeekly, "2024-02-26", "2024-03-04"},
		{domain.FrequencyMonthly, "2024-01-15", "2024-02-15"},
		{domain.FrequencyMonthly, "2024-01-31", "2024-02-29"},
		{domain.FrequencyMonthly, "2023-01-31", "2023-02-28"},
		{domain.FrequencyMonthly, "2024-03-31", "2024-04-30"},
		{domain.FrequencyMonthly, "2024-12-31", "2025-01-31"},
		{domain.FrequencyYearly, "2024-02-29", "2025-02-28"},
		{domain.FrequencyYearly, "2023-06-01", "2024-06-01"},
	}
	for _, tt := range tests {
		t.Run(tt.freq+"/"+tt.from, func(t *testing.T) {
			got, err := Next(tt.freq, date(tt.from))
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if got.Format(DateLayout) != tt.want {
				t.Fatalf("Next = %s, want %s", got.Format(DateLayout), tt.want)
			}
		})
	}
}

func TestNextUnknownFrequency(t *testing.T) {
	_, err := Next("hourly", date("2024-01-01"))
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNextAfterSkipsMissedCycles(t *testing.T) {
	next, skipped, err := NextAfter(domain.FrequencyWeekly, date("2024-01-01"), date("2024-01-01"), date("2024-01-20"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Format(DateLayout) != "2024-01-22" || skipped != 2 {
		t.Fatalf("got %s skipped %d", next.Format(DateLayout), skipped)
	}

	next, skipped, err = NextAfter(domain.FrequencyMonthly, date("2024-01-31"), date("2024-01-31"), date("2024-03-05"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Format(DateLayout) != "2024-03-31" || skipped != 1 {
		t.Fatalf("month-end anchor drifted: got %s skipped %d", next.Format(DateLayout), skipped)
	}

	next, skipped, err = NextAfter(domain.FrequencyDaily, date("2024-01-01"), date("2024-01-01"), date("2023-12-01"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Format(DateLayout) != "2024-01-02" || skipped != 0 {
		t.Fatalf("got %s skipped %d", next.Format(DateLayout), skipped)
	}
}

func TestNextAfterKeepsMonthEndAnchor(t *testing.T) {
	anchor := date("2024-01-31")
	current := anchor
	for _, want := range []string{"2024-02-29", "2024-03-31", "2024-04-30", "2024-05-31"} {
		next, skipped, err := NextAfter(domain.FrequencyMonthly, anchor, current, current)
		if err != nil {
			t.Fatal(err)
		}
		if got := next.Format(DateLayout); got != want || skipped != 0 {
			t.Fatalf("after %s: got %s skipped %d, want %s", current.Format(DateLayout), got, skipped, want)
		}
		current = next
	}

	next, _, err := NextAfter(domain.FrequencyYearly, date("2024-02-29"), date("2025-02-28"), date("2025-02-28"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Format(DateLayout) != "2026-02-28" {
		t.Fatalf("yearly leap anchor: got %s", next.Format(DateLayout))
	}
	next, _, err = NextAfter(domain.FrequencyYearly, date("2024-02-29"), date("2027-02-28"), date("2027-02-28"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Format(DateLayout) != "2028-02-29" {
		t.Fatalf("yearly leap anchor should return to the 29th, got %s", next.Format(DateLayout))
	}
}

func TestNextAfterUnknownFrequency(t *testing.T) {
	if _, _, err := NextAfter("hourly", date("2024-01-01"), date("2024-01-01"), date("2024-01-01")); err == nil {
		t.Fatal("expected error for unknown frequency")
	}
}

func TestParseDate(t *testing.T) {
	if _, err := ParseDate("2024-13-01"); err == nil {
		t.Fatal("expected error for invalid month")
	}
	d, err := ParseDate("2024-02-29")
	if err != nil || d.Day() != 29 {
		t.Fatalf("ParseDate = %v %v", d, err)
	}
}
