package timeutil

import (
	"testing"
	"time"
)

func offsetOf(t *testing.T, loc *time.Location) int {
	t.Helper()
	_, offset := time.Date(2026, 1, 15, 12, 0, 0, 0, loc).Zone()
	return offset
}

func TestParseLocationIANA(t *testing.T) {
	t.Parallel()

	loc, err := ParseLocation("Europe/Moscow")
	if err != nil {
		t.Fatal(err)
	}
	if got := offsetOf(t, loc); got != 3*3600 {
		t.Errorf("offset = %d, want %d", got, 3*3600)
	}
}

func TestParseLocationOffsets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value  string
		offset int
	}{
		{"+03:00", 3 * 3600},
		{"-0700", -7 * 3600},
		{"UTC+3", 3 * 3600},
		{"GMT-04:30", -(4*3600 + 30*60)},
		{"Z", 0},
		{"utc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()

			loc, err := ParseLocation(tt.value)
			if err != nil {
				t.Fatal(err)
			}
			if got := offsetOf(t, loc); got != tt.offset {
				t.Errorf("offset = %d, want %d", got, tt.offset)
			}
		})
	}
}

func TestParseLocationRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"", "Mars/Olympus", "+25:00", "UTC+3:99", "abc"} {
		if _, err := ParseLocation(value); err == nil {
			t.Errorf("ParseLocation(%q) must fail", value)
		}
	}
}
