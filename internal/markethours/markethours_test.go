package markethours

import (
	"testing"
	"time"
)

func TestSessionExpiry(t *testing.T) {
	cases := []struct {
		name   string
		issued time.Time
		want   time.Time
	}{
		{"morning login expires next day", time.Date(2024, 6, 17, 9, 0, 0, 0, IST), time.Date(2024, 6, 18, 6, 0, 0, 0, IST)},
		{"pre-cutover login expires same day", time.Date(2024, 6, 17, 3, 0, 0, 0, IST), time.Date(2024, 6, 17, 6, 0, 0, 0, IST)},
		{"login exactly at cutover", time.Date(2024, 6, 17, 6, 0, 0, 0, IST), time.Date(2024, 6, 18, 6, 0, 0, 0, IST)},
		{"utc input is converted", time.Date(2024, 6, 17, 1, 0, 0, 0, time.UTC), time.Date(2024, 6, 18, 6, 0, 0, 0, IST)},
	}
	for _, tc := range cases {
		got := SessionExpiry(tc.issued, DefaultCutover)
		if !got.Equal(tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestMostRecentWeekday(t *testing.T) {
	thu := time.Date(2024, 6, 20, 0, 0, 0, 0, IST)
	if got := MostRecentWeekday(time.Date(2024, 6, 20, 15, 0, 0, 0, IST), time.Thursday); !got.Equal(thu) {
		t.Errorf("expected %v on a Thursday, got %v", thu, got)
	}
	if got := MostRecentWeekday(time.Date(2024, 6, 26, 10, 0, 0, 0, IST), time.Thursday); !got.Equal(thu) {
		t.Errorf("expected %v for the following Wednesday, got %v", thu, got)
	}
	prev := time.Date(2024, 6, 13, 0, 0, 0, 0, IST)
	if got := MostRecentWeekday(time.Date(2024, 6, 19, 23, 0, 0, 0, IST), time.Thursday); !got.Equal(prev) {
		t.Errorf("expected %v, got %v", prev, got)
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("06:30")
	if err != nil {
		t.Fatal(err)
	}
	if c.Hour != 6 || c.Minute != 30 {
		t.Errorf("unexpected clock %v", c)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Error("expected out-of-range error")
	}
	if _, err := ParseClock("soon"); err == nil {
		t.Error("expected parse error")
	}
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{"thursday": time.Thursday, "Thu": time.Thursday, "MON": time.Monday} {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Errorf("ParseWeekday(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWeekday("someday"); err == nil {
		t.Error("expected error")
	}
}

func TestIsMarketOpen(t *testing.T) {
	if !IsMarketOpen(time.Date(2026, 10, 15, 10, 0, 0, 0, IST)) {
		t.Error("expected open on a Thursday morning")
	}
	if IsMarketOpen(time.Date(2026, 10, 15, 16, 0, 0, 0, IST)) {
		t.Error("expected closed after 15:30")
	}
	if IsMarketOpen(time.Date(2026, 10, 17, 10, 0, 0, 0, IST)) {
		t.Error("expected closed on Saturday")
	}
	if IsMarketOpen(time.Date(2026, 10, 2, 10, 0, 0, 0, IST)) {
		t.Error("expected closed on a holiday")
	}
}

func TestAddHolidays(t *testing.T) {
	invalid := AddHolidays([]string{"2027-01-26", "bogus"})
	if len(invalid) != 1 || invalid[0] != "bogus" {
		t.Errorf("expected bogus to be rejected, got %v", invalid)
	}
	if !IsHoliday(time.Date(2027, 1, 26, 12, 0, 0, 0, IST)) {
		t.Error("expected added holiday to be registered")
	}
}

func TestNextOpen(t *testing.T) {
	// Friday evening -> Monday open
	got := NextOpen(time.Date(2026, 10, 16, 18, 0, 0, 0, IST))
	want := time.Date(2026, 10, 19, 9, 15, 0, 0, IST)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
