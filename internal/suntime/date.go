package suntime

import (
	"fmt"
	"time"

	"fieldcam/go-capture-node/internal/model"
)

// Date is a calendar date with no time-of-day or zone attached.
type Date struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t as observed in zone.
func DateOf(t time.Time, zone *time.Location) Date {
	y, m, d := t.In(zone).Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: date %q: %v", model.ErrValidation, s, err)
	}
	return DateOf(t, time.UTC), nil
}

// Validate rejects dates that do not exist in the calendar.
func (d Date) Validate() error {
	if DateOf(d.noonUTC(), time.UTC) != d {
		return fmt.Errorf("%w: invalid date %04d-%02d-%02d", model.ErrValidation, d.Year, int(d.Month), d.Day)
	}
	return nil
}

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC), time.UTC)
}

// Start returns local midnight of d in zone.
func (d Date) Start(zone *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, zone)
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) noonUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC)
}

// daysSinceJ2000 counts whole days between 2000-01-01 and d.
func (d Date) daysSinceJ2000() int64 {
	j2000 := time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)
	return int64(d.noonUTC().Sub(j2000).Hours()) / 24
}

// MarshalText renders d as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses YYYY-MM-DD.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
