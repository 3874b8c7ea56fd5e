package timecodec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout    = "2006-01-02"
	timeLayout    = "15:04:05"
	combineLayout = dateLayout + " " + timeLayout
	displayLayout = "3:04 PM"
)

var (
	// ErrInvalidTimeFormat indicates a time-of-day string that matches neither
	// the 24-hour nor the 12-hour shape.
	ErrInvalidTimeFormat = errors.New("timecodec: invalid time format")
	// ErrInvalidDateTime indicates a date/time pair that does not combine into
	// a real calendar instant.
	ErrInvalidDateTime = errors.New("timecodec: invalid date/time")
)

var (
	pattern24Hour = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	pattern12Hour = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*([AaPp][Mm])$`)
)

// Codec converts between the stored date/time representations and canonical
// instants. Every instant is interpreted in one fixed deployment timezone so
// that a capsule scheduled for "5 PM" means 5 PM in that zone no matter where
// the server or client runs.
type Codec struct {
	location *time.Location
}

// New loads the named timezone and returns a codec pinned to it.
func New(timezone string) (*Codec, error) {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("timecodec: load timezone %q: %w", timezone, err)
	}
	return &Codec{location: location}, nil
}

// NewWithLocation returns a codec pinned to an already-loaded location.
func NewWithLocation(location *time.Location) *Codec {
	if location == nil {
		location = time.UTC
	}
	return &Codec{location: location}
}

// Location exposes the pinned deployment timezone.
func (c *Codec) Location() *time.Location {
	return c.location
}

// To24Hour normalizes a time-of-day string to zero-padded HH:MM:SS. It
// accepts 24-hour H:MM or H:MM:SS and 12-hour H:MM AM/PM (case-insensitive).
func (c *Codec) To24Hour(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTimeFormat)
	}

	if match := pattern24Hour.FindStringSubmatch(trimmed); match != nil {
		hour, err := strconv.Atoi(match[1])
		if err != nil || hour > 23 {
			return "", fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
		}
		minute, second := match[2], match[3]
		if second == "" {
			second = "00"
		}
		return fmt.Sprintf("%02d:%s:%s", hour, minute, second), nil
	}

	if match := pattern12Hour.FindStringSubmatch(trimmed); match != nil {
		hour, err := strconv.Atoi(match[1])
		if err != nil || hour < 1 || hour > 12 {
			return "", fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
		}
		meridiem := strings.ToUpper(match[3])
		if meridiem == "PM" && hour != 12 {
			hour += 12
		}
		if meridiem == "AM" && hour == 12 {
			hour = 0
		}
		return fmt.Sprintf("%02d:%s:00", hour, match[2]), nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
}

// Combine builds the canonical unlock instant from a calendar date
// (2006-01-02) and a normalized 24-hour time, interpreted in the pinned zone.
func (c *Codec) Combine(date, time24 string) (time.Time, error) {
	combined := strings.TrimSpace(date) + " " + strings.TrimSpace(time24)
	instant, err := time.ParseInLocation(combineLayout, combined, c.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, combined)
	}
	return instant, nil
}

// To12Hour renders a stored HH:MM:SS time in the 12-hour display form, e.g.
// "14:05:00" becomes "2:05 PM". Round-trips with To24Hour up to seconds.
func (c *Codec) To12Hour(time24 string) (string, error) {
	parsed, err := time.Parse(timeLayout, strings.TrimSpace(time24))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeFormat, time24)
	}
	return parsed.Format(displayLayout), nil
}

// FormatDate renders an instant's calendar date in the pinned zone.
func (c *Codec) FormatDate(instant time.Time) string {
	return instant.In(c.location).Format(dateLayout)
}

// FormatTime renders an instant's time-of-day in the pinned zone.
func (c *Codec) FormatTime(instant time.Time) string {
	return instant.In(c.location).Format(timeLayout)
}
