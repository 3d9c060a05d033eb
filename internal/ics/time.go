package ics

import (
	"errors"
	"strings"
	"time"
)

const (
	utcLayout      = "20060102T150405Z"
	floatingLayout = "20060102T150405"
	dateLayout     = "20060102"
)

// parseICSTime parses a DATE or DATE-TIME value. tzid, when set and known,
// anchors floating times; otherwise they are read in time.Local.
func parseICSTime(v, tzid string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse(utcLayout, v)
	}

	loc := time.Local
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation(floatingLayout, v, loc)
	}

	// Date-only, e.g., 20250101
	return time.ParseInLocation(dateLayout, v, loc)
}
