package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "takeaway/internal/log"
	"takeaway/internal/model"
)

const (
	defaultMaxOccurrencesPerEntry = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEntry is a safety cap for unbounded rules. If zero,
	// defaultMaxOccurrencesPerEntry is used.
	MaxOccurrencesPerEntry int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEntries records UIDs that hit the MaxOccurrencesPerEntry cap.
	TruncatedEntries []string
}

// ExpandOccurrences turns journal entries into dated occurrences inside the
// configured window. One-off entries yield at most one occurrence; entries
// with an RRULE are expanded from their start date. Occurrences are sorted
// by date, then UID.
func ExpandOccurrences(entries []model.Entry, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEntry <= 0 {
		cfg.MaxOccurrencesPerEntry = defaultMaxOccurrencesPerEntry
	}

	all := make([]model.Occurrence, 0, len(entries))

	for _, e := range entries {
		if e.RRule == "" {
			if !e.Start.Before(cfg.RangeStart) && !e.Start.After(cfg.RangeEnd) {
				all = append(all, makeOccurrence(e, e.Start, cfg.DisplayLocation))
			}
			continue
		}

		occ, hitCap := expandRecurring(e, cfg)
		all = append(all, occ...)
		if hitCap {
			result.TruncatedEntries = append(result.TruncatedEntries, e.UID)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", e.UID,
				"cap", cfg.MaxOccurrencesPerEntry,
			)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Date.Equal(all[j].Date) {
			return all[i].Date.Before(all[j].Date)
		}
		return all[i].UID < all[j].UID
	})

	result.Occurrences = all
	return result, nil
}

func expandRecurring(e model.Entry, cfg ExpandConfig) ([]model.Occurrence, bool) {
	r, err := rrule.StrToRRule(e.RRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", e.UID, "rrule", e.RRule)
		return nil, false
	}
	r.DTStart(e.Start)

	// Adjust range into the entry's own location for Between().
	loc := e.Start.Location()
	times := r.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEntry {
		times = times[:cfg.MaxOccurrencesPerEntry]
		hitCap = true
	}

	out := make([]model.Occurrence, 0, len(times))
	for _, t := range times {
		out = append(out, makeOccurrence(e, t, cfg.DisplayLocation))
	}
	return out, hitCap
}

// makeOccurrence normalizes a single date of e into displayLoc.
func makeOccurrence(e model.Entry, at time.Time, displayLoc *time.Location) model.Occurrence {
	local := at.In(displayLoc)
	return model.Occurrence{
		Calendar:    e.Calendar,
		UID:         e.UID,
		InstanceKey: local.Format(time.RFC3339Nano),
		Summary:     e.Summary,
		Date:        local,
	}
}
