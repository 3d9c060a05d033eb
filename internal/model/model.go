package model

import "time"

// Entry is a dated journal entry as seen by recurrence expansion. It is a
// flattened view of a journal note; the notes package owns the full entity.
type Entry struct {
	Calendar string // calendar display name
	UID      string // iCalendar UID

	Summary string

	// Start is the DTSTART of the journal in its own timezone.
	Start time.Time

	// RRule is the raw RRULE value, empty for one-off entries.
	RRule string
}

// Occurrence represents a single concrete date of a journal entry
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	Calendar string
	UID      string

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// entry, derived from the local start time.
	InstanceKey string

	Summary string

	// Date is in the configured display timezone.
	Date time.Time
}
