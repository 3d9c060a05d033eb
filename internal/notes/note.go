// Package notes maps server-side journal records to notes and journals and
// keeps a per-calendar cache of them.
package notes

import (
	"context"
	"fmt"
	"time"

	"takeaway/internal/category"
	"takeaway/internal/ics"
)

// Kind tells a plain note from a dated journal entry. A record is a journal
// exactly when its wire form carries DTSTART.
type Kind int

const (
	KindNote Kind = iota
	KindJournal
)

func (k Kind) String() string {
	switch k {
	case KindJournal:
		return "journal"
	default:
		return "note"
	}
}

// RequestStatus is the outcome of a conditional write. Fail means the server
// rejected the write, usually because the etag was stale.
type RequestStatus int

const (
	Success RequestStatus = iota + 1
	Fail
)

func (s RequestStatus) String() string {
	switch s {
	case Success:
		return "success"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// UpdateResponse carries the new etag when Status is Success.
type UpdateResponse struct {
	Status RequestStatus
	ETag   string
}

// Note is one VJOURNAL object of a calendar. Date and RRule are only
// meaningful when Kind is KindJournal.
type Note struct {
	Kind Kind

	Title       string
	Description string
	Categories  []*category.Category
	Color       string
	Status      string

	Created      time.Time
	LastModified time.Time
	DTStamp      time.Time
	Date         time.Time
	RRule        string

	Sequence int
	UID      string

	// Version and ProdID come from the enclosing VCALENDAR.
	Version string
	ProdID  string

	// ETag is empty until the note has been stored on the server.
	ETag string
	URL  string

	calendar *Calendar
}

func newNoteFromRecord(cal *Calendar, rec ics.Record, etag, url string) *Note {
	now := time.Now().UTC()
	n := &Note{
		Kind:         KindNote,
		Categories:   rec.Categories,
		Created:      orTime(rec.Created, now),
		LastModified: orTime(rec.LastModified, now),
		DTStamp:      orTime(rec.DTStamp, now),
		Version:      rec.Version,
		ProdID:       rec.ProdID,
		ETag:         etag,
		URL:          url,
		calendar:     cal,
	}
	if rec.Summary != nil {
		n.Title = *rec.Summary
	}
	if rec.Description != nil {
		n.Description = *rec.Description
	}
	if rec.Color != nil {
		n.Color = *rec.Color
	}
	if rec.Status != nil {
		n.Status = *rec.Status
	}
	if rec.Sequence != nil {
		n.Sequence = *rec.Sequence
	}
	if rec.UID != nil {
		n.UID = *rec.UID
	}
	if rec.IsJournal() {
		n.Kind = KindJournal
		n.Date = *rec.DTStart
		if rec.RRule != nil {
			n.RRule = *rec.RRule
		}
	}
	if n.Version == "" {
		n.Version = ics.DefaultVersion
	}
	if n.ProdID == "" {
		n.ProdID = ics.DefaultProdID
	}
	return n
}

func orTime(t *time.Time, def time.Time) time.Time {
	if t == nil {
		return def
	}
	return *t
}

// Calendar returns the calendar that owns the note, or nil.
func (n *Note) Calendar() *Calendar {
	return n.calendar
}

// Clone returns a copy that can be edited without touching n. Categories are
// shared, the slice holding them is not.
func (n *Note) Clone() *Note {
	cp := *n
	if n.Categories != nil {
		cp.Categories = append([]*category.Category(nil), n.Categories...)
	}
	return &cp
}

// SetDate turns the note into a journal entry dated t.
func (n *Note) SetDate(t time.Time) {
	n.Kind = KindJournal
	n.Date = t
}

// ClearDate turns a journal entry back into a plain note.
func (n *Note) ClearDate() {
	n.Kind = KindNote
	n.Date = time.Time{}
	n.RRule = ""
}

// Touch stamps the note as modified at now.
func (n *Note) Touch(now time.Time) {
	n.LastModified = now.UTC()
	n.DTStamp = now.UTC()
}

func (n *Note) fields() ics.Fields {
	f := ics.Fields{
		Categories:   n.Categories,
		Created:      &n.Created,
		LastModified: &n.LastModified,
		DTStamp:      &n.DTStamp,
		Sequence:     &n.Sequence,
		UID:          &n.UID,
	}
	if n.Title != "" {
		f.Summary = &n.Title
	}
	if n.Description != "" {
		f.Description = &n.Description
	}
	if n.Color != "" {
		f.Color = &n.Color
	}
	if n.Status != "" {
		f.Status = &n.Status
	}
	if n.Kind == KindJournal {
		f.DTStart = &n.Date
		if n.RRule != "" {
			f.RRule = &n.RRule
		}
	}
	return f
}

// Serialize renders the note as a calendar object.
func (n *Note) Serialize() (string, error) {
	if n.UID == "" {
		return "", ErrNoUID
	}
	return ics.Serialize(n.fields(), n.Version, n.ProdID), nil
}

// UpdateInCalendar writes the note back to its calendar, guarded by its
// current etag. On Success the etag is replaced by the server's and n becomes
// the cached note for its URL, so an edited Clone replaces the original.
func (n *Note) UpdateInCalendar(ctx context.Context) (RequestStatus, error) {
	if n.ETag == "" {
		return 0, fmt.Errorf("update %q: %w", n.UID, ErrUnsaved)
	}
	if n.calendar == nil {
		return 0, fmt.Errorf("update %q: %w", n.UID, ErrDetached)
	}
	data, err := n.Serialize()
	if err != nil {
		return 0, err
	}

	resp, err := n.calendar.Update(ctx, n.URL, data, n.ETag)
	if err != nil {
		return 0, err
	}
	if resp.Status == Success {
		n.ETag = resp.ETag
		n.calendar.adopt(n)
	}
	return resp.Status, nil
}

// DeleteInCalendar removes the note from the server, guarded by its etag.
func (n *Note) DeleteInCalendar(ctx context.Context) (RequestStatus, error) {
	if n.ETag == "" {
		return 0, fmt.Errorf("delete %q: %w", n.UID, ErrUnsaved)
	}
	if n.calendar == nil {
		return 0, fmt.Errorf("delete %q: %w", n.UID, ErrDetached)
	}
	return n.calendar.Delete(ctx, n.URL, n.ETag)
}

// CategoryIndex groups notes by category. Categories are compared by
// identity, so the notes must come from one registry.
func CategoryIndex(notes []*Note) map[*category.Category][]*Note {
	idx := make(map[*category.Category][]*Note)
	for _, n := range notes {
		for _, c := range n.Categories {
			idx[c] = append(idx[c], n)
		}
	}
	return idx
}
