package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/teambition/rrule-go"

	"takeaway/internal/caldav"
	"takeaway/internal/category"
	"takeaway/internal/ics"
	appLog "takeaway/internal/log"
	"takeaway/internal/notes"
)

const maxBodyBytes = 1 << 20

type calendarDTO struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	URL   string `json:"url"`
}

type noteDTO struct {
	UID          string     `json:"uid"`
	Kind         string     `json:"kind"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Categories   []string   `json:"categories,omitempty"`
	Color        string     `json:"color,omitempty"`
	Status       string     `json:"status,omitempty"`
	Date         *time.Time `json:"date,omitempty"`
	RRule        string     `json:"rrule,omitempty"`
	Created      time.Time  `json:"created"`
	LastModified time.Time  `json:"last_modified"`
	Sequence     int        `json:"sequence"`
	ETag         string     `json:"etag"`
	URL          string     `json:"url"`
}

func toNoteDTO(n *notes.Note) noteDTO {
	dto := noteDTO{
		UID:          n.UID,
		Kind:         n.Kind.String(),
		Title:        n.Title,
		Description:  n.Description,
		Categories:   category.Names(n.Categories),
		Color:        n.Color,
		Status:       n.Status,
		Created:      n.Created,
		LastModified: n.LastModified,
		Sequence:     n.Sequence,
		ETag:         n.ETag,
		URL:          n.URL,
	}
	if n.Kind == notes.KindJournal {
		d := n.Date
		dto.Date = &d
		dto.RRule = n.RRule
	}
	return dto
}

func toNoteDTOs(list []*notes.Note) []noteDTO {
	out := make([]noteDTO, 0, len(list))
	for _, n := range list {
		out = append(out, toNoteDTO(n))
	}
	return out
}

// noteInput is a partial update: nil fields are left alone.
type noteInput struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Categories  *[]string  `json:"categories"`
	Color       *string    `json:"color"`
	Status      *string    `json:"status"`
	Date        *time.Time `json:"date"`
	RRule       *string    `json:"rrule"`

	// Undated turns a journal back into a plain note.
	Undated bool `json:"undated"`
}

func (in *noteInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Title, validation.Length(0, 512)),
		validation.Field(&in.Color, is.HexColor),
		validation.Field(&in.Status, validation.In("DRAFT", "FINAL", "CANCELLED")),
		validation.Field(&in.RRule, validation.By(rruleValue)),
		validation.Field(&in.Undated, validation.When(in.Date != nil, validation.Empty.Error("cannot be combined with date"))),
	)
}

func rruleValue(value any) error {
	s, ok := value.(*string)
	if !ok || s == nil || *s == "" {
		return nil
	}
	if _, err := rrule.StrToROption(*s); err != nil {
		return errors.New("must be a valid RRULE")
	}
	return nil
}

func (in *noteInput) empty() bool {
	return in.Title == nil && in.Description == nil && in.Categories == nil &&
		in.Color == nil && in.Status == nil && in.Date == nil && in.RRule == nil && !in.Undated
}

func (in *noteInput) apply(cal *notes.Calendar, n *notes.Note) {
	if in.Title != nil {
		n.Title = *in.Title
	}
	if in.Description != nil {
		n.Description = *in.Description
	}
	if in.Categories != nil {
		n.Categories = cal.Categories(*in.Categories)
	}
	if in.Color != nil {
		n.Color = *in.Color
	}
	if in.Status != nil {
		n.Status = *in.Status
	}
	if in.Date != nil {
		n.SetDate(in.Date.UTC())
	}
	if in.Undated {
		n.ClearDate()
	}
	if in.RRule != nil && n.Kind == notes.KindJournal {
		n.RRule = *in.RRule
	}
}

// decodeInput reads an optional JSON body. An empty body is a zero input.
func decodeInput(r *http.Request) (noteInput, error) {
	var in noteInput
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		return in, fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

// fail maps an error from the notes layer to an HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, notes.ErrCalendarNotFound), errors.Is(err, notes.ErrNoteNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, caldav.ErrUnauthorized):
		writeError(w, http.StatusBadGateway, "caldav server rejected the configured credentials")
	case errors.Is(err, notes.ErrCreate), errors.Is(err, ics.ErrFormat), errors.Is(err, caldav.ErrUnexpectedStatus):
		appLog.Error("caldav server error", err, "path", r.URL.Path)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		appLog.Error("request failed", err, "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) calendar(w http.ResponseWriter, r *http.Request) (*notes.Calendar, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "calendar"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid calendar name")
		return nil, false
	}
	cal, err := s.client.Calendar(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return cal, true
}

func (s *Server) note(w http.ResponseWriter, r *http.Request) (*notes.Calendar, *notes.Note, bool) {
	cal, ok := s.calendar(w, r)
	if !ok {
		return nil, nil, false
	}
	n, err := cal.Find(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		s.fail(w, r, err)
		return nil, nil, false
	}
	// If-Match lets a client make sure it edits what it last read.
	if m := r.Header.Get("If-Match"); m != "" && m != n.ETag {
		writeError(w, http.StatusPreconditionFailed, "note changed since it was read")
		return nil, nil, false
	}
	return cal, n, true
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.client.Calendars(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]calendarDTO, 0, len(cals))
	for _, c := range cals {
		out = append(out, calendarDTO{Name: c.Name(), Color: c.Color(), URL: c.URL})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCategories(w http.ResponseWriter, _ *http.Request) {
	names := category.Names(s.client.Registry().All())
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) listKind(w http.ResponseWriter, r *http.Request, kind notes.Kind) {
	cal, ok := s.calendar(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if r.URL.Query().Get("refresh") == "1" {
		if _, err := cal.FetchAll(ctx, true); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	var (
		list []*notes.Note
		err  error
	)
	if kind == notes.KindJournal {
		list, err = cal.Journals(ctx)
	} else {
		list, err = cal.Notes(ctx)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNoteDTOs(list))
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	s.listKind(w, r, notes.KindNote)
}

func (s *Server) handleListJournals(w http.ResponseWriter, r *http.Request) {
	s.listKind(w, r, notes.KindJournal)
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	_, n, ok := s.note(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toNoteDTO(n))
}

// handleCreateNote stores an empty note, then applies the optional body as a
// first edit.
func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cal, ok := s.calendar(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	n, err := cal.CreateNote(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if !in.empty() {
		edit := n.Clone()
		in.apply(cal, edit)
		edit.Touch(s.now())
		status, err := edit.UpdateInCalendar(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if status == notes.Fail {
			writeError(w, http.StatusConflict, "note was created but its content was rejected")
			return
		}
		n = edit
	}

	w.Header().Set("Location", r.URL.Path+"/"+url.PathEscape(n.UID))
	writeJSON(w, http.StatusCreated, toNoteDTO(n))
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cal, n, ok := s.note(w, r)
	if !ok {
		return
	}

	// Cached notes are shared with concurrent readers and must only change
	// once the server accepted the edit.
	edit := n.Clone()
	in.apply(cal, edit)
	edit.Touch(s.now())
	status, err := edit.UpdateInCalendar(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if status == notes.Fail {
		writeError(w, http.StatusConflict, "note changed on the server; reload and retry")
		return
	}
	writeJSON(w, http.StatusOK, toNoteDTO(edit))
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	_, n, ok := s.note(w, r)
	if !ok {
		return
	}
	status, err := n.DeleteInCalendar(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if status == notes.Fail {
		writeError(w, http.StatusConflict, "note changed on the server; reload and retry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type occurrenceDTO struct {
	Calendar    string    `json:"calendar"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Date        time.Time `json:"date"`
}

type agendaResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	TruncatedUIDs   []string        `json:"truncated_uids,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

// handleAgenda returns journal occurrences around now.
//
// GET /api/calendars/{calendar}/agenda?days=7&backfill=1
//   - days:     days ahead (default agenda_days)
//   - backfill: days back (default 1)
func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	cal, ok := s.calendar(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.cfg.AgendaDays)
	if days <= 0 {
		days = s.cfg.AgendaDays
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	loc := s.cfg.Location()
	now := s.now().In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	res, err := cal.Agenda(r.Context(), rangeStart, rangeEnd, loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	dtos := make([]occurrenceDTO, 0, len(res.Occurrences))
	for _, occ := range res.Occurrences {
		dtos = append(dtos, occurrenceDTO{
			Calendar:    occ.Calendar,
			UID:         occ.UID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Date:        occ.Date,
		})
	}
	writeJSON(w, http.StatusOK, agendaResponse{
		Occurrences:     dtos,
		TruncatedUIDs:   res.TruncatedEntries,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	})
}
