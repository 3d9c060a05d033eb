// Package ics maps VJOURNAL calendar objects to and from note fields and
// expands recurring journal entries.
package ics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"takeaway/internal/category"
	appLog "takeaway/internal/log"
)

const (
	DefaultVersion = "2.0"
	DefaultProdID  = "+//example.com//Takeaway 1.0//EN"
)

// ErrFormat reports a wire record that is not a calendar wrapping a journal,
// or whose known fields cannot be decoded.
var ErrFormat = errors.New("ics: malformed journal record")

// Property names not referenced through the library's own constants.
const (
	propVersion      = "VERSION"
	propProdID       = "PRODID"
	propCategories   = ical.ComponentProperty("CATEGORIES")
	propCreated      = ical.ComponentProperty("CREATED")
	propColor        = ical.ComponentProperty("COLOR")
	propDtstamp      = ical.ComponentProperty("DTSTAMP")
	propLastModified = ical.ComponentProperty("LAST-MODIFIED")
	propStatus       = ical.ComponentProperty("STATUS")
)

// Fields is the note-level content of one VJOURNAL. A nil field was absent
// on the wire and is omitted when serialized.
type Fields struct {
	Summary      *string
	Description  *string
	Categories   []*category.Category
	Color        *string
	Created      *time.Time
	LastModified *time.Time
	DTStamp      *time.Time
	DTStart      *time.Time
	RRule        *string
	Sequence     *int
	Status       *string
	UID          *string
}

// Record is a parsed wire object: the journal fields plus the calendar-level
// VERSION and PRODID, which are not note attributes.
type Record struct {
	Fields
	Version string
	ProdID  string
}

// IsJournal reports whether the record carries a start date.
func (r Record) IsJournal() bool {
	return r.DTStart != nil
}

// Parse decodes one calendar object holding a VJOURNAL. Category names are
// resolved through reg, so parsing the same record twice yields the same
// *category.Category values.
func Parse(reg *category.Registry, data string) (Record, error) {
	if strings.TrimSpace(data) == "" {
		return Record{}, fmt.Errorf("%w: empty body", ErrFormat)
	}

	cal, err := ical.ParseCalendar(strings.NewReader(data))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	// The library unescapes TEXT values, which erases the difference between
	// a list separator and an escaped comma inside a category name.
	rawCats, err := rawJournalValues(data, string(propCategories))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	var rec Record
	for _, p := range cal.CalendarProperties {
		switch strings.ToUpper(p.IANAToken) {
		case propVersion:
			rec.Version = p.Value
		case propProdID:
			rec.ProdID = p.Value
		}
	}

	var journal *ical.VJournal
	for _, comp := range cal.Components {
		if j, ok := comp.(*ical.VJournal); ok {
			journal = j
			break
		}
	}
	if journal == nil {
		return Record{}, fmt.Errorf("%w: no VJOURNAL component", ErrFormat)
	}

	for _, p := range journal.Properties {
		if strings.EqualFold(p.IANAToken, string(propCategories)) && len(rawCats) > 0 {
			p.Value, rawCats = rawCats[0], rawCats[1:]
		}
		if err := rec.setProperty(reg, p); err != nil {
			return Record{}, fmt.Errorf("%w: %s: %v", ErrFormat, p.IANAToken, err)
		}
	}

	return rec, nil
}

// setProperty stores one journal property. Every value has already been
// unescaped except CATEGORIES, which still holds the raw wire text.
func (r *Record) setProperty(reg *category.Registry, p ical.IANAProperty) error {
	val := p.Value

	switch ical.ComponentProperty(strings.ToUpper(p.IANAToken)) {
	case propCategories:
		for _, name := range splitEscaped(val) {
			name = strings.TrimSpace(ical.FromText(name))
			if name == "" {
				continue
			}
			r.Categories = append(r.Categories, reg.CreateOrReturn(name))
		}
	case propColor:
		r.Color = &val
	case propCreated:
		return setTime(&r.Created, val, p.ICalParameters)
	case propLastModified:
		return setTime(&r.LastModified, val, p.ICalParameters)
	case propDtstamp:
		return setTime(&r.DTStamp, val, p.ICalParameters)
	case ical.ComponentPropertyDtStart:
		return setTime(&r.DTStart, val, p.ICalParameters)
	case ical.ComponentPropertyRrule:
		r.RRule = &val
	case ical.ComponentPropertyDescription:
		r.Description = &val
	case ical.ComponentPropertySequence:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return err
		}
		r.Sequence = &n
	case propStatus:
		r.Status = &val
	case ical.ComponentPropertySummary:
		r.Summary = &val
	case ical.ComponentPropertyUniqueId:
		r.UID = &val
	default:
		appLog.Debug("ics: ignoring property", "name", p.IANAToken)
	}
	return nil
}

func setTime(dst **time.Time, val string, params map[string][]string) error {
	t, err := parseICSTime(val, tzid(params))
	if err != nil {
		return err
	}
	*dst = &t
	return nil
}

func tzid(params map[string][]string) string {
	if params == nil {
		return ""
	}
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		return tzs[0]
	}
	return ""
}

// rawJournalValues returns the still-escaped values of every name property
// of the first VJOURNAL, in wire order. Folded lines are joined first.
func rawJournalValues(data, name string) ([]string, error) {
	cs := ical.NewCalendarStream(strings.NewReader(data))
	var (
		out       []string
		depth     int
		inJournal bool
		done      bool
	)
	for !done {
		l, err := cs.ReadLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		done = err != nil
		if l == nil {
			continue
		}
		line := string(*l)
		value, ok := rawValue(line)
		if !ok {
			continue
		}
		prop := strings.ToUpper(line[:strings.IndexAny(line, ";:")])

		switch {
		case prop == "BEGIN" && !inJournal:
			inJournal = strings.EqualFold(value, "VJOURNAL")
			depth = 0
		case prop == "BEGIN":
			depth++
		case prop == "END" && inJournal && depth == 0:
			return out, nil
		case prop == "END" && inJournal:
			depth--
		case prop == name && inJournal && depth == 0:
			out = append(out, value)
		}
	}
	return out, nil
}

// rawValue returns what follows the first colon outside a quoted parameter.
func rawValue(line string) (string, bool) {
	quoted := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ':':
			if !quoted {
				return line[i+1:], i > 0
			}
		}
	}
	return "", false
}

// splitEscaped splits a TEXT list on commas that are not backslash escaped.
// The parts keep their escapes.
func splitEscaped(s string) []string {
	var (
		out   []string
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case ',':
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// Serialize renders fields as a VCALENDAR wrapping one VJOURNAL. Properties
// are written in a fixed order and nil fields are omitted. Empty version or
// prodID fall back to DefaultVersion and DefaultProdID.
func Serialize(f Fields, version, prodID string) string {
	if version == "" {
		version = DefaultVersion
	}
	if prodID == "" {
		prodID = DefaultProdID
	}

	var b strings.Builder
	line := func(name, value string) {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	text := func(name ical.ComponentProperty, value *string) {
		if value != nil {
			line(string(name), escapeText(*value))
		}
	}
	date := func(name ical.ComponentProperty, value *time.Time) {
		if value != nil {
			line(string(name), FormatTime(*value))
		}
	}

	line("BEGIN", "VCALENDAR")
	line(propVersion, version)
	line(propProdID, escapeText(prodID))
	line("BEGIN", "VJOURNAL")

	if f.Categories != nil {
		names := category.Names(f.Categories)
		for i, name := range names {
			names[i] = escapeText(name)
		}
		line(string(propCategories), strings.Join(names, ","))
	}
	date(propCreated, f.Created)
	text(propColor, f.Color)
	text(ical.ComponentPropertyDescription, f.Description)
	date(propDtstamp, f.DTStamp)
	date(ical.ComponentPropertyDtStart, f.DTStart)
	if f.RRule != nil {
		// RECUR, not TEXT: its semicolons must stay bare.
		line(string(ical.ComponentPropertyRrule), lineBreaks.Replace(*f.RRule))
	}
	date(propLastModified, f.LastModified)
	if f.Sequence != nil {
		line(string(ical.ComponentPropertySequence), strconv.Itoa(*f.Sequence))
	}
	text(propStatus, f.Status)
	text(ical.ComponentPropertySummary, f.Summary)
	text(ical.ComponentPropertyUniqueId, f.UID)

	line("END", "VJOURNAL")
	line("END", "VCALENDAR")

	return b.String()
}

var (
	crlf       = strings.NewReplacer("\r\n", "\n", "\r", "\n")
	lineBreaks = strings.NewReplacer("\r", "", "\n", "")
)

// escapeText escapes a TEXT value so it fits on one content line.
func escapeText(s string) string {
	return ical.ToText(crlf.Replace(s))
}

// FormatTime renders t as a UTC DATE-TIME, e.g. 20250101T090000Z.
func FormatTime(t time.Time) string {
	return t.UTC().Format(utcLayout)
}
