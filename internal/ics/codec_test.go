package ics

import (
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takeaway/internal/category"
)

func strp(s string) *string { return &s }
func intp(n int) *int { return &n }
func timep(t time.Time) *time.Time { return &t }

func wrap(lines ...string) string {
	body := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN", "BEGIN:VJOURNAL"}
	body = append(body, lines...)
	body = append(body, "END:VJOURNAL", "END:VCALENDAR")
	return strings.Join(body, "\r\n") + "\r\n"
}

func TestSerialize_MinimalScenario(t *testing.T) {
	out := Serialize(Fields{
		Summary:  strp("Hi"),
		UID:      strp("abc-123"),
		Sequence: intp(0),
	}, "", "")

	want := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:" + DefaultProdID + "\r\n" +
		"BEGIN:VJOURNAL\r\n" +
		"SEQUENCE:0\r\n" +
		"SUMMARY:Hi\r\n" +
		"UID:abc-123\r\n" +
		"END:VJOURNAL\r\n" +
		"END:VCALENDAR\r\n"
	assert.Equal(t, want, out)

	rec, err := Parse(category.NewRegistry(), out)
	require.NoError(t, err)
	require.NotNil(t, rec.Summary)
	require.NotNil(t, rec.UID)
	require.NotNil(t, rec.Sequence)
	assert.Equal(t, "Hi", *rec.Summary)
	assert.Equal(t, "abc-123", *rec.UID)
	assert.Equal(t, 0, *rec.Sequence)
	assert.Equal(t, "2.0", rec.Version)
	assert.Equal(t, DefaultProdID, rec.ProdID)
	assert.False(t, rec.IsJournal())
}

func fullFields(reg *category.Registry) Fields {
	ts := func(d int) *time.Time { return timep(time.Date(2025, 3, d, 8, 30, 15, 0, time.UTC)) }
	return Fields{
		Summary:      strp("Groceries"),
		Description:  strp("milk\neggs\nbread"),
		Categories:   []*category.Category{reg.CreateOrReturn("Home"), reg.CreateOrReturn("Errands")},
		Color:        strp("#ffcc00"),
		Created:      ts(1),
		LastModified: ts(4),
		DTStamp:      ts(2),
		DTStart:      ts(3),
		RRule:        strp("FREQ=WEEKLY;COUNT=4"),
		Sequence:     intp(3),
		Status:       strp("FINAL"),
		UID:          strp("uid-full"),
	}
}

func TestSerialize_FixedOrder(t *testing.T) {
	out := Serialize(fullFields(category.NewRegistry()), "2.0", "-//order//EN")

	order := []string{
		"VERSION:", "PRODID:", "BEGIN:VJOURNAL",
		"CATEGORIES:", "CREATED:", "COLOR:", "DESCRIPTION:", "DTSTAMP:",
		"DTSTART:", "RRULE:", "LAST-MODIFIED:", "SEQUENCE:", "STATUS:",
		"SUMMARY:", "UID:", "END:VJOURNAL",
	}
	last := -1
	for _, name := range order {
		idx := strings.Index(out, "\r\n"+name)
		require.NotEqual(t, -1, idx, "missing %s in\n%s", name, out)
		assert.Greater(t, idx, last, "%s out of order", name)
		last = idx
	}

	assert.Contains(t, out, "CATEGORIES:Home,Errands\r\n")
	assert.Contains(t, out, `DESCRIPTION:milk\neggs\nbread`+"\r\n")
	assert.Contains(t, out, "DTSTART:20250303T083015Z\r\n")
	for _, l := range strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n") {
		assert.NotContains(t, l, "\n")
	}
}

func TestSerialize_OmitsAbsentFields(t *testing.T) {
	out := Serialize(Fields{UID: strp("u1")}, "", "")

	for _, name := range []string{"CATEGORIES", "CREATED", "COLOR", "DESCRIPTION", "DTSTAMP", "DTSTART", "LAST-MODIFIED", "SEQUENCE", "STATUS", "SUMMARY"} {
		assert.NotContains(t, out, "\r\n"+name+":", name)
	}
	assert.Contains(t, out, "UID:u1\r\n")
}

func TestRoundTrip_AllFields(t *testing.T) {
	reg := category.NewRegistry()
	in := fullFields(reg)

	rec, err := Parse(reg, Serialize(in, "2.0", "-//rt//EN"))
	require.NoError(t, err)

	assert.Equal(t, *in.Summary, *rec.Summary)
	assert.Equal(t, *in.Description, *rec.Description)
	assert.Equal(t, category.Names(in.Categories), category.Names(rec.Categories))
	assert.Equal(t, *in.Color, *rec.Color)
	assert.True(t, in.Created.Equal(*rec.Created))
	assert.True(t, in.LastModified.Equal(*rec.LastModified))
	assert.True(t, in.DTStamp.Equal(*rec.DTStamp))
	assert.True(t, in.DTStart.Equal(*rec.DTStart))
	assert.Equal(t, *in.RRule, *rec.RRule)
	assert.Equal(t, *in.Sequence, *rec.Sequence)
	assert.Equal(t, *in.Status, *rec.Status)
	assert.Equal(t, *in.UID, *rec.UID)
	assert.Equal(t, "-//rt//EN", rec.ProdID)
	assert.True(t, rec.IsJournal())

	// Backslashes and commas survive a second trip unchanged.
	in.Description = strp(`path C:\new\tmp, then \\share`)
	in.Categories = append(in.Categories, reg.CreateOrReturn("x,y"))
	rec, err = Parse(reg, Serialize(in, "2.0", "-//rt//EN"))
	require.NoError(t, err)
	assert.Equal(t, *in.Description, *rec.Description)
	assert.Equal(t, []string{"Home", "Errands", "x,y"}, category.Names(rec.Categories))
}

func TestRoundTrip_EscapedText(t *testing.T) {
	reg := category.NewRegistry()
	in := Fields{
		Summary:     strp("first line\nsecond line"),
		Description: strp(`C:\new\tmp; a, b` + "\r\nlast"),
		Categories:  []*category.Category{reg.CreateOrReturn("a,b"), reg.CreateOrReturn(`back\slash`), reg.CreateOrReturn("semi;colon")},
		Color:       strp("#ffcc00"),
		Status:      strp("DRAFT"),
		UID:         strp("uid-esc"),
	}

	out := Serialize(in, "", "")
	for _, l := range strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n") {
		assert.NotContains(t, l, "\n")
		assert.NotContains(t, l, "\r")
	}
	assert.Contains(t, out, `SUMMARY:first line\nsecond line`+"\r\n")
	assert.Contains(t, out, `CATEGORIES:a\,b,back\\slash,semi\;colon`+"\r\n")

	rec, err := Parse(reg, out)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line", *rec.Summary)
	assert.Equal(t, `C:\new\tmp; a, b`+"\nlast", *rec.Description)
	assert.Equal(t, []string{"a,b", `back\slash`, "semi;colon"}, category.Names(rec.Categories))
	assert.Same(t, in.Categories[0], rec.Categories[0])
}

func TestRoundTrip_RRuleStaysOnOneLine(t *testing.T) {
	out := Serialize(Fields{UID: strp("r"), DTStart: timep(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)), RRule: strp("FREQ=DAILY;\nCOUNT=2")}, "", "")
	assert.Contains(t, out, "RRULE:FREQ=DAILY;COUNT=2\r\n")

	rec, err := Parse(category.NewRegistry(), out)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;COUNT=2", *rec.RRule)
}

func TestParse_CategoryEscapesAndFolding(t *testing.T) {
	rec, err := Parse(category.NewRegistry(), wrap(
		"UID:c",
		`CATEGORIES:A\,B,C`,
		"CATEGORIES:Wo",
		" rk,Ideas",
		`DESCRIPTION:one\Ntwo`,
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"A,B", "C", "Work", "Ideas"}, category.Names(rec.Categories))
	assert.Equal(t, "one\ntwo", *rec.Description)
}

func TestParse_CategoriesAreInterned(t *testing.T) {
	reg := category.NewRegistry()

	a, err := Parse(reg, wrap("UID:a", "CATEGORIES:Work"))
	require.NoError(t, err)
	b, err := Parse(reg, wrap("UID:b", "CATEGORIES:Work,Ideas", "CATEGORIES:Later"))
	require.NoError(t, err)

	require.Len(t, a.Categories, 1)
	require.Len(t, b.Categories, 3)
	assert.Same(t, a.Categories[0], b.Categories[0])
	assert.Equal(t, []string{"Work", "Ideas", "Later"}, category.Names(b.Categories))
	assert.Equal(t, 3, reg.Len())
}

func TestParse_IgnoresUnknownProperties(t *testing.T) {
	rec, err := Parse(category.NewRegistry(), wrap("UID:x", "X-CUSTOM:whatever", "LOCATION:Office", "SUMMARY:kept"))
	require.NoError(t, err)
	assert.Equal(t, "kept", *rec.Summary)
	assert.Nil(t, rec.Sequence)
	assert.Nil(t, rec.Description)
}

func TestParse_Classification(t *testing.T) {
	reg := category.NewRegistry()

	note, err := Parse(reg, wrap("UID:n"))
	require.NoError(t, err)
	assert.False(t, note.IsJournal())

	journal, err := Parse(reg, wrap("UID:j", "DTSTART;VALUE=DATE:20250102"))
	require.NoError(t, err)
	require.True(t, journal.IsJournal())
	assert.Equal(t, 2025, journal.DTStart.Year())
	assert.Equal(t, time.January, journal.DTStart.Month())
	assert.Equal(t, 2, journal.DTStart.Day())
}

func TestParse_TZIDParameter(t *testing.T) {
	rec, err := Parse(category.NewRegistry(), wrap("UID:tz", "DTSTART;TZID=Europe/Paris:20250102T100000"))
	require.NoError(t, err)

	want := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	assert.True(t, want.Equal(*rec.DTStart), "got %s", rec.DTStart)
}

func TestParse_FormatErrors(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"not a calendar": "hello there",
		"no journal": strings.Join([]string{
			"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//t//EN",
			"BEGIN:VTODO", "UID:t1", "END:VTODO",
			"END:VCALENDAR",
		}, "\r\n") + "\r\n",
		"bad sequence": wrap("UID:s", "SEQUENCE:many"),
		"bad date":     wrap("UID:d", "CREATED:yesterday"),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(category.NewRegistry(), in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFormat), "got %v", err)
		})
	}
}

func TestFormatTime_UTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	assert.Equal(t, "20250101T070000Z", FormatTime(time.Date(2025, 1, 1, 9, 0, 0, 0, loc)))
}
