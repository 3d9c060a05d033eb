package notes

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takeaway/internal/caldav"
	"takeaway/internal/ics"
	"takeaway/internal/testutil"
)

type fixture struct {
	fake   *testutil.FakeDAV
	client *Client
	dials  int
	col    string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{fake: testutil.NewFakeDAV("Notes"), col: testutil.CollectionURL("Notes")}
	dial := WithDialer(func(ctx context.Context, o caldav.Options) (Transport, error) {
		f.dials++
		return f.fake, nil
	})
	f.client = NewClient("alice", "secret", "https://dav.test/", append([]Option{dial}, opts...)...)
	return f
}

func (f *fixture) calendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := f.client.Calendar(context.Background(), "Notes")
	require.NoError(t, err)
	return cal
}

// sequence returns the given ids in order, then repeats the last one.
func sequence(ids ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id
	}
}

func TestFetchAll_ClassifiesAndCaches(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "n.ics", testutil.Journal("n", "SUMMARY:plain"))
	f.fake.Put(f.col, "j.ics", testutil.Journal("j", "SUMMARY:dated", "DTSTART:20250102T090000Z"))
	cal := f.calendar(t)
	ctx := context.Background()

	notes, err := cal.Notes(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "n", notes[0].UID)
	assert.Equal(t, KindNote, notes[0].Kind)
	assert.Equal(t, 0, notes[0].Sequence)
	assert.NotEmpty(t, notes[0].ETag)
	assert.Same(t, cal, notes[0].Calendar())

	journals, err := cal.Journals(ctx)
	require.NoError(t, err)
	require.Len(t, journals, 1)
	assert.Equal(t, KindJournal, journals[0].Kind)
	assert.True(t, time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC).Equal(journals[0].Date))

	assert.Equal(t, 1, f.fake.CallCount("REPORT"), "second listing must come from the cache")

	f.fake.Put(f.col, "late.ics", testutil.Journal("late"))
	all, err := cal.FetchAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	all, err = cal.FetchAll(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 2, f.fake.CallCount("REPORT"))
}

func TestFetchAll_MalformedRecord(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "bad.ics", testutil.Journal("bad", "SEQUENCE:lots"))
	cal := f.calendar(t)

	_, err := cal.FetchAll(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ics.ErrFormat))
}

func TestFetchAll_SharesCategories(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "a.ics", testutil.Journal("a", "CATEGORIES:Work"))
	f.fake.Put(f.col, "b.ics", testutil.Journal("b", "CATEGORIES:Work,Home"))
	cal := f.calendar(t)

	all, err := cal.FetchAll(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Same(t, all[0].Categories[0], all[1].Categories[0])
	assert.NotSame(t, all[0], all[1])

	work, ok := f.client.Registry().Get("Work")
	require.True(t, ok)
	idx := CategoryIndex(all)
	assert.Len(t, idx[work], 2)
	home, _ := f.client.Registry().Get("Home")
	require.Len(t, idx[home], 1)
	assert.Equal(t, "b", idx[home][0].UID)
}

func TestGenerateUniqueID_SkipsCachedUIDs(t *testing.T) {
	f := newFixture(t, WithIDGenerator(sequence("taken", "taken", "fresh")))
	f.fake.Put(f.col, "taken.ics", testutil.Journal("taken"))
	cal := f.calendar(t)

	id, err := cal.GenerateUniqueID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", id)
}

func TestCreateNote(t *testing.T) {
	f := newFixture(t, WithIDGenerator(sequence("new-1")), WithProdID("-//custom//EN"))
	cal := f.calendar(t)
	ctx := context.Background()

	n, err := cal.CreateNote(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new-1", n.UID)
	assert.Equal(t, f.col+"new-1.ics", n.URL)
	assert.Equal(t, KindNote, n.Kind)

	stored, ok := f.fake.Object(n.URL)
	require.True(t, ok)
	assert.Equal(t, stored.ETag, n.ETag)
	assert.Contains(t, stored.Data, "UID:new-1\r\n")
	assert.Contains(t, stored.Data, "PRODID:-//custom//EN\r\n")
	assert.NotContains(t, stored.Data, "DTSTART")

	found, err := cal.Find(ctx, "new-1")
	require.NoError(t, err)
	assert.Same(t, n, found)
}

func TestCreateNote_ETagFromPropfind(t *testing.T) {
	f := newFixture(t)
	f.fake.OmitETag = true
	cal := f.calendar(t)

	before := f.fake.CallCount("PROPFIND")
	n, err := cal.CreateNote(context.Background())
	require.NoError(t, err)

	stored, _ := f.fake.Object(n.URL)
	assert.Equal(t, stored.ETag, n.ETag)
	assert.Equal(t, before+1, f.fake.CallCount("PROPFIND"))
}

func TestCreateNote_Rejected(t *testing.T) {
	f := newFixture(t)
	f.fake.CreateStatus = http.StatusForbidden
	cal := f.calendar(t)

	n, err := cal.CreateNote(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCreate))
	assert.Nil(t, n)

	all, err := cal.FetchAll(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateInCalendar(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "u.ics", testutil.Journal("u", "SUMMARY:before"))
	cal := f.calendar(t)
	ctx := context.Background()

	n, err := cal.Find(ctx, "u")
	require.NoError(t, err)
	oldETag := n.ETag

	n.Title = "after"
	n.Description = "line one\nline two"
	n.Categories = cal.Categories([]string{"Work", " ", "Work", "Ideas"})
	n.Touch(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))

	status, err := n.UpdateInCalendar(ctx)
	require.NoError(t, err)
	assert.Equal(t, Success, status)
	assert.NotEqual(t, oldETag, n.ETag)

	stored, _ := f.fake.Object(n.URL)
	assert.Equal(t, stored.ETag, n.ETag)
	assert.Contains(t, stored.Data, "SUMMARY:after\r\n")
	assert.Contains(t, stored.Data, `DESCRIPTION:line one\nline two`+"\r\n")
	assert.Contains(t, stored.Data, "CATEGORIES:Work,Ideas\r\n")
	assert.Contains(t, stored.Data, "LAST-MODIFIED:20250501T120000Z\r\n")
}

func TestUpdateInCalendar_StaleETag(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "s.ics", testutil.Journal("s"))
	cal := f.calendar(t)

	n, err := cal.Find(context.Background(), "s")
	require.NoError(t, err)
	f.fake.Put(f.col, "s.ics", testutil.Journal("s", "SUMMARY:changed elsewhere"))

	stale := n.ETag
	status, err := n.UpdateInCalendar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Fail, status)
	assert.Equal(t, stale, n.ETag)
}

func TestUpdateInCalendar_SpecialCharactersRefetch(t *testing.T) {
	f := newFixture(t, WithIDGenerator(sequence("ml")))
	cal := f.calendar(t)
	ctx := context.Background()

	n, err := cal.CreateNote(ctx)
	require.NoError(t, err)
	n.Title = "first line\nsecond line"
	n.Description = `C:\new\tmp, done; ok`
	n.Categories = cal.Categories([]string{"a,b"})

	status, err := n.UpdateInCalendar(ctx)
	require.NoError(t, err)
	require.Equal(t, Success, status)

	all, err := cal.FetchAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "first line\nsecond line", all[0].Title)
	assert.Equal(t, `C:\new\tmp, done; ok`, all[0].Description)
	require.Len(t, all[0].Categories, 1)
	assert.Equal(t, "a,b", all[0].Categories[0].Name)
}

func TestClone_ReplacesCachedNoteOnSuccessOnly(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "c.ics", testutil.Journal("c", "SUMMARY:original", "CATEGORIES:Home"))
	cal := f.calendar(t)
	ctx := context.Background()

	orig, err := cal.Find(ctx, "c")
	require.NoError(t, err)

	edit := orig.Clone()
	edit.Title = "edited"
	edit.Categories = append(edit.Categories, cal.Categories([]string{"Work"})...)
	assert.Len(t, orig.Categories, 1)

	status, err := edit.UpdateInCalendar(ctx)
	require.NoError(t, err)
	require.Equal(t, Success, status)
	assert.Equal(t, "original", orig.Title)

	cached, err := cal.Find(ctx, "c")
	require.NoError(t, err)
	assert.Same(t, edit, cached)

	// Rejected: the cached note stays what the server last confirmed.
	f.fake.Put(f.col, "c.ics", testutil.Journal("c", "SUMMARY:elsewhere"))
	rejected := cached.Clone()
	rejected.Title = "lost"
	status, err = rejected.UpdateInCalendar(ctx)
	require.NoError(t, err)
	assert.Equal(t, Fail, status)

	cached, err = cal.Find(ctx, "c")
	require.NoError(t, err)
	assert.Same(t, edit, cached)
	assert.Equal(t, "edited", cached.Title)
}

func TestClient_ConcurrentListingAndFetch(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "r.ics", testutil.Journal("r", "SUMMARY:race"))
	cal := f.calendar(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cals, err := f.client.Calendars(ctx)
			assert.NoError(t, err)
			for _, c := range cals {
				_ = c.Name() + c.Color()
			}
		}()
		go func() {
			defer wg.Done()
			_, err := cal.FetchAll(ctx, true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, "Notes", cal.Name())
}

func TestUpdateInCalendar_Unsaved(t *testing.T) {
	f := newFixture(t)
	cal := f.calendar(t)
	calls := len(f.fake.Calls)

	n := &Note{UID: "x", calendar: cal}
	_, err := n.UpdateInCalendar(context.Background())
	assert.True(t, errors.Is(err, ErrUnsaved))
	_, err = n.DeleteInCalendar(context.Background())
	assert.True(t, errors.Is(err, ErrUnsaved))
	assert.Len(t, f.fake.Calls, calls)

	detached := &Note{UID: "y", ETag: `"e"`}
	_, err = detached.UpdateInCalendar(context.Background())
	assert.True(t, errors.Is(err, ErrDetached))
}

func TestSerialize_RequiresUID(t *testing.T) {
	_, err := (&Note{}).Serialize()
	assert.True(t, errors.Is(err, ErrNoUID))
}

func TestSerialize_JournalCarriesDate(t *testing.T) {
	n := &Note{UID: "j", Title: "day", Version: ics.DefaultVersion, ProdID: ics.DefaultProdID}
	n.SetDate(time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC))
	n.RRule = "FREQ=WEEKLY"

	out, err := n.Serialize()
	require.NoError(t, err)
	assert.Contains(t, out, "DTSTART:20250203T000000Z\r\nRRULE:FREQ=WEEKLY\r\n")

	n.ClearDate()
	out, err = n.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, out, "DTSTART")
	assert.NotContains(t, out, "RRULE")
}

func TestDeleteInCalendar(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "d.ics", testutil.Journal("d"))
	f.fake.Put(f.col, "k.ics", testutil.Journal("k"))
	cal := f.calendar(t)
	ctx := context.Background()

	n, err := cal.Find(ctx, "d")
	require.NoError(t, err)

	stale := *n
	stale.ETag = `"old"`
	status, err := stale.DeleteInCalendar(ctx)
	require.NoError(t, err)
	assert.Equal(t, Fail, status)

	status, err = n.DeleteInCalendar(ctx)
	require.NoError(t, err)
	assert.Equal(t, Success, status)

	_, ok := f.fake.Object(n.URL)
	assert.False(t, ok)
	_, err = cal.Find(ctx, "d")
	assert.True(t, errors.Is(err, ErrNoteNotFound))
	_, err = cal.Find(ctx, "k")
	assert.NoError(t, err)
}

func TestClient_SingleSessionAndCalendarReuse(t *testing.T) {
	f := newFixture(t)
	f.fake.Collections = append(f.fake.Collections, caldav.Collection{URL: "https://dav.test/cal/x/"})
	ctx := context.Background()

	first, err := f.client.Calendars(ctx)
	require.NoError(t, err)
	second, err := f.client.Calendars(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.dials)
	require.Len(t, first, 2)
	assert.Same(t, first[0], second[0])
	assert.Equal(t, "Unnamed calendar", first[1].Name())

	_, err = f.client.Calendar(ctx, "Missing")
	assert.True(t, errors.Is(err, ErrCalendarNotFound))
}

func TestClient_DialError(t *testing.T) {
	c := NewClient("a", "b", "https://dav.test/", WithDialer(func(context.Context, caldav.Options) (Transport, error) {
		return nil, caldav.ErrUnauthorized
	}))
	_, err := c.Calendars(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, caldav.ErrUnauthorized))
}

func TestAgendaAndTodos(t *testing.T) {
	f := newFixture(t)
	f.fake.Put(f.col, "weekly.ics", testutil.Journal("weekly", "SUMMARY:review", "DTSTART:20250106T090000Z", "RRULE:FREQ=WEEKLY;COUNT=3"))
	f.fake.Put(f.col, "plain.ics", testutil.Journal("plain"))
	f.fake.Put(f.col, "todo.ics", "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//t//EN\r\nBEGIN:VTODO\r\nUID:t\r\nEND:VTODO\r\nEND:VCALENDAR\r\n")
	cal := f.calendar(t)
	ctx := context.Background()

	res, err := cal.Agenda(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), time.UTC)
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 3)
	assert.Equal(t, "review", res.Occurrences[0].Summary)
	assert.Equal(t, "Notes", res.Occurrences[0].Calendar)
	assert.Equal(t, 20, res.Occurrences[2].Date.Day())

	todos, err := cal.Todos(ctx)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Contains(t, todos[0].Data, "UID:t")
}

func TestKindAndStatusStrings(t *testing.T) {
	assert.Equal(t, "note", KindNote.String())
	assert.Equal(t, "journal", KindJournal.String())
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "fail", Fail.String())
	assert.Equal(t, "unknown", RequestStatus(0).String())
}
