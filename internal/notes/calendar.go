package notes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"takeaway/internal/caldav"
	"takeaway/internal/category"
	"takeaway/internal/ics"
	appLog "takeaway/internal/log"
	"takeaway/internal/model"
)

// Transport is the server connection a Calendar talks through.
// *caldav.Client implements it.
type Transport interface {
	FindCalendars(ctx context.Context) ([]caldav.Collection, error)
	Query(ctx context.Context, collectionURL, component string) ([]caldav.Object, error)
	Create(ctx context.Context, collectionURL, filename, data string) (caldav.WriteResult, error)
	Update(ctx context.Context, objectURL, data, etag string) (caldav.WriteResult, error)
	Delete(ctx context.Context, objectURL, etag string) (int, error)
	GetETag(ctx context.Context, objectURL string) (string, error)
}

const (
	componentJournal = "VJOURNAL"
	componentTodo    = "VTODO"
)

// Calendar is one remote journal collection plus the notes fetched from it.
//
// The cache is the authoritative set of notes once fetched, until the next
// forced fetch replaces it. Overlapping fetches are not serialized: the last
// one to finish wins, even if it started first.
type Calendar struct {
	URL string

	transport Transport
	reg       *category.Registry
	prodID    string
	newID     func() string

	mu      sync.Mutex
	name    string
	color   string
	cache   []*Note
	fetched bool
}

// Name is the display name the server reported on the last listing.
func (c *Calendar) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Color is the calendar color the server reported, possibly empty.
func (c *Calendar) Color() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.color
}

func (c *Calendar) setMeta(name, color string) {
	c.mu.Lock()
	c.name = name
	c.color = color
	c.mu.Unlock()
}

// adopt makes n the cached note for its URL. Readers holding the previous
// instance keep seeing it unchanged.
func (c *Calendar) adopt(n *Note) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cached := range c.cache {
		if cached.URL == n.URL {
			c.cache[i] = n
			return
		}
	}
}

func (c *Calendar) snapshot() []*Note {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Note, len(c.cache))
	copy(out, c.cache)
	return out
}

// FetchAll returns every note and journal of the calendar. The cached set is
// returned unless force is set or nothing was fetched yet.
func (c *Calendar) FetchAll(ctx context.Context, force bool) ([]*Note, error) {
	c.mu.Lock()
	if c.fetched && !force {
		c.mu.Unlock()
		return c.snapshot(), nil
	}
	c.mu.Unlock()

	objs, err := c.transport.Query(ctx, c.URL, componentJournal)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.Name(), err)
	}

	fetched := make([]*Note, 0, len(objs))
	for _, o := range objs {
		rec, err := ics.Parse(c.reg, o.Data)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %s: %w", c.Name(), o.URL, err)
		}
		fetched = append(fetched, newNoteFromRecord(c, rec, o.ETag, o.URL))
	}

	c.mu.Lock()
	c.cache = fetched
	c.fetched = true
	c.mu.Unlock()

	appLog.Debug("calendar fetched", "calendar", c.Name(), "count", len(fetched))
	return c.snapshot(), nil
}

func (c *Calendar) byKind(ctx context.Context, k Kind) ([]*Note, error) {
	all, err := c.FetchAll(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]*Note, 0, len(all))
	for _, n := range all {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out, nil
}

// Notes returns the undated notes of the calendar.
func (c *Calendar) Notes(ctx context.Context) ([]*Note, error) {
	return c.byKind(ctx, KindNote)
}

// Journals returns the dated journal entries of the calendar.
func (c *Calendar) Journals(ctx context.Context) ([]*Note, error) {
	return c.byKind(ctx, KindJournal)
}

// Find looks a note up by UID in the cached set.
func (c *Calendar) Find(ctx context.Context, uid string) (*Note, error) {
	all, err := c.FetchAll(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, n := range all {
		if n.UID == uid {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: %q in %s", ErrNoteNotFound, uid, c.Name())
}

// GenerateUniqueID draws random UUIDs until one is not used by any cached
// note. Only the local cache is checked, so two clients with stale caches can
// still pick the same UID.
func (c *Calendar) GenerateUniqueID(ctx context.Context) (string, error) {
	all, err := c.FetchAll(ctx, false)
	if err != nil {
		return "", err
	}
	used := make(map[string]struct{}, len(all))
	for _, n := range all {
		used[n.UID] = struct{}{}
	}

	for {
		id := c.newID()
		if _, taken := used[id]; !taken {
			return id, nil
		}
		appLog.Debug("generated uid collides with cached note, drawing again", "calendar", c.Name())
	}
}

// CreateNote stores a new empty note named <uid>.ics in the calendar and
// returns it with the etag the server assigned.
func (c *Calendar) CreateNote(ctx context.Context) (*Note, error) {
	uid, err := c.GenerateUniqueID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	n := &Note{
		Kind:         KindNote,
		UID:          uid,
		Created:      now,
		LastModified: now,
		DTStamp:      now,
		Version:      ics.DefaultVersion,
		ProdID:       c.prodID,
		calendar:     c,
	}
	data, err := n.Serialize()
	if err != nil {
		return nil, err
	}

	res, err := c.transport.Create(ctx, c.URL, uid+".ics", data)
	if err != nil {
		return nil, fmt.Errorf("create note in %s: %w", c.Name(), err)
	}
	if res.Status != http.StatusCreated && res.Status != http.StatusNoContent {
		return nil, fmt.Errorf("%w: %s answered %d", ErrCreate, c.Name(), res.Status)
	}

	n.URL = res.URL
	n.ETag = res.ETag
	if n.ETag == "" {
		// Servers may omit ETag on PUT when they rewrite the object.
		etag, err := c.transport.GetETag(ctx, n.URL)
		if err != nil {
			return nil, fmt.Errorf("create note in %s: fetch etag: %w", c.Name(), err)
		}
		n.ETag = etag
	}

	c.mu.Lock()
	c.cache = append(c.cache, n)
	c.mu.Unlock()

	appLog.Info("note created", "calendar", c.Name(), "uid", uid)
	return n, nil
}

// Update conditionally replaces the object at url. A rejected write is a Fail
// status, not an error.
func (c *Calendar) Update(ctx context.Context, url, data, etag string) (UpdateResponse, error) {
	res, err := c.transport.Update(ctx, url, data, etag)
	if err != nil {
		return UpdateResponse{}, fmt.Errorf("update in %s: %w", c.Name(), err)
	}
	if !res.OK() {
		appLog.Warn("update rejected", "calendar", c.Name(), "status", res.Status)
		return UpdateResponse{Status: Fail}, nil
	}

	newETag := res.ETag
	if newETag == "" {
		newETag, err = c.transport.GetETag(ctx, url)
		if err != nil {
			return UpdateResponse{}, fmt.Errorf("update in %s: fetch etag: %w", c.Name(), err)
		}
	}
	return UpdateResponse{Status: Success, ETag: newETag}, nil
}

// Delete conditionally removes the object at url. On Success the note leaves
// the cache.
func (c *Calendar) Delete(ctx context.Context, url, etag string) (RequestStatus, error) {
	status, err := c.transport.Delete(ctx, url, etag)
	if err != nil {
		return 0, fmt.Errorf("delete in %s: %w", c.Name(), err)
	}
	if status < 200 || status >= 300 {
		appLog.Warn("delete rejected", "calendar", c.Name(), "status", status)
		return Fail, nil
	}

	c.mu.Lock()
	kept := c.cache[:0]
	for _, n := range c.cache {
		if n.URL != url {
			kept = append(kept, n)
		}
	}
	// Clear the tail so dropped notes can be collected.
	for i := len(kept); i < len(c.cache); i++ {
		c.cache[i] = nil
	}
	c.cache = kept
	c.mu.Unlock()

	return Success, nil
}

// Todos returns the raw VTODO objects of the calendar. They are not mapped
// to notes.
func (c *Calendar) Todos(ctx context.Context) ([]caldav.Object, error) {
	objs, err := c.transport.Query(ctx, c.URL, componentTodo)
	if err != nil {
		return nil, fmt.Errorf("fetch todos %s: %w", c.Name(), err)
	}
	return objs, nil
}

// Agenda expands the calendar's journals, recurring ones included, into the
// dated occurrences between from and to, shown in loc.
func (c *Calendar) Agenda(ctx context.Context, from, to time.Time, loc *time.Location) (ics.ExpandResult, error) {
	journals, err := c.Journals(ctx)
	if err != nil {
		return ics.ExpandResult{}, err
	}

	entries := make([]model.Entry, 0, len(journals))
	for _, j := range journals {
		entries = append(entries, model.Entry{
			Calendar: c.Name(),
			UID:      j.UID,
			Summary:  j.Title,
			Start:    j.Date,
			RRule:    j.RRule,
		})
	}

	res, err := ics.ExpandOccurrences(entries, ics.ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      from,
		RangeEnd:        to,
	})
	if err != nil {
		return ics.ExpandResult{}, err
	}
	if len(res.TruncatedEntries) > 0 {
		appLog.Warn("agenda truncated recurring journals", "calendar", c.Name(), "uids", strings.Join(res.TruncatedEntries, ","))
	}
	return res, nil
}

// Categories resolves names through the session's registry, dropping blanks
// and duplicates.
func (c *Calendar) Categories(names []string) []*category.Category {
	var out []*category.Category
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, c.reg.CreateOrReturn(name))
	}
	return out
}
