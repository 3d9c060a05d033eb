// Package testutil holds an in-memory CalDAV server used by package tests.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"takeaway/internal/caldav"
)

// FakeDAV is an in-memory stand-in for a CalDAV session. Writes honour
// If-Match the way a real server does: a mismatching etag answers 412 and a
// missing object 404.
type FakeDAV struct {
	mu sync.Mutex

	Collections []caldav.Collection
	Objects     map[string]caldav.Object

	// CreateStatus, when non-zero, is returned by Create without storing.
	CreateStatus int
	// OmitETag makes writes answer without an ETag header.
	OmitETag bool
	// Err, when set, fails every call.
	Err error

	Calls []string
	seq   int
}

// NewFakeDAV returns a server with one calendar named name at
// https://dav.test/cal/<slug>/.
func NewFakeDAV(name string) *FakeDAV {
	return &FakeDAV{
		Collections: []caldav.Collection{{URL: CollectionURL(name), Name: name}},
		Objects:     make(map[string]caldav.Object),
	}
}

// CollectionURL is the URL NewFakeDAV gives a calendar.
func CollectionURL(name string) string {
	return "https://dav.test/cal/" + strings.ToLower(strings.ReplaceAll(name, " ", "-")) + "/"
}

// Put stores data at collection+filename and returns its etag.
func (f *FakeDAV) Put(collection, filename, data string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store(collection+filename, data).ETag
}

// CallCount counts recorded calls whose method matches.
func (f *FakeDAV) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, method+" ") {
			n++
		}
	}
	return n
}

// Object returns the stored object at url.
func (f *FakeDAV) Object(url string) (caldav.Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.Objects[url]
	return o, ok
}

func (f *FakeDAV) store(url, data string) caldav.Object {
	f.seq++
	o := caldav.Object{URL: url, ETag: fmt.Sprintf(`"etag-%d"`, f.seq), Data: data}
	f.Objects[url] = o
	return o
}

func (f *FakeDAV) record(method, target string) error {
	f.Calls = append(f.Calls, method+" "+target)
	return f.Err
}

func (f *FakeDAV) FindCalendars(ctx context.Context) ([]caldav.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PROPFIND", "home"); err != nil {
		return nil, err
	}
	out := make([]caldav.Collection, len(f.Collections))
	copy(out, f.Collections)
	return out, nil
}

func (f *FakeDAV) Query(ctx context.Context, collectionURL, component string) ([]caldav.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("REPORT", collectionURL); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []caldav.Object
	for url, o := range f.Objects {
		if strings.HasPrefix(url, collectionURL) && strings.Contains(o.Data, "BEGIN:"+component) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (f *FakeDAV) Create(ctx context.Context, collectionURL, filename, data string) (caldav.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := collectionURL + filename
	if err := f.record("PUT", target); err != nil {
		return caldav.WriteResult{}, err
	}
	if f.CreateStatus != 0 {
		return caldav.WriteResult{Status: f.CreateStatus, URL: target}, nil
	}
	o := f.store(target, data)
	return f.written(http.StatusCreated, o), nil
}

func (f *FakeDAV) Update(ctx context.Context, objectURL, data, etag string) (caldav.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PUT", objectURL); err != nil {
		return caldav.WriteResult{}, err
	}
	cur, ok := f.Objects[objectURL]
	if !ok {
		return caldav.WriteResult{Status: http.StatusNotFound, URL: objectURL}, nil
	}
	if etag != "" && etag != cur.ETag {
		return caldav.WriteResult{Status: http.StatusPreconditionFailed, URL: objectURL}, nil
	}
	o := f.store(objectURL, data)
	return f.written(http.StatusNoContent, o), nil
}

func (f *FakeDAV) written(status int, o caldav.Object) caldav.WriteResult {
	res := caldav.WriteResult{Status: status, URL: o.URL}
	if !f.OmitETag {
		res.ETag = o.ETag
	}
	return res
}

func (f *FakeDAV) Delete(ctx context.Context, objectURL, etag string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DELETE", objectURL); err != nil {
		return 0, err
	}
	cur, ok := f.Objects[objectURL]
	if !ok {
		return http.StatusNotFound, nil
	}
	if etag != "" && etag != cur.ETag {
		return http.StatusPreconditionFailed, nil
	}
	delete(f.Objects, objectURL)
	return http.StatusNoContent, nil
}

func (f *FakeDAV) GetETag(ctx context.Context, objectURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PROPFIND", objectURL); err != nil {
		return "", err
	}
	cur, ok := f.Objects[objectURL]
	if !ok {
		return "", fmt.Errorf("%w: 404 Not Found", caldav.ErrUnexpectedStatus)
	}
	return cur.ETag, nil
}

// Journal builds a minimal calendar object holding one VJOURNAL.
func Journal(uid string, lines ...string) string {
	body := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//fake//EN", "BEGIN:VJOURNAL", "UID:" + uid}
	body = append(body, lines...)
	body = append(body, "END:VJOURNAL", "END:VCALENDAR")
	return strings.Join(body, "\r\n") + "\r\n"
}
