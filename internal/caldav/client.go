// Package caldav is a small CalDAV client: principal and calendar-home-set
// discovery, calendar listing, calendar-query REPORTs and ETag-conditional
// writes over HTTP Basic auth.
package caldav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "takeaway/internal/log"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrUnauthorized      = errors.New("caldav: unauthorized")
	ErrUnexpectedStatus  = errors.New("caldav: unexpected status")
	ErrMissingETag       = errors.New("caldav: server returned no etag")
	errEmptyServerURL    = errors.New("caldav: server URL is empty")
	errUnsupportedScheme = errors.New("caldav: server URL must be http or https")
)

// Options configures Dial.
type Options struct {
	URL      string
	Username string
	Password string

	// Timeout bounds every request. Zero means DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout, mainly for tests.
	HTTPClient *http.Client
}

// Collection is a calendar collection on the server.
type Collection struct {
	URL   string
	Name  string
	Color string
}

// Object is one calendar object resource.
type Object struct {
	URL  string
	ETag string
	Data string
}

// WriteResult is the outcome of a PUT. Status is the raw HTTP status; ETag is
// empty when the server did not return one.
type WriteResult struct {
	Status int
	ETag   string
	URL    string
}

// OK reports a 2xx status.
func (w WriteResult) OK() bool {
	return w.Status >= 200 && w.Status < 300
}

// Client is an authenticated session against one CalDAV account.
type Client struct {
	http     *http.Client
	base     *url.URL
	homeSet  *url.URL
	username string
	password string
}

// Dial validates the server URL, authenticates and discovers the calendar
// home set. When the server does not advertise a principal or home set the
// given URL is used in their place.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errEmptyServerURL
	}
	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav: parse server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errUnsupportedScheme
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	c := &Client{
		http:     hc,
		base:     base,
		username: opts.Username,
		password: opts.Password,
	}
	if err := c.discover(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// HomeSet is the collection calendars are listed from.
func (c *Client) HomeSet() string {
	return c.homeSet.String()
}

func (c *Client) discover(ctx context.Context) error {
	principal := c.base
	ms, err := c.propfind(ctx, c.base.String(), "0", propfindPrincipal)
	if err != nil {
		return err
	}
	for _, r := range ms.Responses {
		if p := r.found().CurrentUserPrincipal; p != nil && p.Href != "" {
			principal = c.resolve(c.base, p.Href)
			break
		}
	}

	home := principal
	ms, err = c.propfind(ctx, principal.String(), "0", propfindHomeSet)
	if err != nil {
		return err
	}
	for _, r := range ms.Responses {
		if h := r.found().CalendarHomeSet; h != nil && h.Href != "" {
			home = c.resolve(principal, h.Href)
			break
		}
	}

	c.homeSet = home
	appLog.Info("caldav session established", "server", redactURL(c.base.String()), "user", c.username)
	return nil
}

// FindCalendars lists the calendar collections of the home set.
func (c *Client) FindCalendars(ctx context.Context) ([]Collection, error) {
	ms, err := c.propfind(ctx, c.homeSet.String(), "1", propfindCalendars)
	if err != nil {
		return nil, err
	}

	out := make([]Collection, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		p := r.found()
		if !p.isCalendar() {
			continue
		}
		out = append(out, Collection{
			URL:   c.resolve(c.homeSet, r.Href).String(),
			Name:  strings.TrimSpace(p.DisplayName),
			Color: strings.TrimSpace(p.CalendarColor),
		})
	}
	return out, nil
}

// Query runs a calendar-query REPORT returning every object in the collection
// that contains a component of the given type (VJOURNAL, VTODO, ...).
func (c *Client) Query(ctx context.Context, collectionURL, component string) ([]Object, error) {
	body := fmt.Sprintf(calendarQuery, component)
	ms, err := c.multistatus(ctx, "REPORT", collectionURL, "1", body)
	if err != nil {
		return nil, err
	}

	col, err := url.Parse(collectionURL)
	if err != nil {
		return nil, err
	}

	out := make([]Object, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		p := r.found()
		if p.CalendarData == "" {
			continue
		}
		out = append(out, Object{
			URL:  c.resolve(col, r.Href).String(),
			ETag: p.ETag,
			Data: p.CalendarData,
		})
	}

	appLog.Debug("caldav query completed", "url", redactURL(collectionURL), "component", component, "count", len(out))
	return out, nil
}

// Create PUTs data as filename inside the collection.
func (c *Client) Create(ctx context.Context, collectionURL, filename, data string) (WriteResult, error) {
	col, err := url.Parse(collectionURL)
	if err != nil {
		return WriteResult{}, err
	}
	target := col.JoinPath(filename).String()
	return c.put(ctx, target, data, "")
}

// Update PUTs data over an existing object, guarded by If-Match: etag.
func (c *Client) Update(ctx context.Context, objectURL, data, etag string) (WriteResult, error) {
	return c.put(ctx, objectURL, data, etag)
}

func (c *Client) put(ctx context.Context, target, data, etag string) (WriteResult, error) {
	hdr := http.Header{}
	hdr.Set("Content-Type", "text/calendar; charset=utf-8")
	if etag != "" {
		hdr.Set("If-Match", etag)
	}

	resp, err := c.do(ctx, http.MethodPut, target, data, hdr)
	if err != nil {
		return WriteResult{}, err
	}
	drain(resp)

	return WriteResult{
		Status: resp.StatusCode,
		ETag:   resp.Header.Get("ETag"),
		URL:    target,
	}, nil
}

// Delete removes an object, guarded by If-Match: etag. The raw status is
// returned for the caller to interpret.
func (c *Client) Delete(ctx context.Context, objectURL, etag string) (int, error) {
	hdr := http.Header{}
	if etag != "" {
		hdr.Set("If-Match", etag)
	}
	resp, err := c.do(ctx, http.MethodDelete, objectURL, "", hdr)
	if err != nil {
		return 0, err
	}
	drain(resp)
	return resp.StatusCode, nil
}

// GetETag fetches the current getetag property of one object.
func (c *Client) GetETag(ctx context.Context, objectURL string) (string, error) {
	ms, err := c.propfind(ctx, objectURL, "0", propfindETag)
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		if etag := r.found().ETag; etag != "" {
			return etag, nil
		}
	}
	return "", ErrMissingETag
}

func (c *Client) propfind(ctx context.Context, target, depth, body string) (*multistatus, error) {
	return c.multistatus(ctx, "PROPFIND", target, depth, body)
}

func (c *Client) multistatus(ctx context.Context, method, target, depth, body string) (*multistatus, error) {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/xml; charset=utf-8")
	hdr.Set("Depth", depth)

	resp, err := c.do(ctx, method, target, body, hdr)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusMultiStatus:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("%w: %s %s: %s", ErrUnexpectedStatus, method, redactURL(target), resp.Status)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("caldav: decode %s response: %w", method, err)
	}
	return &ms, nil
}

func (c *Client) do(ctx context.Context, method, target, body string, hdr http.Header) (*http.Response, error) {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	appLog.Debug("caldav request", "method", method, "url", redactURL(target))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("caldav: %s %s: %w", method, redactURL(target), err)
	}

	appLog.Debug("caldav response", "method", method, "url", redactURL(target), "status", resp.StatusCode)
	return resp, nil
}

// resolve turns an href from a multistatus body into an absolute URL.
func (c *Client) resolve(base *url.URL, href string) *url.URL {
	u, err := base.Parse(strings.TrimSpace(href))
	if err != nil {
		return base
	}
	return u
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// redactURL hides paths (which carry user and calendar names) for logging.
//
//	https://dav.example.com/calendars/alice/notes/
//	-> https://dav.example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "caldav://...(redacted)"
	}
	i += 3

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
