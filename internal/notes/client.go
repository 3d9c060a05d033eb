package notes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"takeaway/internal/caldav"
	"takeaway/internal/category"
	"takeaway/internal/ics"
	appLog "takeaway/internal/log"
)

const unnamedCalendar = "Unnamed calendar"

// Dialer opens an authenticated session.
type Dialer func(ctx context.Context, opts caldav.Options) (Transport, error)

func dialCalDAV(ctx context.Context, opts caldav.Options) (Transport, error) {
	c, err := caldav.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every request of the session.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.opts.Timeout = d }
}

// WithRegistry shares a category registry with the caller.
func WithRegistry(reg *category.Registry) Option {
	return func(c *Client) { c.reg = reg }
}

// WithProdID sets the PRODID written into newly created notes.
func WithProdID(prodID string) Option {
	return func(c *Client) {
		if prodID != "" {
			c.prodID = prodID
		}
	}
}

// WithDialer replaces the CalDAV dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithIDGenerator replaces the UID source used for new notes.
func WithIDGenerator(gen func() string) Option {
	return func(c *Client) { c.newID = gen }
}

// Client holds the credentials of one account and lazily opens a single
// session on first use.
type Client struct {
	opts   caldav.Options
	reg    *category.Registry
	prodID string
	dial   Dialer
	newID  func() string

	mu        sync.Mutex
	session   Transport
	calendars map[string]*Calendar
}

// NewClient does not touch the network.
func NewClient(username, password, serverURL string, opts ...Option) *Client {
	c := &Client{
		opts: caldav.Options{
			URL:      serverURL,
			Username: username,
			Password: password,
		},
		prodID:    ics.DefaultProdID,
		dial:      dialCalDAV,
		newID:     uuid.NewString,
		calendars: make(map[string]*Calendar),
	}
	for _, o := range opts {
		o(c)
	}
	if c.reg == nil {
		c.reg = category.NewRegistry()
	}
	return c
}

// Registry is the category registry shared by every calendar of the client.
func (c *Client) Registry() *category.Registry {
	return c.reg
}

func (c *Client) transport(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return c.session, nil
	}
	t, err := c.dial(ctx, c.opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	c.session = t
	return t, nil
}

// Calendars lists the calendar collections of the account. Calendars seen
// before are returned as the same instances, caches intact.
func (c *Client) Calendars(ctx context.Context) ([]*Calendar, error) {
	t, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	cols, err := t.FindCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Calendar, 0, len(cols))
	for _, col := range cols {
		name := col.Name
		if name == "" {
			name = unnamedCalendar
		}
		cal, ok := c.calendars[col.URL]
		if !ok {
			cal = &Calendar{
				URL:       col.URL,
				transport: t,
				reg:       c.reg,
				prodID:    c.prodID,
				newID:     c.newID,
			}
			c.calendars[col.URL] = cal
		}
		cal.setMeta(name, col.Color)
		out = append(out, cal)
	}

	appLog.Debug("calendars listed", "count", len(out))
	return out, nil
}

// Calendar returns the first calendar with the given display name.
func (c *Client) Calendar(ctx context.Context, name string) (*Calendar, error) {
	cals, err := c.Calendars(ctx)
	if err != nil {
		return nil, err
	}
	for _, cal := range cals {
		if cal.Name() == name {
			return cal, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrCalendarNotFound, name)
}
