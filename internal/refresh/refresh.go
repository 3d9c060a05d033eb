// Package refresh periodically re-fetches every calendar so caches shared by
// the web API stay close to the server.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	appLog "takeaway/internal/log"
	"takeaway/internal/notes"
)

// Source lists the calendars to refresh. *notes.Client implements it.
type Source interface {
	Calendars(ctx context.Context) ([]*notes.Calendar, error)
}

// Status describes the last completed refresh.
type Status struct {
	At        time.Time
	Calendars int
	Notes     int
	Err       error
}

// Refresher runs RefreshOnce on a cron schedule.
type Refresher struct {
	src      Source
	schedule string
	loc      *time.Location

	mu   sync.RWMutex
	last Status
}

// New validates schedule (standard cron syntax) up front.
func New(src Source, schedule string, loc *time.Location) (*Refresher, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("refresh: invalid schedule %q: %w", schedule, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Refresher{src: src, schedule: schedule, loc: loc}, nil
}

// Last returns the outcome of the most recent refresh, zero if none ran.
func (r *Refresher) Last() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// RefreshOnce force-fetches every calendar concurrently. The first error
// cancels the remaining fetches.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	start := time.Now()

	cals, err := r.src.Calendars(ctx)
	if err != nil {
		r.record(Status{At: start, Err: err})
		return err
	}

	counts := make([]int, len(cals))
	g, gctx := errgroup.WithContext(ctx)
	for i, cal := range cals {
		i, cal := i, cal
		g.Go(func() error {
			all, err := cal.FetchAll(gctx, true)
			if err != nil {
				return err
			}
			counts[i] = len(all)
			return nil
		})
	}
	err = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	r.record(Status{At: start, Calendars: len(cals), Notes: total, Err: err})

	if err != nil {
		return err
	}
	appLog.Info("calendars refreshed", "calendars", len(cals), "notes", total, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *Refresher) record(s Status) {
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()
}

// Run refreshes once immediately, then on every tick of the schedule until
// ctx is done. Refresh errors are logged, never returned.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.RefreshOnce(ctx); err != nil {
		appLog.Error("initial refresh failed", err)
	}

	c := cron.New(cron.WithLocation(r.loc))
	_, err := c.AddFunc(r.schedule, func() {
		if err := r.RefreshOnce(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("refresh: schedule: %w", err)
	}

	appLog.Info("refresh scheduler started", "schedule", r.schedule, "timezone", r.loc.String())
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("refresh scheduler stopped")
	return nil
}
