package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"takeaway/internal/category"
	"takeaway/internal/config"
	appLog "takeaway/internal/log"
	"takeaway/internal/notes"
	"takeaway/internal/refresh"
	"takeaway/internal/web"
)

const version = "0.1.0"

// app is what every command needs once the config is loaded.
type app struct {
	cfg    *config.Config
	client *notes.Client
}

func loadApp(cmd *cli.Command) (*app, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	level, err := appLog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	appLog.SetLevel(level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	client := notes.NewClient(cfg.Server.Username, cfg.Server.Password, cfg.Server.URL,
		notes.WithTimeout(cfg.Timeout()),
		notes.WithProdID(cfg.ProdID),
		notes.WithRegistry(category.NewRegistry()),
	)
	return &app{cfg: cfg, client: client}, nil
}

// calendar picks --calendar, then server.calendar, then the first calendar.
func (a *app) calendar(ctx context.Context, cmd *cli.Command) (*notes.Calendar, error) {
	name := cmd.String("calendar")
	if name == "" {
		name = a.cfg.Server.Calendar
	}
	if name != "" {
		return a.client.Calendar(ctx, name)
	}
	cals, err := a.client.Calendars(ctx)
	if err != nil {
		return nil, err
	}
	if len(cals) == 0 {
		return nil, fmt.Errorf("%w: the server has no calendars", notes.ErrCalendarNotFound)
	}
	return cals[0], nil
}

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	cmd := &cli.Command{
		Name:    "takeaway",
		Usage:   "Notes and journals stored on a CalDAV server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Value:   config.DefaultPath(),
				Sources: cli.EnvVars("TAKEAWAY_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log_level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "calendars",
				Usage:  "list calendars and how many entries each holds",
				Action: runCalendars,
			},
			{
				Name:  "notes",
				Usage: "list notes of a calendar",
				Flags: []cli.Flag{
					calendarFlag(),
					&cli.BoolFlag{Name: "journals", Aliases: []string{"j"}, Usage: "list dated journal entries instead"},
				},
				Action: runNotes,
			},
			{
				Name:   "new",
				Usage:  "create a note",
				Flags:  contentFlags(),
				Action: runNew,
			},
			{
				Name:      "edit",
				Usage:     "edit a note",
				ArgsUsage: "UID",
				Flags:     contentFlags(),
				Action:    runEdit,
			},
			{
				Name:      "delete",
				Usage:     "delete a note",
				ArgsUsage: "UID",
				Flags:     []cli.Flag{calendarFlag()},
				Action:    runDelete,
			},
			{
				Name:  "agenda",
				Usage: "show journal entries of the coming days",
				Flags: []cli.Flag{
					calendarFlag(),
					&cli.IntFlag{Name: "days", Usage: "days ahead (default agenda_days)"},
				},
				Action: runAgenda,
			},
			{
				Name:   "serve",
				Usage:  "serve the JSON API and refresh calendars on schedule",
				Action: runServe,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		appLog.Error("takeaway failed", err)
		os.Exit(1)
	}
}

func calendarFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "calendar",
		Aliases: []string{"C"},
		Usage:   "calendar display name (default: server.calendar, then the first calendar)",
	}
}

func contentFlags() []cli.Flag {
	return []cli.Flag{
		calendarFlag(),
		&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "note title"},
		&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "note body"},
		&cli.StringSliceFlag{Name: "category", Usage: "category, repeatable; replaces existing categories"},
		&cli.StringFlag{Name: "color", Usage: "note color, e.g. #ffcc00"},
		&cli.StringFlag{Name: "date", Usage: "journal date YYYY-MM-DD; makes the note a journal entry"},
	}
}

func runCalendars(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	cals, err := a.client.Calendars(ctx)
	if err != nil {
		return err
	}

	counts := make([]int, len(cals))
	g, gctx := errgroup.WithContext(ctx)
	for i, cal := range cals {
		i, cal := i, cal
		g.Go(func() error {
			all, err := cal.FetchAll(gctx, false)
			if err != nil {
				return err
			}
			counts[i] = len(all)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOLOR\tENTRIES")
	for i, cal := range cals {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", cal.Name(), cal.Color(), counts[i])
	}
	return tw.Flush()
}

func runNotes(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	cal, err := a.calendar(ctx, cmd)
	if err != nil {
		return err
	}

	var list []*notes.Note
	if cmd.Bool("journals") {
		list, err = cal.Journals(ctx)
	} else {
		list, err = cal.Notes(ctx)
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tDATE\tTITLE\tCATEGORIES")
	for _, n := range list {
		date := ""
		if n.Kind == notes.KindJournal {
			date = n.Date.In(a.cfg.Location()).Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.UID, date, n.Title, strings.Join(category.Names(n.Categories), ","))
	}
	return tw.Flush()
}

// applyFlags copies the content flags that were set onto n.
func applyFlags(cmd *cli.Command, cal *notes.Calendar, n *notes.Note, loc *time.Location) error {
	if cmd.IsSet("title") {
		n.Title = cmd.String("title")
	}
	if cmd.IsSet("description") {
		n.Description = cmd.String("description")
	}
	if cmd.IsSet("category") {
		n.Categories = cal.Categories(cmd.StringSlice("category"))
	}
	if cmd.IsSet("color") {
		n.Color = cmd.String("color")
	}
	if cmd.IsSet("date") {
		d, err := time.ParseInLocation("2006-01-02", cmd.String("date"), loc)
		if err != nil {
			return fmt.Errorf("--date: %w", err)
		}
		n.SetDate(d)
	}
	return nil
}

func save(ctx context.Context, n *notes.Note) error {
	n.Touch(time.Now())
	status, err := n.UpdateInCalendar(ctx)
	if err != nil {
		return err
	}
	if status == notes.Fail {
		return errors.New("the note changed on the server; run `takeaway notes` and retry")
	}
	return nil
}

func runNew(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	cal, err := a.calendar(ctx, cmd)
	if err != nil {
		return err
	}

	n, err := cal.CreateNote(ctx)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cal, n, a.cfg.Location()); err != nil {
		return err
	}
	if err := save(ctx, n); err != nil {
		return err
	}
	fmt.Println(n.UID)
	return nil
}

func runEdit(ctx context.Context, cmd *cli.Command) error {
	uid := cmd.Args().First()
	if uid == "" {
		return errors.New("edit: UID is required")
	}
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	cal, err := a.calendar(ctx, cmd)
	if err != nil {
		return err
	}
	n, err := cal.Find(ctx, uid)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cal, n, a.cfg.Location()); err != nil {
		return err
	}
	return save(ctx, n)
}

func runDelete(ctx context.Context, cmd *cli.Command) error {
	uid := cmd.Args().First()
	if uid == "" {
		return errors.New("delete: UID is required")
	}
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	cal, err := a.calendar(ctx, cmd)
	if err != nil {
		return err
	}
	n, err := cal.Find(ctx, uid)
	if err != nil {
		return err
	}
	status, err := n.DeleteInCalendar(ctx)
	if err != nil {
		return err
	}
	if status == notes.Fail {
		return errors.New("the note changed on the server; run `takeaway notes` and retry")
	}
	return nil
}

func runAgenda(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	cal, err := a.calendar(ctx, cmd)
	if err != nil {
		return err
	}

	days := int(cmd.Int("days"))
	if days <= 0 {
		days = a.cfg.AgendaDays
	}
	loc := a.cfg.Location()
	now := time.Now().In(loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	res, err := cal.Agenda(ctx, from, from.AddDate(0, 0, days), loc)
	if err != nil {
		return err
	}
	for _, occ := range res.Occurrences {
		fmt.Printf("%s  %s\n", occ.Date.Format("Mon 2006-01-02 15:04"), occ.Summary)
	}
	return nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	appLog.Info("takeaway starting", "version", version)
	appLog.Info("effective config",
		"listen", a.cfg.Listen,
		"timezone", a.cfg.Location().String(),
		"refresh", a.cfg.RefreshCron,
		"calendar", a.cfg.Server.Calendar,
		"timeout", a.cfg.Timeout(),
	)

	refresher, err := refresh.New(a.client, a.cfg.RefreshCron, a.cfg.Location())
	if err != nil {
		return err
	}
	srv := web.NewServer(a.cfg, a.client, refresher)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	appLog.Info("takeaway exiting")
	return nil
}
