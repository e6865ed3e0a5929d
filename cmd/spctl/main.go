// main.go - Admin control tool for sitepulse
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"sitepulse/internal"
	"sitepulse/internal/analytics"
	"sitepulse/internal/config"
	"sitepulse/internal/jobs"
	"sitepulse/internal/seeder"
	"sitepulse/internal/timeframe"
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&MigrateCommand{},
	&StatusCommand{},
	&StatsCommand{},
	&UsageCommand{},
	&PurgeCommand{},
	&SeedCommand{},
	&HelpCommand{},
}

func main() {
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	if _, ok := cmd.(*HelpCommand); ok {
		_ = cmd.Execute(ctx, nil, args)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	app, err := internal.NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	err = cmd.Execute(ctx, app, args)

	// The app never starts serving, so only store connections need releasing
	if cerr := app.Components.Close(); cerr != nil {
		log.Printf("Warning: Cleanup error: %v", cerr)
	}

	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	log.Println("Running database migrations...")
	if err := app.MigrateDatabase(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Println("Migrations completed successfully")
	return nil
}

// StatusCommand implements a command to check the system status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows event store connectivity and connection pool statistics" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	components := app.Components

	storeStatus := "ok"
	if err := components.Store.Ping(ctx); err != nil {
		storeStatus = err.Error()
	}

	rows := [][]string{
		{"store", storeStatus},
		{"buffered_events", strconv.Itoa(components.Sink.Pending())},
	}

	if db := app.DBManager.GetConnection(); db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to get SQL DB: %w", err)
		}
		stats := sqlDB.Stats()
		rows = append(rows,
			[]string{"max_open_connections", strconv.Itoa(stats.MaxOpenConnections)},
			[]string{"open_connections", strconv.Itoa(stats.OpenConnections)},
			[]string{"in_use", strconv.Itoa(stats.InUse)},
			[]string{"idle", strconv.Itoa(stats.Idle)},
		)
	}

	status := make(map[string]string, len(rows))
	for _, r := range rows {
		status[r[0]] = r[1]
	}
	return render(os.Stdout, status, []string{"FIELD", "VALUE"}, rows)
}

// StatsCommand runs an aggregate query against a project
type StatsCommand struct{}

func (c *StatsCommand) Name() string { return "stats" }
func (c *StatsCommand) Description() string {
	return "Queries a metric: stats [-metric overview] [-from YYYY-MM-DD -to YYYY-MM-DD] <project> [range]"
}

func (c *StatsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	metricName := fs.String("metric", string(analytics.MetricOverview), "metric to query")
	from := fs.String("from", "", "custom range start (YYYY-MM-DD)")
	to := fs.String("to", "", "custom range end (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: %s [flags] <project> [range]", c.Name())
	}

	metric, err := analytics.ParseMetric(*metricName)
	if err != nil {
		return err
	}

	params := timeframe.TimeFrameParserParams{FromDate: *from, ToDate: *to}
	if fs.NArg() > 1 {
		params.Range = fs.Arg(1)
	}
	tf, err := timeframe.NewTimeFrameParser().ParseTimeFrame(params)
	if err != nil {
		return err
	}

	result, err := app.Components.Engine.Query(ctx, metric, fs.Arg(0), tf)
	if err != nil {
		return err
	}

	header, rows := statsRows(result)
	return render(os.Stdout, result, header, rows)
}

// UsageCommand shows an owner's consumption for the current month
type UsageCommand struct{}

func (c *UsageCommand) Name() string        { return "usage" }
func (c *UsageCommand) Description() string { return "Shows current month usage: usage <owner>" }

func (c *UsageCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <owner>", c.Name())
	}

	snapshot, err := app.Components.Accountant.GetUsage(ctx, args[0])
	if err != nil {
		return err
	}

	rows := [][]string{{
		args[0],
		strconv.FormatInt(snapshot.Current, 10),
		strconv.FormatInt(snapshot.Limit, 10),
		strconv.FormatInt(snapshot.Percentage, 10) + "%",
	}}
	return render(os.Stdout, snapshot, []string{"OWNER", "CURRENT", "LIMIT", "PERCENTAGE"}, rows)
}

// PurgeCommand deletes events older than the retention window
type PurgeCommand struct{}

func (c *PurgeCommand) Name() string { return "purge" }
func (c *PurgeCommand) Description() string {
	return "Deletes events older than the retention window: purge [days]"
}

func (c *PurgeCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	job := app.Components.Retention
	if len(args) > 0 {
		days, err := strconv.Atoi(args[0])
		if err != nil || days <= 0 {
			return fmt.Errorf("days must be a positive integer, got %q", args[0])
		}
		job = jobs.NewRetentionJob(app.Components.Store, days, app.Components.Metrics, nil)
		job.OnPurge(app.Components.Engine.InvalidateCache)
	}

	deleted, err := job.Purge(ctx)
	if err != nil {
		return err
	}

	result := map[string]any{"deleted": deleted, "cutoff": job.Cutoff().Format(time.RFC3339)}
	rows := [][]string{{job.Cutoff().Format(time.RFC3339), strconv.FormatInt(deleted, 10)}}
	return render(os.Stdout, result, []string{"CUTOFF", "DELETED"}, rows)
}

// SeedCommand populates a project with synthetic traffic
type SeedCommand struct{}

func (c *SeedCommand) Name() string        { return "seed" }
func (c *SeedCommand) Description() string { return "Seeds a project with sample traffic: seed [-events N] [-days N] <project>" }

func (c *SeedCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	eventCount := fs.Int("events", 10000, "number of pageviews to generate")
	days := fs.Int("days", 30, "days of history to spread events over")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: %s [flags] <project>", c.Name())
	}

	se := seeder.NewSeeder(app.Components.Normalizer, app.Components.Sink, nil, *eventCount)
	se.Days = *days

	result, err := se.SeedProject(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	// Drain whatever the sink had to buffer while seeding
	if _, err := app.Components.Sink.Flush(ctx); err != nil {
		log.Printf("Warning: %d events still buffered: %v", app.Components.Sink.Pending(), err)
	}
	app.Components.Engine.InvalidateCache()

	rows := [][]string{{
		result.ProjectID,
		strconv.Itoa(result.Sessions),
		strconv.Itoa(result.Pageviews),
		strconv.Itoa(result.CustomEvents),
		strconv.Itoa(result.Failed),
	}}
	return render(os.Stdout, result, []string{"PROJECT", "SESSIONS", "PAGEVIEWS", "CUSTOM", "FAILED"}, rows)
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage()
	return nil
}

// Helper functions

// render prints a table when stdout is a terminal and JSON otherwise, so the
// output can be piped into other tools.
func render(w *os.File, value any, header []string, rows [][]string) error {
	if !term.IsTerminal(int(w.Fd())) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	return writeTable(w, header, rows)
}

func writeTable(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writeRow(tw, header)
	for _, row := range rows {
		writeRow(tw, row)
	}
	return tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, cell)
	}
	fmt.Fprintln(w)
}

func itoa64(v int64) string { return strconv.FormatInt(v, 10) }

// statsRows flattens a query result into table rows.
func statsRows(result any) ([]string, [][]string) {
	switch r := result.(type) {
	case analytics.Overview:
		rows := [][]string{
			{"visitors", itoa64(r.Visitors)},
			{"pageviews", itoa64(r.Pageviews)},
		}
		for _, p := range r.Series {
			rows = append(rows, []string{"visitors " + p.Date, itoa64(p.Visitors)})
		}
		for _, p := range r.TopPages {
			rows = append(rows, []string{"page " + p.Path, itoa64(p.Pageviews)})
		}
		return []string{"FIELD", "VALUE"}, rows
	case []analytics.PageStat:
		rows := make([][]string, len(r))
		for i, p := range r {
			rows[i] = []string{p.Path, itoa64(p.Visitors), itoa64(p.Pageviews)}
		}
		return []string{"PATH", "VISITORS", "PAGEVIEWS"}, rows
	case analytics.Referrers:
		rows := make([][]string, len(r.Referrers))
		for i, ref := range r.Referrers {
			rows[i] = []string{ref.Referrer, ref.Source, ref.Channel, itoa64(ref.Visitors), itoa64(ref.Pageviews)}
		}
		return []string{"REFERRER", "SOURCE", "CHANNEL", "VISITORS", "PAGEVIEWS"}, rows
	case []analytics.CountryStat:
		rows := make([][]string, len(r))
		for i, c := range r {
			rows[i] = []string{c.Country, c.Name, itoa64(c.Visitors), strconv.FormatFloat(c.Percentage, 'f', 1, 64) + "%"}
		}
		return []string{"CODE", "COUNTRY", "VISITORS", "SHARE"}, rows
	case analytics.Devices:
		var rows [][]string
		for _, d := range r.Devices {
			rows = append(rows, []string{"device", d.Device, itoa64(d.Visitors), strconv.FormatFloat(d.Percentage, 'f', 1, 64) + "%"})
		}
		for _, b := range r.Browsers {
			rows = append(rows, []string{"browser", b.Browser, itoa64(b.Visitors), strconv.FormatFloat(b.Percentage, 'f', 1, 64) + "%"})
		}
		return []string{"KIND", "NAME", "VISITORS", "SHARE"}, rows
	case []analytics.EventStat:
		rows := make([][]string, len(r))
		for i, e := range r {
			rows[i] = []string{e.Event, itoa64(e.Count), itoa64(e.Visitors)}
		}
		return []string{"EVENT", "COUNT", "VISITORS"}, rows
	default:
		return []string{"RESULT"}, [][]string{{fmt.Sprintf("%v", result)}}
	}
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := flag.Args()
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: spctl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage()
	os.Exit(1)
}
