// main.go - Load generator for the sitepulse beacon endpoint
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/time/rate"

	"sitepulse/internal/events"
)

// PerfConfig holds the configuration for the performance test
type PerfConfig struct {
	BaseURL      string
	Projects     []string
	Concurrency  int
	Duration     time.Duration
	EventsPerSec int
	Beacon       bool
	Timeout      time.Duration
	ExportPath   string
}

// Result captures the result of a single request
type Result struct {
	Duration   time.Duration
	StatusCode int
	Error      error
}

// PerfStats aggregates results. It is only touched by the collector goroutine.
type PerfStats struct {
	Total         int64
	Stored        int64
	Buffered      int64
	Failed        int64
	StatusCodes   map[int]int64
	ResponseTimes []time.Duration
	StartTime     time.Time
	EndTime       time.Time
}

// Report is the exported summary.
type Report struct {
	Requests       int64         `json:"requests"`
	Stored         int64         `json:"stored"`
	Buffered       int64         `json:"buffered"`
	Failed         int64         `json:"failed"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	P50            time.Duration `json:"p50"`
	P95            time.Duration `json:"p95"`
	P99            time.Duration `json:"p99"`
	Max            time.Duration `json:"max"`
	StatusCodes    map[int]int64 `json:"status_codes"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:3000", "Base URL of the server")
	project := flag.String("project", "proj_perf", "Project id; comma separated values are rotated")
	concurrency := flag.Int("c", 10, "Number of concurrent clients")
	duration := flag.Duration("d", 30*time.Second, "Duration of the test")
	eventsPerSec := flag.Int("rate", 0, "Target events per second across all clients (0 = unlimited)")
	beacon := flag.Bool("beacon", false, "Post to the sendBeacon endpoint instead of the JSON endpoint")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	export := flag.String("export", "", "Write a JSON report to this file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := &PerfConfig{
		BaseURL:      *baseURL,
		Projects:     splitProjects(*project),
		Concurrency:  max(*concurrency, 1),
		Duration:     *duration,
		EventsPerSec: *eventsPerSec,
		Beacon:       *beacon,
		Timeout:      *timeout,
		ExportPath:   *export,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, stopping", slog.Any("signal", sig))
		cancel()
	}()

	logger.Info("Starting load test",
		slog.String("endpoint", cfg.endpoint()),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Duration("duration", cfg.Duration),
		slog.Int("rate", cfg.EventsPerSec))

	stats := &PerfStats{StatusCodes: make(map[int]int64), StartTime: time.Now()}
	for result := range runTest(ctx, cfg) {
		stats.add(result)
	}
	stats.EndTime = time.Now()

	report := stats.report()
	printResults(os.Stdout, report)

	if cfg.ExportPath != "" {
		if err := exportResults(cfg.ExportPath, report); err != nil {
			logger.Error("Failed to export results", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Report written", slog.String("path", cfg.ExportPath))
	}
}

func (c *PerfConfig) endpoint() string {
	if c.Beacon {
		return c.BaseURL + "/api/v1/events/beacon"
	}
	return c.BaseURL + "/api/v1/events"
}

func splitProjects(value string) []string {
	var projects []string
	for _, p := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			projects = append(projects, trimmed)
		}
	}
	if len(projects) == 0 {
		projects = []string{"proj_perf"}
	}
	return projects
}

// runTest starts the clients and returns a channel closed once all have stopped.
// A single limiter paces the whole fleet so the target rate holds for any concurrency.
func runTest(ctx context.Context, cfg *PerfConfig) <-chan Result {
	results := make(chan Result, cfg.Concurrency*10)

	limit := rate.Inf
	if cfg.EventsPerSec > 0 {
		limit = rate.Limit(cfg.EventsPerSec)
	}
	limiter := rate.NewLimiter(limit, cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: cfg.Timeout}
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				results <- sendRequest(ctx, client, cfg, workerID)
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// sendRequest posts one randomly generated beacon.
func sendRequest(ctx context.Context, client *http.Client, cfg *PerfConfig, workerID int) Result {
	payload, err := json.Marshal(generateBeacon(cfg, workerID))
	if err != nil {
		return Result{Error: fmt.Errorf("failed to marshal beacon: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return Result{Error: fmt.Errorf("failed to create request: %w", err)}
	}

	if cfg.Beacon {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", generateUserAgent())
	// Public routes only accept browser-originated requests
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Origin", "https://example.com")
	// Spread visitors over many addresses so visitor ids vary
	req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.%d.%d", workerID%256, rand.IntN(254)+1))

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{Duration: elapsed, Error: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return Result{Duration: elapsed, StatusCode: resp.StatusCode}
}

func generateBeacon(cfg *PerfConfig, workerID int) events.RawBeacon {
	paths := []string{"/", "/products", "/services", "/about", "/contact", "/blog", "/pricing", "/faq", "/login", "/register"}
	referrers := []string{"https://www.google.com/", "https://news.ycombinator.com/", "https://twitter.com/", "https://www.linkedin.com/", "https://duckduckgo.com/"}

	beacon := events.RawBeacon{
		ProjectID: cfg.Projects[rand.IntN(len(cfg.Projects))],
		Path:      paths[rand.IntN(len(paths))],
	}
	// 70% of visits come from a referrer
	if rand.Float64() < 0.7 {
		beacon.Referrer = referrers[rand.IntN(len(referrers))]
	}
	// One in ten beacons is a custom event
	if rand.IntN(10) == 0 {
		beacon.Event = "signup"
		beacon.Properties = map[string]any{"testMode": true, "workerId": workerID}
	}
	return beacon
}

// generateUserAgent returns a random browser user agent string
func generateUserAgent() string {
	userAgents := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	}
	return userAgents[rand.IntN(len(userAgents))]
}

func (s *PerfStats) add(r Result) {
	s.Total++
	if r.Error != nil {
		s.Failed++
		return
	}

	s.StatusCodes[r.StatusCode]++
	s.ResponseTimes = append(s.ResponseTimes, r.Duration)

	switch r.StatusCode {
	case http.StatusOK:
		s.Stored++
	case http.StatusAccepted:
		s.Buffered++
	default:
		s.Failed++
	}
}

func (s *PerfStats) report() Report {
	sort.Slice(s.ResponseTimes, func(i, j int) bool { return s.ResponseTimes[i] < s.ResponseTimes[j] })

	r := Report{
		Requests:    s.Total,
		Stored:      s.Stored,
		Buffered:    s.Buffered,
		Failed:      s.Failed,
		StatusCodes: s.StatusCodes,
		P50:         percentile(s.ResponseTimes, 50),
		P95:         percentile(s.ResponseTimes, 95),
		P99:         percentile(s.ResponseTimes, 99),
	}
	if n := len(s.ResponseTimes); n > 0 {
		r.Max = s.ResponseTimes[n-1]
	}
	if elapsed := s.EndTime.Sub(s.StartTime).Seconds(); elapsed > 0 {
		r.RequestsPerSec = float64(s.Total) / elapsed
	}
	return r
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// printResults displays the report as an aligned table
func printResults(w io.Writer, r Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "\nMETRIC\tVALUE\n")
	fmt.Fprintf(tw, "Requests\t%d\n", r.Requests)
	fmt.Fprintf(tw, "Stored\t%d\n", r.Stored)
	fmt.Fprintf(tw, "Buffered\t%d\n", r.Buffered)
	fmt.Fprintf(tw, "Failed\t%d\n", r.Failed)
	fmt.Fprintf(tw, "Requests/sec\t%.2f\n", r.RequestsPerSec)
	fmt.Fprintf(tw, "p50\t%v\n", r.P50.Round(time.Microsecond))
	fmt.Fprintf(tw, "p95\t%v\n", r.P95.Round(time.Microsecond))
	fmt.Fprintf(tw, "p99\t%v\n", r.P99.Round(time.Microsecond))
	fmt.Fprintf(tw, "max\t%v\n", r.Max.Round(time.Microsecond))

	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(tw, "HTTP %d\t%d\n", code, r.StatusCodes[code])
	}
	_ = tw.Flush()
}

func exportResults(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
