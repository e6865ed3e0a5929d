// Package seeder generates realistic synthetic traffic for local development
// and demos. Events take the same path as real beacons: they are normalized,
// then written through the ingestion sink so usage counters stay consistent.
package seeder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"time"

	"sitepulse/internal/events"
	"sitepulse/internal/ingest"
)

// Ingester accepts normalized events. *ingest.Sink satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, e events.Event) (ingest.Ack, error)
}

// Result summarizes one seeding run.
type Result struct {
	ProjectID    string `json:"project_id"`
	Sessions     int    `json:"sessions"`
	Pageviews    int    `json:"pageviews"`
	CustomEvents int    `json:"custom_events"`
	SkippedBots  int    `json:"skipped_bots"`
	Failed       int    `json:"failed"`
}

// Seeder handles the data seeding process.
type Seeder struct {
	Normalizer *events.Normalizer
	Sink       Ingester
	Logger     *slog.Logger
	EventCount int
	// Days spreads sessions over the trailing window ending now.
	Days int
	Now  func() time.Time
}

// NewSeeder creates a new seeder instance
func NewSeeder(normalizer *events.Normalizer, sink Ingester, logger *slog.Logger, eventCount int) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		Normalizer: normalizer,
		Sink:       sink,
		Logger:     logger,
		EventCount: eventCount,
		Days:       30,
		Now:        time.Now,
	}
}

var journeyTemplates = [][]string{
	{"/", "/about", "/contact"},
	{"/", "/features", "/pricing", "/signup"},
	{"/", "/blog", "/blog/article-1", "/signup"},
	{"/pricing", "/features", "/signup"},
	{"/", "/products", "/products/widget-a", "/products/gadget-b", "/pricing"},
	{"/", "/docs", "/docs/getting-started", "/docs/api-reference"},
	{"/", "/blog", "/blog/article-1", "/blog/article-2"},
	{"/", "/signup"},
	{"/", "/features", "/pricing", "/docs", "/signup"},
	{"/products", "/products/widget-a", "/pricing", "/signup"},
	{"/login", "/dashboard", "/settings"},
	{"/blog/article-1", "/about", "/pricing", "/signup"},
}

var customEvents = []struct {
	name       string
	properties map[string]any
}{
	{name: "newsletter_signup", properties: map[string]any{"source": "footer"}},
	{name: "purchase", properties: map[string]any{"price": 2999, "currency": "USD", "product": "premium_plan"}},
	{name: "demo_requested", properties: map[string]any{"plan": "enterprise"}},
	{name: "account_created", properties: map[string]any{"plan": "free", "source": "homepage"}},
	{name: "download_started", properties: map[string]any{"filename": "whitepaper.pdf"}},
	{name: "free_trial_started", properties: map[string]any{"plan": "pro", "duration": "14_days"}},
}

// SeedProject generates roughly EventCount pageviews for the project, grouped
// into visitor journeys, with a custom event closing one journey in five.
func (s *Seeder) SeedProject(ctx context.Context, projectID string) (Result, error) {
	start := time.Now()
	result := Result{ProjectID: projectID}
	if s.Normalizer == nil || s.Sink == nil {
		return result, fmt.Errorf("seeder: normalizer and sink are required")
	}

	s.Logger.Info("Seeding project...", slog.String("project_id", projectID), slog.Int("eventCount", s.EventCount))

	ipPool := generateIPPool(100)
	userAgents := getUserAgents()
	referrers := getReferrers()

	days := s.Days
	if days <= 0 {
		days = 1
	}
	now := s.Now().UTC()

	avgPagesPerSession := 4
	numSessions := s.EventCount / avgPagesPerSession
	if numSessions < 10 {
		numSessions = 10
	}

	for session := 0; session < numSessions; session++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		journey := journeyTemplates[rand.IntN(len(journeyTemplates))]
		ips := events.ClientIPs{ForwardedFor: ipPool[rand.IntN(len(ipPool))]}
		userAgent := userAgents[rand.IntN(len(userAgents))]
		referrer := referrers[rand.IntN(len(referrers))]

		if events.IsBot(userAgent) {
			result.SkippedBots += len(journey)
			continue
		}
		result.Sessions++

		baseTime := now.Add(-time.Duration(rand.IntN(days*24*60*60)) * time.Second)
		cumulativeTime := time.Duration(0)

		for pageIndex, path := range journey {
			if pageIndex > 0 {
				cumulativeTime += time.Duration(rand.IntN(110)+10) * time.Second
			}

			fullPath := path
			if pageIndex == 0 {
				fullPath = addUTMParams(path)
			}

			raw := events.RawBeacon{
				ProjectID: projectID,
				Path:      fullPath,
				Referrer:  referrer,
				Timestamp: clamp(baseTime.Add(cumulativeTime), now).Format(time.RFC3339),
			}
			if s.ingest(ctx, raw, userAgent, ips) {
				result.Pageviews++
			} else {
				result.Failed++
			}

			// Only the landing page carries the external referrer
			referrer = ""
		}

		if rand.Float64() < 0.2 {
			custom := customEvents[rand.IntN(len(customEvents))]
			raw := events.RawBeacon{
				ProjectID:  projectID,
				Event:      custom.name,
				Properties: custom.properties,
				Path:       journey[len(journey)-1],
				Timestamp:  clamp(baseTime.Add(time.Duration(len(journey))*time.Minute), now).Format(time.RFC3339),
			}
			if s.ingest(ctx, raw, userAgent, ips) {
				result.CustomEvents++
			} else {
				result.Failed++
			}
		}
	}

	s.Logger.Info("Project seeding completed",
		slog.String("project_id", projectID),
		slog.Int("sessions", result.Sessions),
		slog.Int("pageviews", result.Pageviews),
		slog.Int("customEvents", result.CustomEvents),
		slog.Duration("elapsed", time.Since(start)))
	return result, nil
}

func (s *Seeder) ingest(ctx context.Context, raw events.RawBeacon, userAgent string, ips events.ClientIPs) bool {
	e, err := s.Normalizer.Normalize(raw, userAgent, ips, s.Now())
	if err != nil {
		s.Logger.Error("Failed to normalize seeded event", slog.Any("error", err))
		return false
	}
	if _, err := s.Sink.Ingest(ctx, e); err != nil {
		s.Logger.Error("Failed to ingest seeded event", slog.Any("error", err))
		return false
	}
	return true
}

func clamp(t, limit time.Time) time.Time {
	if t.After(limit) {
		return limit
	}
	return t
}

// generateIPPool creates a pool of unique IPv4 addresses
func generateIPPool(count int) []string {
	seen := make(map[string]bool)
	var ips []string
	for len(ips) < count {
		ip := fmt.Sprintf("%d.%d.%d.%d", rand.IntN(223)+1, rand.IntN(256), rand.IntN(256), rand.IntN(254)+1)
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	return ips
}

// getUserAgents returns common user agent strings, crawlers included
func getUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
		"Googlebot/2.1 (+http://www.google.com/bot.html)",
		"curl/8.4.0",
	}
}

// getReferrers returns common referrers; the empty string is a direct visit
func getReferrers() []string {
	return []string{
		"",
		"https://www.google.com/",
		"https://www.bing.com/",
		"https://duckduckgo.com/",
		"https://news.ycombinator.com/item?id=1",
		"https://www.reddit.com/r/golang/",
		"https://twitter.com/",
		"https://github.com/",
		"https://some-other-website.com/blog/post",
	}
}

// addUTMParams adds campaign parameters to one landing page in five
func addUTMParams(path string) string {
	if rand.IntN(10) < 8 {
		return path
	}

	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	params := u.Query()

	utms := []struct {
		key   string
		value []string
	}{
		{"utm_source", []string{"google", "newsletter", "twitter", "linkedin"}},
		{"utm_medium", []string{"cpc", "social", "email", "referral"}},
		{"utm_campaign", []string{"spring_sale", "product_launch", "q4_promo"}},
	}
	for _, utm := range utms {
		params.Set(utm.key, utm.value[rand.IntN(len(utm.value))])
	}

	u.RawQuery = params.Encode()
	return u.String()
}
