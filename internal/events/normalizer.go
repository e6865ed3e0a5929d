package events

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"sitepulse/internal/pkg/geoip"
	"sitepulse/internal/visitors"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Normalizer turns raw beacons into canonical events. It performs no I/O
// other than calling the country resolver.
type Normalizer struct {
	resolver geoip.CountryResolver
	identity *visitors.Identity
}

func NewNormalizer(resolver geoip.CountryResolver, identity *visitors.Identity) *Normalizer {
	if resolver == nil {
		resolver = geoip.UnknownResolver{}
	}
	return &Normalizer{resolver: resolver, identity: identity}
}

// Normalize validates the beacon, fills defaults and derives the privacy-safe
// fields. The selected client IP is used for the country lookup and the
// visitor hash only.
func (n *Normalizer) Normalize(raw RawBeacon, userAgent string, ips ClientIPs, now time.Time) (Event, error) {
	projectID := strings.TrimSpace(raw.ProjectID)
	if projectID == "" {
		return Event{}, &ValidationError{Field: "project_id", Message: "is required"}
	}

	timestamp, err := parseTimestamp(raw.Timestamp, now)
	if err != nil {
		return Event{}, err
	}

	path := strings.TrimSpace(raw.Path)
	if path == "" {
		path = DefaultPath
	}

	name := strings.TrimSpace(raw.Event)
	if name == "" {
		name = PageviewEvent
	}

	ip := SelectClientIP(ips)
	country := n.resolver.LookupCountry(ip)
	if country == "" {
		country = geoip.UnknownCountry
	}

	return Event{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Timestamp:    timestamp,
		Path:         path,
		Referrer:     raw.Referrer,
		ReferrerHost: ReferrerHost(raw.Referrer),
		Country:      country,
		Device:       ClassifyDevice(userAgent),
		Browser:      ClassifyBrowser(userAgent),
		Name:         name,
		Properties:   raw.Properties,
		VisitorID:    n.identity.VisitorID(projectID, ip, userAgent, timestamp),
	}, nil
}

// parseTimestamp returns now when the value is absent and rejects values
// that are present but unparseable. The result is UTC at second precision.
func parseTimestamp(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return now.UTC().Truncate(time.Second), nil
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC().Truncate(time.Second), nil
		}
	}

	return time.Time{}, &ValidationError{Field: "timestamp", Message: "must be an ISO8601 date-time"}
}
