package events_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/internal/events"
	"sitepulse/internal/pkg/geoip"
	"sitepulse/internal/visitors"
)

type recordingResolver struct {
	seen []string
}

func (r *recordingResolver) LookupCountry(ip string) string {
	r.seen = append(r.seen, ip)
	if ip == "203.0.113.1" {
		return "DE"
	}
	return geoip.UnknownCountry
}

func TestNormalize(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 30, 45, 987654321, time.UTC)
	identity := visitors.NewIdentity("test-salt")

	t.Run("fills defaults", func(t *testing.T) {
		n := events.NewNormalizer(&recordingResolver{}, identity)

		event, err := n.Normalize(events.RawBeacon{ProjectID: "proj_demo"}, uaChromeMac, events.ClientIPs{}, now)
		require.NoError(t, err)

		assert.NotEmpty(t, event.ID)
		assert.Equal(t, "proj_demo", event.ProjectID)
		assert.Equal(t, "/", event.Path)
		assert.Equal(t, "", event.Referrer)
		assert.Equal(t, "", event.ReferrerHost)
		assert.Equal(t, events.PageviewEvent, event.Name)
		assert.True(t, event.IsPageview())
		assert.Equal(t, time.Date(2024, 3, 15, 12, 30, 45, 0, time.UTC), event.Timestamp)
		assert.Equal(t, events.DeviceDesktop, event.Device)
		assert.Equal(t, events.BrowserChrome, event.Browser)
		assert.Equal(t, geoip.UnknownCountry, event.Country)
		assert.Len(t, event.VisitorID, 64)
	})

	t.Run("missing project id is a validation error", func(t *testing.T) {
		n := events.NewNormalizer(nil, identity)

		for _, projectID := range []string{"", "   "} {
			_, err := n.Normalize(events.RawBeacon{ProjectID: projectID}, uaChromeMac, events.ClientIPs{}, now)

			var validationErr *events.ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, "project_id", validationErr.Field)
		}
	})

	t.Run("uses client timestamp in UTC", func(t *testing.T) {
		n := events.NewNormalizer(nil, identity)

		event, err := n.Normalize(events.RawBeacon{
			ProjectID: "proj_demo",
			Timestamp: "2024-03-14T23:15:10.500+02:00",
		}, uaChromeMac, events.ClientIPs{}, now)
		require.NoError(t, err)

		assert.Equal(t, time.Date(2024, 3, 14, 21, 15, 10, 0, time.UTC), event.Timestamp)
	})

	t.Run("rejects malformed timestamp", func(t *testing.T) {
		n := events.NewNormalizer(nil, identity)

		_, err := n.Normalize(events.RawBeacon{ProjectID: "proj_demo", Timestamp: "yesterday-ish"}, uaChromeMac, events.ClientIPs{}, now)

		var validationErr *events.ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "timestamp", validationErr.Field)
	})

	t.Run("derives privacy safe fields from the selected ip", func(t *testing.T) {
		resolver := &recordingResolver{}
		n := events.NewNormalizer(resolver, identity)

		event, err := n.Normalize(events.RawBeacon{
			ProjectID:  "proj_demo",
			Event:      "signup",
			Path:       "/pricing",
			Referrer:   "https://www.google.com/search",
			Properties: map[string]any{"plan": "pro"},
		}, uaSafariIPhone, events.ClientIPs{ForwardedFor: "203.0.113.1, 10.0.0.1"}, now)
		require.NoError(t, err)

		assert.Equal(t, []string{"203.0.113.1"}, resolver.seen)
		assert.Equal(t, "DE", event.Country)
		assert.Equal(t, "google.com", event.ReferrerHost)
		assert.Equal(t, "https://www.google.com/search", event.Referrer)
		assert.Equal(t, "signup", event.Name)
		assert.False(t, event.IsPageview())
		assert.Equal(t, "pro", event.Properties["plan"])
		assert.Equal(t, events.DeviceMobile, event.Device)
		assert.Equal(t, events.BrowserSafari, event.Browser)
		assert.Equal(t, identity.VisitorID("proj_demo", "203.0.113.1", uaSafariIPhone, now), event.VisitorID)
		assert.NotContains(t, event.VisitorID, "203.0.113.1")
	})

	t.Run("different visitors get different ids", func(t *testing.T) {
		n := events.NewNormalizer(nil, identity)
		raw := events.RawBeacon{ProjectID: "proj_demo"}

		a, err := n.Normalize(raw, uaChromeMac, events.ClientIPs{RealIP: "198.51.100.1"}, now)
		require.NoError(t, err)
		b, err := n.Normalize(raw, uaFirefoxLinux, events.ClientIPs{RealIP: "198.51.100.2"}, now)
		require.NoError(t, err)

		assert.NotEqual(t, a.VisitorID, b.VisitorID)
		assert.NotEqual(t, a.ID, b.ID)
	})
}
