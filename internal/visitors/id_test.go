package visitors_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sitepulse/internal/visitors"
)

func TestIdentityVisitorID(t *testing.T) {
	identity := visitors.NewIdentity("test-salt")
	project := "proj_demo"
	ipAddress := "203.0.113.7"
	userAgent := "Mozilla/5.0"
	morning := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

	t.Run("same inputs on the same day give the same id", func(t *testing.T) {
		id1 := identity.VisitorID(project, ipAddress, userAgent, morning)
		id2 := identity.VisitorID(project, ipAddress, userAgent, morning.Add(10*time.Hour))

		assert.Equal(t, id1, id2)
		assert.Len(t, id1, 64)
	})

	t.Run("id does not contain the ip", func(t *testing.T) {
		id := identity.VisitorID(project, ipAddress, userAgent, morning)
		assert.NotContains(t, id, ipAddress)
	})

	t.Run("rotates at the UTC day boundary", func(t *testing.T) {
		id1 := identity.VisitorID(project, ipAddress, userAgent, morning)
		id2 := identity.VisitorID(project, ipAddress, userAgent, morning.AddDate(0, 0, 1))

		assert.NotEqual(t, id1, id2)
	})

	t.Run("differs per project, ip, user agent and salt", func(t *testing.T) {
		base := identity.VisitorID(project, ipAddress, userAgent, morning)

		assert.NotEqual(t, base, identity.VisitorID("proj_other", ipAddress, userAgent, morning))
		assert.NotEqual(t, base, identity.VisitorID(project, "203.0.113.8", userAgent, morning))
		assert.NotEqual(t, base, identity.VisitorID(project, ipAddress, "curl/8.0", morning))
		assert.NotEqual(t, base, visitors.NewIdentity("other-salt").VisitorID(project, ipAddress, userAgent, morning))
	})

	t.Run("field boundaries are unambiguous", func(t *testing.T) {
		a := identity.VisitorID("ab", "c", userAgent, morning)
		b := identity.VisitorID("a", "bc", userAgent, morning)

		assert.NotEqual(t, a, b)
	})
}
