package v1

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"

	"sitepulse/internal/events"
)

// clientIPs collects the proxy headers the normalizer picks the client address from.
// The address itself is never logged.
func clientIPs(c *fiber.Ctx) events.ClientIPs {
	return events.ClientIPs{
		ForwardedFor: strings.TrimSpace(c.Get(fiber.HeaderXForwardedFor)),
		RealIP:       strings.TrimSpace(c.Get("X-Real-IP")),
	}
}

// userAgent prefers the header set by server-side proxies that forward beacons.
func userAgent(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-User-Agent"); forwarded != "" {
		return forwarded
	}
	return c.Get(fiber.HeaderUserAgent)
}

// generateETag creates a strong ETag from content using SHA-256
func generateETag(content []byte) string {
	hash := sha256.Sum256(content)
	return `"` + hex.EncodeToString(hash[:]) + `"`
}
