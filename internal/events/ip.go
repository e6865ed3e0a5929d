package events

import "strings"

// SelectClientIP picks the first X-Forwarded-For entry, then X-Real-IP,
// then the UnknownIP sentinel.
func SelectClientIP(ips ClientIPs) string {
	if ips.ForwardedFor != "" {
		first, _, _ := strings.Cut(ips.ForwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(ips.RealIP); realIP != "" {
		return realIP
	}
	return UnknownIP
}
