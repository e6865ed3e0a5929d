package events

import (
	"net/url"
	"strings"
)

var referrerHostPrefixes = []string{"www.", "m."}

// ReferrerHost reduces a referrer URL to its lowercased host without www./m.
// prefixes. Values without a recognizable host are returned trimmed and
// lowercased; an empty referrer stays empty.
func ReferrerHost(referrer string) string {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return ""
	}

	candidate := referrer
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}

	host := ""
	if u, err := url.Parse(candidate); err == nil {
		host = u.Hostname()
	}
	if host == "" {
		return strings.ToLower(referrer)
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, prefix := range referrerHostPrefixes {
		if strings.HasPrefix(host, prefix) && len(host) > len(prefix) {
			host = strings.TrimPrefix(host, prefix)
			break
		}
	}
	return host
}
