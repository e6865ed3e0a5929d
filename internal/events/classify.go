package events

import (
	"strings"

	"github.com/mileusna/useragent"
)

var mobileKeywords = []string{"mobile", "android", "iphone", "ipad"}

// Browser tokens in match order. Chrome user agents also carry "Safari",
// so Chrome is checked first.
var browserTokens = []string{BrowserChrome, BrowserFirefox, BrowserSafari, BrowserEdge}

// ClassifyDevice returns Mobile when the user agent mentions a mobile keyword, Desktop otherwise.
func ClassifyDevice(userAgent string) string {
	lower := strings.ToLower(userAgent)
	for _, keyword := range mobileKeywords {
		if strings.Contains(lower, keyword) {
			return DeviceMobile
		}
	}
	return DeviceDesktop
}

// ClassifyBrowser returns the first browser token found in the user agent.
func ClassifyBrowser(userAgent string) string {
	for _, token := range browserTokens {
		if strings.Contains(userAgent, token) {
			return token
		}
	}
	return BrowserOther
}

// IsBot reports whether the user agent belongs to a crawler or monitoring tool.
func IsBot(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	return useragent.Parse(userAgent).Bot
}
