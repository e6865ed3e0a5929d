package events

// Defaults and closed value sets for canonical events
const (
	PageviewEvent = "pageview"
	DefaultPath   = "/"
	UnknownIP     = "unknown"

	DeviceMobile  = "Mobile"
	DeviceDesktop = "Desktop"

	BrowserChrome  = "Chrome"
	BrowserFirefox = "Firefox"
	BrowserSafari  = "Safari"
	BrowserEdge    = "Edge"
	BrowserOther   = "Other"
)
