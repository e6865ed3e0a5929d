package events

import "time"

// Event is the canonical, immutable record produced from a beacon.
// It never carries the client IP.
type Event struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Path         string         `json:"path"`
	Referrer     string         `json:"referrer"`
	ReferrerHost string         `json:"referrer_host"`
	Country      string         `json:"country"`
	Device       string         `json:"device"`
	Browser      string         `json:"browser"`
	Name         string         `json:"event"`
	Properties   map[string]any `json:"properties,omitempty"`
	VisitorID    string         `json:"visitor_id"`
}

// IsPageview reports whether the event is the default pageview event.
func (e Event) IsPageview() bool {
	return e.Name == PageviewEvent
}

// RawBeacon is the untrusted JSON body posted by the tracking snippet.
type RawBeacon struct {
	ProjectID  string         `json:"project_id"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Path       string         `json:"path"`
	Referrer   string         `json:"referrer"`
	Timestamp  string         `json:"timestamp"`
}

// ClientIPs carries the raw proxy headers used to pick the client address.
type ClientIPs struct {
	ForwardedFor string
	RealIP       string
}
