// Package types provides the core data types for the Sightline pipeline.
package types

// RawEvent is one behavioral event as decoded from the change feed.
// It is immutable once decoded; ownership stays with the stream consumer
// for the duration of a single pipeline pass.
type RawEvent struct {
	// EventID uniquely identifies the event (collector-generated UUID).
	EventID string `json:"event_id"`

	// SiteID identifies the site the event was collected on.
	SiteID string `json:"site_id"`

	// SessionID is the client-generated session identifier.
	SessionID string `json:"session_id"`

	// VisitorID is the client-generated visitor identifier. It is not
	// authoritative; identity resolution derives its own stable id.
	VisitorID string `json:"visitor_id"`

	// EventType categorizes the event (pageview, page_exit, form_submit, batch).
	EventType string `json:"event_type"`

	// IP is the client IP address as seen by the collector.
	IP string `json:"ip"`

	// UserAgent is the raw user-agent string.
	UserAgent string `json:"user_agent"`

	// Timestamp is the event time in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	// URL and Path locate the page the event occurred on.
	URL  string `json:"url"`
	Path string `json:"path"`

	// Browser carries the client-side device signals used for fingerprinting.
	Browser BrowserSignals `json:"browser"`

	// Page carries page-level metadata.
	Page PageInfo `json:"page"`

	// Attribution carries the traffic-source attribution block, if present.
	Attribution *Attribution `json:"attribution,omitempty"`

	// Data is the full original payload for downstream analysis.
	Data map[string]interface{} `json:"data,omitempty"`
}

// BrowserSignals holds the client-side device signals used to derive a
// device fingerprint. Zero values are tolerated everywhere.
type BrowserSignals struct {
	ScreenWidth      int     `json:"screen_width"`
	ScreenHeight     int     `json:"screen_height"`
	ViewportWidth    int     `json:"viewport_width"`
	ViewportHeight   int     `json:"viewport_height"`
	Timezone         string  `json:"timezone"`
	Language         string  `json:"language"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
}

// PageInfo holds page-level metadata attached to pageview events.
type PageInfo struct {
	Title    string `json:"title"`
	Referrer string `json:"referrer"`
}

// Attribution is the traffic-source attribution block produced by the
// collection script.
type Attribution struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Campaign string `json:"campaign"`
	Category string `json:"category"`
}

// IdentityBlock is the resolved-identity section of an enriched event.
type IdentityBlock struct {
	IdentityID      string  `json:"identity_id"`
	HouseholdID     string  `json:"household_id"`
	Fingerprint     string  `json:"fingerprint"`
	SessionSequence int     `json:"session_sequence"`
	IsNewVisitor    bool    `json:"is_new_visitor"`
	TotalSessions   int     `json:"total_sessions"`
	Confidence      float64 `json:"confidence"`
}

// NormalizedBlock is the canonical-category section of an enriched event.
type NormalizedBlock struct {
	DeviceCategory string `json:"device_category"`
	BrowserFamily  string `json:"browser_family"`
	OSFamily       string `json:"os_family"`
	PageCategory   string `json:"page_category"`
	TrafficSource  string `json:"traffic_source"`
	IsMobile       bool   `json:"is_mobile"`
	Domain         string `json:"domain"`
	PathDepth      int    `json:"path_depth"`
}

// EnrichmentMeta records when and by what logic version an event was enriched.
type EnrichmentMeta struct {
	ProcessedAt string `json:"processed_at"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

// EnrichedEvent is a RawEvent plus its identity, normalization, and
// enrichment-metadata blocks. Immutable once produced; ownership transfers
// to the batch writer and then to object storage.
type EnrichedEvent struct {
	RawEvent

	Identity   IdentityBlock   `json:"identity"`
	Normalized NormalizedBlock `json:"normalized"`
	Meta       EnrichmentMeta  `json:"enrichment"`
}
