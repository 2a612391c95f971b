package collector

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/feed"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/rawstore"
	"github.com/sightline/sightline/pkg/types"
)

// transparent 1x1 GIF served by the pixel endpoint.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// eventPayload mirrors the tracking script's wire format.
type eventPayload struct {
	EventID     string                 `json:"eventId"`
	SiteID      string                 `json:"siteId"`
	SessionID   string                 `json:"sessionId"`
	VisitorID   string                 `json:"visitorId"`
	EventType   string                 `json:"eventType"`
	Timestamp   int64                  `json:"timestamp"`
	URL         string                 `json:"url"`
	Path        string                 `json:"path"`
	Browser     *browserPayload        `json:"browser"`
	Page        *pagePayload           `json:"page"`
	Attribution *attributionPayload    `json:"attribution"`
	Data        map[string]interface{} `json:"data"`
}

type browserPayload struct {
	ScreenWidth      int     `json:"screenWidth"`
	ScreenHeight     int     `json:"screenHeight"`
	ViewportWidth    int     `json:"viewportWidth"`
	ViewportHeight   int     `json:"viewportHeight"`
	Timezone         string  `json:"timezone"`
	Language         string  `json:"language"`
	DevicePixelRatio float64 `json:"devicePixelRatio"`
}

type pagePayload struct {
	Title    string `json:"title"`
	Referrer string `json:"referrer"`
}

type attributionPayload struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Campaign string `json:"campaign"`
	Category string `json:"category"`
}

// CollectResponse acknowledges accepted events.
type CollectResponse struct {
	Accepted  int    `json:"accepted"`
	RequestID string `json:"request_id"`
}

// Collector accepts raw events over HTTP, stores them durably, and publishes
// insert change records for the enrichment pipeline.
type Collector struct {
	store     *rawstore.Store
	publisher feed.Publisher
	cfg       config.CollectorConfig
	retention time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics

	now func() time.Time
}

// New creates a collector.
func New(store *rawstore.Store, publisher feed.Publisher, cfg config.CollectorConfig,
	retentionDays int, logger *zap.Logger, m *metrics.Metrics) *Collector {
	return &Collector{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Routes returns the collector's HTTP handler with the default middleware.
func (c *Collector) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/collect", c.handleCollect)
	mux.HandleFunc("/v1/pixel.gif", c.handlePixel)
	return DefaultMiddleware()(mux)
}

// Server returns an http.Server for the collector routes.
func (c *Collector) Server() *http.Server {
	return &http.Server{
		Addr:         c.cfg.Addr,
		Handler:      c.Routes(),
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
	}
}

// handleCollect handles POST /v1/collect: one event, or a batch envelope
// with an "events" array.
func (c *Collector) handleCollect(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}

	var envelope struct {
		Events []eventPayload `json:"events"`
	}
	var payloads []eventPayload
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Events) > 0 {
		payloads = envelope.Events
	} else {
		var single eventPayload
		if err := json.Unmarshal(body, &single); err != nil {
			writeError(w, http.StatusBadRequest, "invalid event payload", requestID)
			return
		}
		payloads = []eventPayload{single}
	}

	accepted := 0
	for i := range payloads {
		ev, err := c.buildEvent(&payloads[i], r)
		if err != "" {
			writeError(w, http.StatusBadRequest, err, requestID)
			return
		}
		if !c.accept(r, ev) {
			writeError(w, http.StatusInternalServerError, "failed to store event", requestID)
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusOK, CollectResponse{Accepted: accepted, RequestID: requestID})
}

// handlePixel handles GET /v1/pixel.gif, decoding the event from query
// parameters. It always serves the pixel; collection trouble is logged, not
// surfaced to the client.
func (c *Collector) handlePixel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	payload := &eventPayload{
		SiteID:    q.Get("sid"),
		VisitorID: q.Get("vid"),
		SessionID: q.Get("sess"),
		EventType: q.Get("type"),
		URL:       q.Get("url"),
		Path:      q.Get("path"),
	}
	if payload.EventType == "" {
		payload.EventType = "pageview"
	}
	if payload.SessionID == "" {
		// Script-less clients carry no session; derive one per visitor-hour.
		payload.SessionID = payload.VisitorID + "-" + c.now().UTC().Format("2006010215")
	}
	if ref := q.Get("ref"); ref != "" {
		payload.Page = &pagePayload{Referrer: ref}
	}
	if src := q.Get("source"); src != "" {
		payload.Attribution = &attributionPayload{
			Source:   src,
			Medium:   q.Get("medium"),
			Campaign: q.Get("campaign"),
		}
	}

	if ev, errMsg := c.buildEvent(payload, r); errMsg == "" {
		c.accept(r, ev)
	} else {
		c.logger.Debug("pixel request rejected", zap.String("reason", errMsg))
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

// buildEvent validates a payload and fills in server-side fields. The string
// return is the rejection reason, empty on success.
func (c *Collector) buildEvent(p *eventPayload, r *http.Request) (*types.RawEvent, string) {
	if p.SiteID == "" {
		return nil, "siteId is required"
	}
	if p.SessionID == "" {
		return nil, "sessionId is required"
	}

	ev := &types.RawEvent{
		EventID:   p.EventID,
		SiteID:    p.SiteID,
		SessionID: p.SessionID,
		VisitorID: p.VisitorID,
		EventType: p.EventType,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Timestamp: p.Timestamp,
		URL:       p.URL,
		Path:      p.Path,
		Data:      p.Data,
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.EventType == "" {
		ev.EventType = "pageview"
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = c.now().UnixMilli()
	}
	if p.Browser != nil {
		ev.Browser = types.BrowserSignals{
			ScreenWidth:      p.Browser.ScreenWidth,
			ScreenHeight:     p.Browser.ScreenHeight,
			ViewportWidth:    p.Browser.ViewportWidth,
			ViewportHeight:   p.Browser.ViewportHeight,
			Timezone:         p.Browser.Timezone,
			Language:         p.Browser.Language,
			DevicePixelRatio: p.Browser.DevicePixelRatio,
		}
	}
	if p.Page != nil {
		ev.Page = types.PageInfo{Title: p.Page.Title, Referrer: p.Page.Referrer}
	}
	if p.Attribution != nil {
		ev.Attribution = &types.Attribution{
			Source:   p.Attribution.Source,
			Medium:   p.Attribution.Medium,
			Campaign: p.Attribution.Campaign,
			Category: p.Attribution.Category,
		}
	}
	return ev, ""
}

// accept stores the event and publishes its change record. Publishing is
// best-effort: the event is durable once stored, and the archiver path will
// still see it even if the feed is down.
func (c *Collector) accept(r *http.Request, ev *types.RawEvent) bool {
	ctx := r.Context()

	if err := c.store.Insert(ctx, ev, c.retention); err != nil {
		c.logger.Error("failed to store raw event",
			zap.String("site_id", ev.SiteID),
			zap.Error(err))
		return false
	}
	if err := c.store.TrackEngagement(ctx, ev, c.retention); err != nil {
		c.logger.Warn("failed to track engagement",
			zap.String("site_id", ev.SiteID),
			zap.Error(err))
	}

	key := rawstore.DomainSession(ev.SiteID, ev.SessionID)
	if err := c.publisher.PublishInsert(ctx, key, changeImage(ev)); err != nil {
		c.logger.Error("failed to publish change record",
			zap.String("site_id", ev.SiteID),
			zap.Error(err))
	}

	c.metrics.EventsCollected.Inc()
	return true
}

// changeImage renders the event as a change-record image in the wire shape
// the enrichment decoder expects.
func changeImage(ev *types.RawEvent) map[string]feed.Value {
	img := map[string]feed.Value{
		"eventId":   feed.StringValue(ev.EventID),
		"siteId":    feed.StringValue(ev.SiteID),
		"sessionId": feed.StringValue(ev.SessionID),
		"eventType": feed.StringValue(ev.EventType),
		"ip":        feed.StringValue(ev.IP),
		"userAgent": feed.StringValue(ev.UserAgent),
		"timestamp": feed.NumberValue(ev.Timestamp),
	}
	if ev.VisitorID != "" {
		img["visitorId"] = feed.StringValue(ev.VisitorID)
	}
	if ev.URL != "" {
		img["url"] = feed.StringValue(ev.URL)
	}
	if ev.Path != "" {
		img["path"] = feed.StringValue(ev.Path)
	}

	browser := map[string]feed.Value{}
	if ev.Browser.ScreenWidth != 0 {
		browser["screenWidth"] = feed.NumberValue(int64(ev.Browser.ScreenWidth))
	}
	if ev.Browser.ScreenHeight != 0 {
		browser["screenHeight"] = feed.NumberValue(int64(ev.Browser.ScreenHeight))
	}
	if ev.Browser.ViewportWidth != 0 {
		browser["viewportWidth"] = feed.NumberValue(int64(ev.Browser.ViewportWidth))
	}
	if ev.Browser.ViewportHeight != 0 {
		browser["viewportHeight"] = feed.NumberValue(int64(ev.Browser.ViewportHeight))
	}
	if ev.Browser.Timezone != "" {
		browser["timezone"] = feed.StringValue(ev.Browser.Timezone)
	}
	if ev.Browser.Language != "" {
		browser["language"] = feed.StringValue(ev.Browser.Language)
	}
	if ev.Browser.DevicePixelRatio != 0 {
		browser["devicePixelRatio"] = feed.FloatValue(ev.Browser.DevicePixelRatio)
	}
	if len(browser) > 0 {
		img["browser"] = feed.Value{M: browser}
	}

	if ev.Page.Title != "" || ev.Page.Referrer != "" {
		img["page"] = feed.Value{M: map[string]feed.Value{
			"title":    feed.StringValue(ev.Page.Title),
			"referrer": feed.StringValue(ev.Page.Referrer),
		}}
	}
	if ev.Attribution != nil {
		img["attribution"] = feed.Value{M: map[string]feed.Value{
			"source":   feed.StringValue(ev.Attribution.Source),
			"medium":   feed.StringValue(ev.Attribution.Medium),
			"campaign": feed.StringValue(ev.Attribution.Campaign),
			"category": feed.StringValue(ev.Attribution.Category),
		}}
	}
	if len(ev.Data) > 0 {
		img["data"] = feed.FromNative(ev.Data)
	}
	return img
}
