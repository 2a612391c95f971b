package enrich

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/batch"
	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/feed"
	"github.com/sightline/sightline/internal/identity"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/session"
	"github.com/sightline/sightline/internal/storage"
	"github.com/sightline/sightline/pkg/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, *storage.LocalStorage) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	m := metrics.New()

	identityStore, err := identity.NewStore(filepath.Join(dir, "identities.db"))
	if err != nil {
		t.Fatalf("identity.NewStore failed: %v", err)
	}
	t.Cleanup(func() { identityStore.Close() })

	sessionStore, err := session.NewStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("session.NewStore failed: %v", err)
	}
	t.Cleanup(func() { sessionStore.Close() })

	store, err := storage.NewLocalStorage(filepath.Join(dir, "storage"))
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}

	resolver := identity.NewResolver(identityStore, config.IdentityConfig{
		RetentionDays:      180,
		HouseholdScanLimit: 10,
	}, logger, m)
	tracker := session.NewTracker(sessionStore, config.SessionConfig{RetentionDays: 180}, logger, m)
	writer := batch.NewWriter(store, "2.0", "test", logger, m)

	return NewPipeline(resolver, tracker, writer, "2.0", "test", logger, m), store
}

func pageviewRecord(recordID, sessionID, ip, userAgent string, ts time.Time, screenWidth int64) feed.ChangeRecord {
	return feed.ChangeRecord{
		RecordID:           recordID,
		EventName:          feed.OpInsert,
		ApproximateArrival: ts.UnixMilli(),
		NewImage: map[string]feed.Value{
			"eventId":   feed.StringValue("evt-" + recordID),
			"siteId":    feed.StringValue("example.com"),
			"sessionId": feed.StringValue(sessionID),
			"eventType": feed.StringValue("pageview"),
			"ip":        feed.StringValue(ip),
			"userAgent": feed.StringValue(userAgent),
			"timestamp": feed.NumberValue(ts.UnixMilli()),
			"url":       feed.StringValue("https://example.com/products/widget"),
			"path":      feed.StringValue("/products/widget"),
			"browser": {M: map[string]feed.Value{
				"screenWidth":  feed.NumberValue(screenWidth),
				"screenHeight": feed.NumberValue(1080),
				"timezone":     feed.StringValue("America/New_York"),
				"language":     feed.StringValue("en-US"),
			}},
		},
	}
}

func readEvents(t *testing.T, store *storage.LocalStorage) []types.EnrichedEvent {
	t.Helper()
	ctx := context.Background()

	keys, err := store.List(ctx, "enriched-events/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	var events []types.EnrichedEvent
	for _, key := range keys {
		body, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", key, err)
		}
		lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
		for _, line := range lines[1:] { // line 0 is the metadata header
			var ev types.EnrichedEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				t.Fatalf("bad event line in %s: %v", key, err)
			}
			events = append(events, ev)
		}
	}
	return events
}

const (
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"
	phoneUA   = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148 Safari/604.1"
)

func TestProcessBatchEnrichesHouseholdDevices(t *testing.T) {
	p, store := newTestPipeline(t)
	ts := time.Date(2026, 8, 28, 14, 10, 0, 0, time.UTC)

	// A laptop and a phone behind the same home router.
	records := []feed.ChangeRecord{
		pageviewRecord("r1", "sess-laptop", "203.0.113.40", desktopUA, ts, 1920),
		pageviewRecord("r2", "sess-phone", "203.0.113.41", phoneUA, ts.Add(time.Minute), 390),
	}

	if err := p.ProcessBatch(context.Background(), records); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	events := readEvents(t, store)
	if len(events) != 2 {
		t.Fatalf("got %d enriched events, want 2", len(events))
	}

	laptop, phone := events[0], events[1]
	if laptop.SessionID != "sess-laptop" {
		laptop, phone = phone, laptop
	}

	if laptop.Identity.IdentityID == phone.Identity.IdentityID {
		t.Error("different devices should get different identities")
	}
	if laptop.Identity.HouseholdID != phone.Identity.HouseholdID {
		t.Errorf("same /24 should share a household: %q vs %q",
			laptop.Identity.HouseholdID, phone.Identity.HouseholdID)
	}
	if !laptop.Identity.IsNewVisitor {
		t.Error("first device should be a new visitor")
	}
	if !phone.Identity.IsNewVisitor {
		t.Error("second device is a first sighting of its fingerprint and stays a new visitor")
	}

	// Both devices are first sightings, so both carry the new-visitor score;
	// the shared household does not upgrade the second one.
	if laptop.Identity.Confidence != 0.67 {
		t.Errorf("laptop confidence = %v, want 0.67", laptop.Identity.Confidence)
	}
	if phone.Identity.Confidence != 0.67 {
		t.Errorf("phone confidence = %v, want 0.67", phone.Identity.Confidence)
	}

	if laptop.Normalized.DeviceCategory != "desktop" {
		t.Errorf("laptop DeviceCategory = %q, want desktop", laptop.Normalized.DeviceCategory)
	}
	if phone.Normalized.DeviceCategory != "mobile" {
		t.Errorf("phone DeviceCategory = %q, want mobile", phone.Normalized.DeviceCategory)
	}
	if laptop.Normalized.PageCategory != "product" {
		t.Errorf("PageCategory = %q, want product", laptop.Normalized.PageCategory)
	}

	if laptop.Meta.Version != "2.0" || laptop.Meta.Environment != "test" {
		t.Errorf("Meta = %+v, want version 2.0 in test", laptop.Meta)
	}
	if _, err := time.Parse(time.RFC3339, laptop.Meta.ProcessedAt); err != nil {
		t.Errorf("ProcessedAt %q is not RFC3339: %v", laptop.Meta.ProcessedAt, err)
	}
}

func TestProcessBatchSecondSessionEstablishesIdentity(t *testing.T) {
	p, store := newTestPipeline(t)
	ts := time.Date(2026, 8, 28, 14, 10, 0, 0, time.UTC)

	// The same device returning for a second session shortly after the first.
	records := []feed.ChangeRecord{
		pageviewRecord("r1", "sess-1", "203.0.113.40", desktopUA, ts, 1920),
		pageviewRecord("r2", "sess-2", "203.0.113.40", desktopUA, ts.Add(2*time.Minute), 1920),
	}

	if err := p.ProcessBatch(context.Background(), records); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	events := readEvents(t, store)
	if len(events) != 2 {
		t.Fatalf("got %d enriched events, want 2", len(events))
	}

	first, second := events[0], events[1]
	if first.SessionID != "sess-1" {
		first, second = second, first
	}

	if first.Identity.IdentityID != second.Identity.IdentityID {
		t.Errorf("same device should keep its identity: %q vs %q",
			first.Identity.IdentityID, second.Identity.IdentityID)
	}
	if !first.Identity.IsNewVisitor {
		t.Error("first sighting should be a new visitor")
	}
	if second.Identity.IsNewVisitor {
		t.Error("re-sighted device should not be a new visitor")
	}
	if first.Identity.Confidence != 0.67 {
		t.Errorf("first-sighting confidence = %v, want 0.67", first.Identity.Confidence)
	}
	if second.Identity.Confidence != 0.79 {
		t.Errorf("established confidence = %v, want 0.79", second.Identity.Confidence)
	}
	if second.Identity.SessionSequence != 2 {
		t.Errorf("second session: SessionSequence = %d, want 2", second.Identity.SessionSequence)
	}
	if second.Identity.TotalSessions != 2 {
		t.Errorf("second session: TotalSessions = %d, want 2", second.Identity.TotalSessions)
	}
}

func TestProcessBatchRedeliveryIsIdempotent(t *testing.T) {
	p, store := newTestPipeline(t)
	ts := time.Date(2026, 8, 28, 14, 10, 0, 0, time.UTC)
	rec := pageviewRecord("r1", "sess-1", "203.0.113.40", desktopUA, ts, 1920)

	if err := p.ProcessBatch(context.Background(), []feed.ChangeRecord{rec}); err != nil {
		t.Fatalf("first ProcessBatch failed: %v", err)
	}
	if err := p.ProcessBatch(context.Background(), []feed.ChangeRecord{rec}); err != nil {
		t.Fatalf("redelivered ProcessBatch failed: %v", err)
	}

	events := readEvents(t, store)
	if len(events) != 2 {
		t.Fatalf("got %d event copies, want 2", len(events))
	}

	// Redelivery may duplicate the event in storage, but its identity and
	// session sequence must not drift.
	if events[0].Identity.IdentityID != events[1].Identity.IdentityID {
		t.Errorf("identity drifted on redelivery: %q vs %q",
			events[0].Identity.IdentityID, events[1].Identity.IdentityID)
	}
	if events[0].Identity.SessionSequence != 1 || events[1].Identity.SessionSequence != 1 {
		t.Errorf("session sequence drifted on redelivery: %d vs %d",
			events[0].Identity.SessionSequence, events[1].Identity.SessionSequence)
	}
}

func TestProcessBatchSkipsAndDrops(t *testing.T) {
	p, store := newTestPipeline(t)
	ts := time.Date(2026, 8, 28, 14, 10, 0, 0, time.UTC)

	records := []feed.ChangeRecord{
		// Not an insert: skipped without error.
		{RecordID: "r1", EventName: feed.OpModify, NewImage: map[string]feed.Value{
			"siteId":    feed.StringValue("example.com"),
			"sessionId": feed.StringValue("sess-1"),
			"timestamp": feed.NumberValue(ts.UnixMilli()),
		}},
		// Insert with no usable image: dropped without error.
		{RecordID: "r2", EventName: feed.OpInsert},
		// Healthy insert.
		pageviewRecord("r3", "sess-1", "203.0.113.40", desktopUA, ts, 1920),
	}

	if err := p.ProcessBatch(context.Background(), records); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	events := readEvents(t, store)
	if len(events) != 1 {
		t.Fatalf("got %d enriched events, want 1", len(events))
	}
	if events[0].SessionID != "sess-1" {
		t.Errorf("surviving event SessionID = %q, want sess-1", events[0].SessionID)
	}
}

func TestProcessBatchEmptyBatch(t *testing.T) {
	p, store := newTestPipeline(t)

	if err := p.ProcessBatch(context.Background(), nil); err != nil {
		t.Fatalf("ProcessBatch of empty batch failed: %v", err)
	}

	keys, err := store.List(context.Background(), "enriched-events/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("empty batch should write nothing, got %v", keys)
	}
}
