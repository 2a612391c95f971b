package rawstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sightline/sightline/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "rawevents.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEvent(siteID, sessionID, eventType string, ts time.Time) *types.RawEvent {
	return &types.RawEvent{
		EventID:   "evt-" + sessionID + "-" + ts.Format("150405.000"),
		SiteID:    siteID,
		SessionID: sessionID,
		EventType: eventType,
		Timestamp: ts.UnixMilli(),
		Path:      "/products/widget",
	}
}

func TestInsertAndRangeScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hour := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)

	events := []*types.RawEvent{
		testEvent("example.com", "sess-1", "pageview", hour.Add(5*time.Minute)),
		testEvent("example.com", "sess-2", "pageview", hour.Add(30*time.Minute)),
		testEvent("other.org", "sess-3", "pageview", hour.Add(10*time.Minute)),
		// Outside the scanned hour.
		testEvent("example.com", "sess-1", "pageview", hour.Add(90*time.Minute)),
	}
	for _, ev := range events {
		if err := store.Insert(ctx, ev, 48*time.Hour); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	bySite, err := store.EventsInRange(ctx, hour, hour.Add(time.Hour))
	if err != nil {
		t.Fatalf("EventsInRange failed: %v", err)
	}

	if len(bySite["example.com"]) != 2 {
		t.Errorf("example.com events = %d, want 2", len(bySite["example.com"]))
	}
	if len(bySite["other.org"]) != 1 {
		t.Errorf("other.org events = %d, want 1", len(bySite["other.org"]))
	}

	// Payloads round-trip through compression.
	var got types.RawEvent
	if err := json.Unmarshal(bySite["other.org"][0].Payload, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if got.SessionID != "sess-3" || got.Path != "/products/widget" {
		t.Errorf("payload round-trip = %+v", got)
	}
}

func TestInsertReplayIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hour := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)

	ev := testEvent("example.com", "sess-1", "pageview", hour)
	if err := store.Insert(ctx, ev, 48*time.Hour); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, ev, 48*time.Hour); err != nil {
		t.Fatalf("replayed Insert failed: %v", err)
	}

	bySite, err := store.EventsInRange(ctx, hour, hour.Add(time.Hour))
	if err != nil {
		t.Fatalf("EventsInRange failed: %v", err)
	}
	if len(bySite["example.com"]) != 1 {
		t.Errorf("replay stored %d events, want 1", len(bySite["example.com"]))
	}
}

func TestTrackEngagement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hour := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)

	first := testEvent("example.com", "sess-1", "pageview", hour)
	first.Data = map[string]interface{}{"scrollDepth": float64(40)}
	second := testEvent("example.com", "sess-1", "page_exit", hour.Add(2*time.Minute))
	second.Data = map[string]interface{}{"scrollDepth": float64(85)}

	for _, ev := range []*types.RawEvent{first, second} {
		if err := store.TrackEngagement(ctx, ev, 48*time.Hour); err != nil {
			t.Fatalf("TrackEngagement failed: %v", err)
		}
	}

	eng, err := store.GetEngagement(ctx, "example.com", "sess-1")
	if err != nil {
		t.Fatalf("GetEngagement failed: %v", err)
	}
	if eng == nil {
		t.Fatal("GetEngagement returned nil for a tracked session")
	}
	if eng.Pageviews != 1 {
		t.Errorf("Pageviews = %d, want 1", eng.Pageviews)
	}
	if eng.Events != 2 {
		t.Errorf("Events = %d, want 2", eng.Events)
	}
	if eng.MaxScrollDepth != 85 {
		t.Errorf("MaxScrollDepth = %d, want 85", eng.MaxScrollDepth)
	}
	if eng.FirstEventAt != first.Timestamp || eng.LastEventAt != second.Timestamp {
		t.Errorf("window = [%d, %d], want [%d, %d]",
			eng.FirstEventAt, eng.LastEventAt, first.Timestamp, second.Timestamp)
	}

	missing, err := store.GetEngagement(ctx, "example.com", "sess-none")
	if err != nil {
		t.Fatalf("GetEngagement failed: %v", err)
	}
	if missing != nil {
		t.Errorf("untracked session engagement = %+v, want nil", missing)
	}
}

func TestPurgeExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := testEvent("example.com", "sess-old", "pageview", now.Add(-72*time.Hour))
	fresh := testEvent("example.com", "sess-new", "pageview", now)
	for _, ev := range []*types.RawEvent{stale, fresh} {
		if err := store.Insert(ctx, ev, 48*time.Hour); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	purged, err := store.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d rows, want 1", purged)
	}

	bySite, err := store.EventsInRange(ctx, now.Add(-96*time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("EventsInRange failed: %v", err)
	}
	if len(bySite["example.com"]) != 1 {
		t.Errorf("surviving events = %d, want 1", len(bySite["example.com"]))
	}
}
