package archiver

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/rawstore"
	"github.com/sightline/sightline/internal/storage"
	"github.com/sightline/sightline/pkg/types"
)

func newTestArchiver(t *testing.T) (*Archiver, *rawstore.Store, *storage.LocalStorage) {
	t.Helper()
	dir := t.TempDir()

	store, err := rawstore.NewStore(filepath.Join(dir, "rawevents.db"))
	if err != nil {
		t.Fatalf("rawstore.NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	local, err := storage.NewLocalStorage(filepath.Join(dir, "storage"))
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}

	a := New(store, local, time.Hour, "test", zap.NewNop(), metrics.New())
	return a, store, local
}

func storeEvent(t *testing.T, store *rawstore.Store, siteID, sessionID string, ts time.Time) {
	t.Helper()
	ev := &types.RawEvent{
		EventID:   "evt-" + sessionID + ts.Format("150405"),
		SiteID:    siteID,
		SessionID: sessionID,
		EventType: "pageview",
		Timestamp: ts.UnixMilli(),
		Path:      "/",
	}
	if err := store.Insert(context.Background(), ev, 48*time.Hour); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

func TestArchiveHourWritesPerSiteObjects(t *testing.T) {
	a, store, local := newTestArchiver(t)
	ctx := context.Background()
	hour := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)

	storeEvent(t, store, "example.com", "sess-1", hour.Add(5*time.Minute))
	storeEvent(t, store, "example.com", "sess-2", hour.Add(40*time.Minute))
	storeEvent(t, store, "other.org", "sess-3", hour.Add(10*time.Minute))
	// Next hour: not part of this archive pass.
	storeEvent(t, store, "example.com", "sess-1", hour.Add(70*time.Minute))

	written, err := a.ArchiveHour(ctx, hour)
	if err != nil {
		t.Fatalf("ArchiveHour failed: %v", err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}

	keys, err := local.List(ctx, "site-logs/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d objects, want 2: %v", len(keys), keys)
	}

	want := "site-logs/domain=example.com/year=2026/month=08/day=28/hour=14/events-2026-08-28-14.jsonl"
	body, err := local.Get(ctx, want)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", want, err)
	}

	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("object has %d lines, want header + 2 events", len(lines))
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("header line is not valid JSON: %v", err)
	}
	if h.SiteID != "example.com" || h.RecordCount != 2 || h.Hour != "2026-08-28T14" {
		t.Errorf("header = %+v", h)
	}

	var ev types.RawEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("event line is not valid JSON: %v", err)
	}
	if ev.SiteID != "example.com" {
		t.Errorf("event SiteID = %q, want example.com", ev.SiteID)
	}
}

func TestArchiveHourEmpty(t *testing.T) {
	a, _, local := newTestArchiver(t)
	ctx := context.Background()

	written, err := a.ArchiveHour(ctx, time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ArchiveHour failed: %v", err)
	}
	if written != 0 {
		t.Errorf("written = %d, want 0", written)
	}

	keys, err := local.List(ctx, "site-logs/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("empty hour should write nothing, got %v", keys)
	}
}

func TestArchiveHourRerunOverwrites(t *testing.T) {
	a, store, local := newTestArchiver(t)
	ctx := context.Background()
	hour := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)

	storeEvent(t, store, "example.com", "sess-1", hour.Add(5*time.Minute))

	if _, err := a.ArchiveHour(ctx, hour); err != nil {
		t.Fatalf("first ArchiveHour failed: %v", err)
	}
	if _, err := a.ArchiveHour(ctx, hour); err != nil {
		t.Fatalf("second ArchiveHour failed: %v", err)
	}

	keys, err := local.List(ctx, "site-logs/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("rerun should overwrite, got %d objects: %v", len(keys), keys)
	}
}
