package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/score"
	"github.com/sightline/sightline/pkg/types"
)

func newTestResolver(t *testing.T, now time.Time) *Resolver {
	t.Helper()
	r := NewResolver(newTestStore(t), config.IdentityConfig{
		RetentionDays:      180,
		HouseholdScanLimit: 10,
	}, zap.NewNop(), metrics.New())
	r.now = func() time.Time { return now }

	var seq int
	r.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return r
}

func TestResolveStableAcrossEvents(t *testing.T) {
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)
	r := newTestResolver(t, now)
	ctx := context.Background()

	first := r.Resolve(ctx, "fp-aaa", "192.168.1.0/24", "sess-1", now.UnixMilli())
	if !first.IsNewVisitor {
		t.Error("first sighting should be a new visitor")
	}
	if first.IPStability != score.IPStabilityNew {
		t.Errorf("first IPStability = %v, want %v", first.IPStability, score.IPStabilityNew)
	}

	second := r.Resolve(ctx, "fp-aaa", "192.168.1.0/24", "sess-1", now.UnixMilli()+1000)
	if second.IdentityID != first.IdentityID {
		t.Errorf("identity changed across events: %q then %q", first.IdentityID, second.IdentityID)
	}
	if second.IsNewVisitor {
		t.Error("second sighting should not be a new visitor")
	}
	if second.IPStability != score.IPStabilityEstablished {
		t.Errorf("second IPStability = %v, want %v", second.IPStability, score.IPStabilityEstablished)
	}
}

func TestResolveHouseholdLinksDevicesOnSameSubnet(t *testing.T) {
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)
	r := newTestResolver(t, now)
	ctx := context.Background()

	laptop := r.Resolve(ctx, "fp-laptop", "192.168.1.0/24", "sess-1", now.UnixMilli())
	phone := r.Resolve(ctx, "fp-phone", "192.168.1.0/24", "sess-2", now.UnixMilli())

	if laptop.IdentityID == phone.IdentityID {
		t.Error("distinct fingerprints should get distinct identities")
	}
	if laptop.HouseholdID != phone.HouseholdID {
		t.Errorf("same subnet should share a household: %q vs %q",
			laptop.HouseholdID, phone.HouseholdID)
	}
	// A second device is still a first sighting of its own fingerprint:
	// sharing the household must not upgrade it to an established identity.
	if !phone.IsNewVisitor {
		t.Error("newly created identity must be a new visitor even in a known household")
	}
	if phone.IPStability != score.IPStabilityNew {
		t.Errorf("newly created identity IPStability = %v, want %v",
			phone.IPStability, score.IPStabilityNew)
	}
}

func TestResolveNewIdentityStartsWithOneSession(t *testing.T) {
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)
	r := newTestResolver(t, now)
	ctx := context.Background()

	res := r.Resolve(ctx, "fp-aaa", "192.168.1.0/24", "sess-1", now.UnixMilli())

	st := r.store.(*Store)
	ident, err := st.Lookup(ctx, "fp-aaa", res.BucketKey)
	if err != nil || ident == nil {
		t.Fatalf("Lookup after Resolve = %v, %v", ident, err)
	}
	if ident.SessionCount != 1 {
		t.Errorf("new identity SessionCount = %d, want 1", ident.SessionCount)
	}

	// A later session against the same identity bumps the count.
	if err := r.RecordNewSession(ctx, "fp-aaa", res.BucketKey); err != nil {
		t.Fatalf("RecordNewSession failed: %v", err)
	}
	ident, err = st.Lookup(ctx, "fp-aaa", res.BucketKey)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if ident.SessionCount != 2 {
		t.Errorf("SessionCount after new session = %d, want 2", ident.SessionCount)
	}
}

func TestResolveDifferentHourDifferentIdentity(t *testing.T) {
	hour14 := time.Date(2026, 8, 28, 14, 55, 0, 0, time.UTC)
	r := newTestResolver(t, hour14)
	ctx := context.Background()

	first := r.Resolve(ctx, "fp-aaa", "192.168.1.0/24", "sess-1", hour14.UnixMilli())

	r.now = func() time.Time { return hour14.Add(10 * time.Minute) } // crosses into hour 15
	second := r.Resolve(ctx, "fp-aaa", "192.168.1.0/24", "sess-1", hour14.UnixMilli())

	if first.IdentityID == second.IdentityID {
		t.Error("identities in different hour buckets should differ")
	}
	if first.HouseholdID != second.HouseholdID {
		t.Error("household should not change with the hour bucket")
	}
}

func TestBucketKey(t *testing.T) {
	at := time.Date(2026, 8, 28, 14, 59, 59, 0, time.UTC)
	got := BucketKey("192.168.1.0/24", at)
	want := "192.168.1.0/24#2026-08-28T14"
	if got != want {
		t.Errorf("BucketKey = %q, want %q", got, want)
	}
}

// failingStore errors on every operation, simulating a store outage.
type failingStore struct{}

func (failingStore) Lookup(context.Context, string, string) (*types.Identity, error) {
	return nil, fmt.Errorf("store down")
}
func (failingStore) Touch(context.Context, string, string, int64) error {
	return fmt.Errorf("store down")
}
func (failingStore) Upsert(context.Context, *types.Identity) error {
	return fmt.Errorf("store down")
}
func (failingStore) HouseholdSeen(context.Context, string, int) (bool, error) {
	return false, fmt.Errorf("store down")
}
func (failingStore) IncrementSessionCount(context.Context, string, string) error {
	return fmt.Errorf("store down")
}

func TestResolveFallbackOnStoreOutage(t *testing.T) {
	r := &Resolver{
		store:   failingStore{},
		cfg:     config.IdentityConfig{RetentionDays: 180, HouseholdScanLimit: 10},
		logger:  zap.NewNop(),
		metrics: metrics.New(),
		now:     time.Now,
		newID:   func() string { return "id-unused" },
	}
	ctx := context.Background()

	res := r.Resolve(ctx, "fp-aaa", "192.168.1.0/24", "sess-1", time.Now().UnixMilli())
	if res.IdentityID == "" {
		t.Fatal("fallback resolution must still carry an identity id")
	}
	if res.IPStability != score.IPStabilityFallback {
		t.Errorf("IPStability = %v, want %v", res.IPStability, score.IPStabilityFallback)
	}
	if res.HouseholdID == "" {
		t.Error("fallback resolution should still derive the household from the subnet")
	}

	// Deterministic: the same session id maps to the same fallback identity.
	again := r.Resolve(ctx, "fp-aaa", "192.168.1.0/24", "sess-1", time.Now().UnixMilli())
	if again.IdentityID != res.IdentityID {
		t.Errorf("fallback id not deterministic: %q then %q", res.IdentityID, again.IdentityID)
	}

	other := r.Resolve(ctx, "fp-aaa", "192.168.1.0/24", "sess-2", time.Now().UnixMilli())
	if other.IdentityID == res.IdentityID {
		t.Error("different sessions should get different fallback ids")
	}
}
