package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/netid"
	"github.com/sightline/sightline/internal/score"
	"github.com/sightline/sightline/pkg/types"
)

// store is the durable surface the resolver needs; *Store satisfies it.
type store interface {
	Lookup(ctx context.Context, fingerprint, bucketKey string) (*types.Identity, error)
	Touch(ctx context.Context, fingerprint, bucketKey string, lastSeen int64) error
	Upsert(ctx context.Context, ident *types.Identity) error
	HouseholdSeen(ctx context.Context, householdID string, limit int) (bool, error)
	IncrementSessionCount(ctx context.Context, fingerprint, bucketKey string) error
}

// Resolution is the outcome of resolving one event's identity. It always
// carries a usable identity: when the store is unreachable the resolver
// synthesizes a deterministic fallback instead of failing the event.
type Resolution struct {
	IdentityID   string
	HouseholdID  string
	IsNewVisitor bool

	// BucketKey is the subnet-hour key the identity was resolved under.
	BucketKey string

	// IPStability feeds the confidence score: established, new, or fallback.
	IPStability float64
}

// Resolver maps (fingerprint, subnet, hour) to stable identities.
type Resolver struct {
	store   store
	cfg     config.IdentityConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	// now supplies the processing time used for hour bucketing and expiry.
	now func() time.Time

	newID func() string
}

// NewResolver creates a resolver on top of the given store.
func NewResolver(s *Store, cfg config.IdentityConfig, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// BucketKey joins the subnet token with the UTC hour bucket of t.
func BucketKey(subnet string, t time.Time) string {
	return subnet + "#" + t.UTC().Format("2006-01-02T15")
}

// Resolve returns the identity for an event. The same (fingerprint, subnet,
// hour) pair always resolves to the same identity id, including across
// redelivered records. Resolve never fails: any store error degrades to a
// fallback identity derived from the session id.
func (r *Resolver) Resolve(ctx context.Context, fingerprint, subnet, sessionID string, eventTS int64) Resolution {
	now := r.now()
	bucketKey := BucketKey(subnet, now)
	householdID := netid.HouseholdID(subnet)

	existing, err := r.store.Lookup(ctx, fingerprint, bucketKey)
	if err != nil {
		return r.fallback(sessionID, householdID, err)
	}

	if existing != nil {
		if err := r.store.Touch(ctx, fingerprint, bucketKey, eventTS); err != nil {
			// The identity is known; a failed counter bump is not worth
			// degrading the event over.
			r.logger.Warn("identity touch failed",
				zap.String("identity_id", existing.IdentityID),
				zap.Error(err))
		}
		return Resolution{
			IdentityID:  existing.IdentityID,
			HouseholdID: existing.HouseholdID,
			BucketKey:   bucketKey,
			IPStability: score.IPStabilityEstablished,
		}
	}

	// The household id derives from the subnet, so sharing needs no lookup.
	// The bounded scan only reports whether the household is already known;
	// it never changes the new-visitor flag or the stability signal.
	householdSeen, err := r.store.HouseholdSeen(ctx, householdID, r.cfg.HouseholdScanLimit)
	if err != nil {
		r.logger.Warn("household scan failed",
			zap.String("household_id", householdID),
			zap.Error(err))
		householdSeen = false
	}

	ident := &types.Identity{
		Fingerprint:  fingerprint,
		BucketKey:    bucketKey,
		IdentityID:   r.newID(),
		HouseholdID:  householdID,
		FirstSeen:    eventTS,
		LastSeen:     eventTS,
		SessionCount: 1,
		EventCount:   1,
		ExpiresAt:    now.AddDate(0, 0, r.cfg.RetentionDays).Unix(),
	}

	if err := r.store.Upsert(ctx, ident); err != nil {
		return r.fallback(sessionID, householdID, err)
	}

	if householdSeen {
		r.logger.Debug("new identity joins existing household",
			zap.String("identity_id", ident.IdentityID),
			zap.String("household_id", householdID))
	}
	return Resolution{
		IdentityID:   ident.IdentityID,
		HouseholdID:  householdID,
		BucketKey:    bucketKey,
		IsNewVisitor: true,
		IPStability:  score.IPStabilityNew,
	}
}

// RecordNewSession bumps the stored identity's session count when a new
// session starts after the identity was created. A missing row (fallback
// identity) is a no-op.
func (r *Resolver) RecordNewSession(ctx context.Context, fingerprint, bucketKey string) error {
	return r.store.IncrementSessionCount(ctx, fingerprint, bucketKey)
}

// fallback synthesizes a deterministic identity from the session id so that
// replays of the same event during a store outage still agree on an id.
func (r *Resolver) fallback(sessionID, householdID string, cause error) Resolution {
	r.logger.Warn("identity store unavailable, using fallback identity",
		zap.String("session_id", sessionID),
		zap.Error(cause))
	r.metrics.IdentityFallback.Inc()

	return Resolution{
		IdentityID:   fmt.Sprintf("fallback-%016x", murmur3.Sum64([]byte(sessionID))),
		HouseholdID:  householdID,
		IsNewVisitor: true,
		IPStability:  score.IPStabilityFallback,
	}
}
