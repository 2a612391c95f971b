package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/pkg/types"
)

// store is the durable surface the tracker needs; *Store satisfies it.
type store interface {
	Find(ctx context.Context, identityID, sessionID string) (*types.Session, error)
	Count(ctx context.Context, identityID string) (int, error)
	Upsert(ctx context.Context, sess *types.Session) error
	Bump(ctx context.Context, identityID string, startedAt, lastActivity int64) error
}

// Tracking is the outcome of tracking one event's session.
type Tracking struct {
	// Sequence is the session's ordinal position among the identity's
	// sessions, starting at 1.
	Sequence int

	// TotalSessions is the identity's session count including this one.
	TotalSessions int

	// IsNewSession is true when this event opened the session. Replayed
	// events and store fallbacks report false so counters derived from it
	// cannot inflate.
	IsNewSession bool
}

// Tracker assigns session sequence numbers per identity.
type Tracker struct {
	store   store
	cfg     config.SessionConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// NewTracker creates a tracker on top of the given store.
func NewTracker(s *Store, cfg config.SessionConfig, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Track records the event against its session and returns the session's
// sequence. A session keeps its sequence for its whole lifetime, including
// across redelivered records. Track never fails: a store error degrades to
// sequence 1 so the event can still be enriched.
func (t *Tracker) Track(ctx context.Context, identityID string, ev *types.RawEvent, trafficSource string) Tracking {
	existing, err := t.store.Find(ctx, identityID, ev.SessionID)
	if err != nil {
		return t.fallback(identityID, ev.SessionID, err)
	}

	if existing != nil {
		if err := t.store.Bump(ctx, identityID, existing.StartedAt, ev.Timestamp); err != nil {
			t.logger.Warn("session bump failed",
				zap.String("identity_id", identityID),
				zap.Error(err))
		}
		total, err := t.store.Count(ctx, identityID)
		if err != nil {
			total = existing.Sequence
		}
		return Tracking{Sequence: existing.Sequence, TotalSessions: total}
	}

	count, err := t.store.Count(ctx, identityID)
	if err != nil {
		return t.fallback(identityID, ev.SessionID, err)
	}

	sess := &types.Session{
		IdentityID:    identityID,
		StartedAt:     ev.Timestamp,
		SessionID:     ev.SessionID,
		SiteID:        ev.SiteID,
		Sequence:      count + 1,
		EventCount:    1,
		LastActivity:  ev.Timestamp,
		EntryPage:     ev.Path,
		TrafficSource: trafficSource,
		ExpiresAt:     t.now().AddDate(0, 0, t.cfg.RetentionDays).Unix(),
	}
	if err := t.store.Upsert(ctx, sess); err != nil {
		return t.fallback(identityID, ev.SessionID, err)
	}

	return Tracking{Sequence: sess.Sequence, TotalSessions: sess.Sequence, IsNewSession: true}
}

// fallback returns the neutral first-session tracking when the store is
// unreachable.
func (t *Tracker) fallback(identityID, sessionID string, cause error) Tracking {
	t.logger.Warn("session store unavailable, using fallback sequence",
		zap.String("identity_id", identityID),
		zap.String("session_id", sessionID),
		zap.Error(cause))
	t.metrics.SessionFallback.Inc()
	return Tracking{Sequence: 1, TotalSessions: 1}
}
