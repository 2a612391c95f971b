// Package enrich orchestrates the per-batch enrichment pass: decode the
// change records, resolve identities, track sessions, normalize, score, and
// hand the enriched events to the batch writer.
package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/batch"
	"github.com/sightline/sightline/internal/feed"
	"github.com/sightline/sightline/internal/fingerprint"
	"github.com/sightline/sightline/internal/identity"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/netid"
	"github.com/sightline/sightline/internal/normalize"
	"github.com/sightline/sightline/internal/score"
	"github.com/sightline/sightline/internal/session"
	"github.com/sightline/sightline/pkg/types"
)

// resolver and tracker are the slices of identity and session the pipeline
// uses; the concrete types satisfy them.
type resolver interface {
	Resolve(ctx context.Context, fingerprint, subnet, sessionID string, eventTS int64) identity.Resolution
	RecordNewSession(ctx context.Context, fingerprint, bucketKey string) error
}

type tracker interface {
	Track(ctx context.Context, identityID string, ev *types.RawEvent, trafficSource string) session.Tracking
}

type writer interface {
	Write(ctx context.Context, events []*types.EnrichedEvent) (int, error)
}

// Pipeline enriches delivered change-record batches. Individual records
// never fail a batch: undecodable records are dropped with a metric, and the
// identity and session stages degrade to fallbacks rather than erroring.
// Only a failed batch write surfaces as an error, since the upload is
// retryable and the stores tolerate the resulting redelivery.
type Pipeline struct {
	resolver resolver
	tracker  tracker
	writer   writer
	logger   *zap.Logger
	metrics  *metrics.Metrics

	version     string
	environment string

	now func() time.Time
}

// NewPipeline wires the enrichment stages together.
func NewPipeline(r *identity.Resolver, t *session.Tracker, w *batch.Writer,
	version, environment string, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		resolver:    r,
		tracker:     t,
		writer:      w,
		logger:      logger,
		metrics:     m,
		version:     version,
		environment: environment,
		now:         time.Now,
	}
}

// ProcessBatch enriches one delivered batch and writes the results.
func (p *Pipeline) ProcessBatch(ctx context.Context, records []feed.ChangeRecord) error {
	start := p.now()
	enriched := make([]*types.EnrichedEvent, 0, len(records))

	for i := range records {
		rec := &records[i]
		if !rec.IsInsert() {
			p.metrics.RecordsSkipped.Inc()
			continue
		}

		ev, err := feed.DecodeRawEvent(rec)
		if err != nil {
			p.logger.Warn("dropping undecodable event",
				zap.String("record_id", rec.RecordID),
				zap.Error(err))
			p.metrics.DecodeFailures.Inc()
			continue
		}

		enriched = append(enriched, p.enrich(ctx, ev))
		p.metrics.EventsEnriched.Inc()
	}

	written, err := p.writer.Write(ctx, enriched)

	elapsed := p.now().Sub(start)
	p.metrics.ProcessDuration.Observe(elapsed.Seconds())
	p.logger.Info("batch processed",
		zap.Int("records", len(records)),
		zap.Int("enriched", len(enriched)),
		zap.Int("written", written),
		zap.Duration("elapsed", elapsed))

	return err
}

// enrich runs the per-event stages. It always produces an enriched event.
func (p *Pipeline) enrich(ctx context.Context, ev *types.RawEvent) *types.EnrichedEvent {
	fp := fingerprint.Generate(ev.Browser, ev.UserAgent)
	subnet := netid.Subnet(ev.IP)

	res := p.resolver.Resolve(ctx, fp, subnet, ev.SessionID, ev.Timestamp)
	norm := normalize.Event(ev)
	tracking := p.tracker.Track(ctx, res.IdentityID, ev, norm.TrafficSource)

	// A freshly created identity already counts its first session; only
	// later sessions bump the stored count.
	if tracking.IsNewSession && !res.IsNewVisitor {
		if err := p.resolver.RecordNewSession(ctx, fp, res.BucketKey); err != nil {
			p.logger.Warn("session count update failed",
				zap.String("identity_id", res.IdentityID),
				zap.Error(err))
		}
	}

	return &types.EnrichedEvent{
		RawEvent: *ev,
		Identity: types.IdentityBlock{
			IdentityID:      res.IdentityID,
			HouseholdID:     res.HouseholdID,
			Fingerprint:     fp,
			SessionSequence: tracking.Sequence,
			IsNewVisitor:    res.IsNewVisitor,
			TotalSessions:   tracking.TotalSessions,
			Confidence:      score.Confidence(res.IPStability),
		},
		Normalized: norm,
		Meta: types.EnrichmentMeta{
			ProcessedAt: p.now().UTC().Format(time.RFC3339),
			Version:     p.version,
			Environment: p.environment,
		},
	}
}
