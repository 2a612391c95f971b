// Package archiver exports each completed UTC hour of raw events to object
// storage as per-site JSONL objects, independent of the enrichment pipeline.
package archiver

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	sberrors "github.com/sightline/sightline/internal/errors"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/rawstore"
	"github.com/sightline/sightline/internal/storage"
)

const contentTypeJSONL = "application/jsonl"

// header is the metadata line written before the event lines of each object.
type header struct {
	SiteID      string `json:"site_id"`
	Hour        string `json:"hour"`
	RecordCount int    `json:"record_count"`
	GeneratedAt string `json:"generated_at"`
	Environment string `json:"environment"`
}

// Archiver periodically exports the previous hour's raw events. Object keys
// are deterministic per (site, hour), so a rerun of the same hour overwrites
// rather than duplicates.
type Archiver struct {
	store       *rawstore.Store
	storage     storage.ObjectStorage
	interval    time.Duration
	environment string
	logger      *zap.Logger
	metrics     *metrics.Metrics

	now func() time.Time
}

// New creates an archiver.
func New(store *rawstore.Store, objStorage storage.ObjectStorage, interval time.Duration,
	environment string, logger *zap.Logger, m *metrics.Metrics) *Archiver {
	return &Archiver{
		store:       store,
		storage:     objStorage,
		interval:    interval,
		environment: environment,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// Run archives the previous hour on each tick until the context is
// cancelled. The first pass runs immediately so a restart never waits a full
// interval to catch up.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		hour := a.now().UTC().Truncate(time.Hour).Add(-time.Hour)
		if _, err := a.ArchiveHour(ctx, hour); err != nil {
			a.logger.Error("archive pass failed",
				zap.Time("hour", hour),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ArchiveHour exports one UTC hour, one object per site. Sites fail
// independently; the returned count is the number of objects written and the
// error is the first per-site failure, if any.
func (a *Archiver) ArchiveHour(ctx context.Context, hour time.Time) (int, error) {
	hour = hour.UTC().Truncate(time.Hour)

	bySite, err := a.store.EventsInRange(ctx, hour, hour.Add(time.Hour))
	if err != nil {
		return 0, err
	}
	if len(bySite) == 0 {
		a.logger.Debug("no raw events to archive", zap.Time("hour", hour))
		return 0, nil
	}

	sites := make([]string, 0, len(bySite))
	for site := range bySite {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	var (
		written  int
		firstErr error
	)
	for _, site := range sites {
		if err := a.archiveSite(ctx, site, hour, bySite[site]); err != nil {
			a.logger.Error("failed to archive site hour",
				zap.String("site_id", site),
				zap.Time("hour", hour),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
		a.metrics.ObjectsArchived.Inc()
	}
	return written, firstErr
}

func (a *Archiver) archiveSite(ctx context.Context, site string, hour time.Time, events []rawstore.ArchiveEvent) error {
	var buf bytes.Buffer

	h := header{
		SiteID:      site,
		Hour:        hour.Format("2006-01-02T15"),
		RecordCount: len(events),
		GeneratedAt: a.now().UTC().Format(time.RFC3339),
		Environment: a.environment,
	}
	headerLine, err := json.Marshal(h)
	if err != nil {
		return sberrors.NewBatchError(sberrors.CodeEncodeFailed, "failed to encode archive header", err)
	}
	buf.Write(headerLine)
	buf.WriteByte('\n')

	for _, ev := range events {
		buf.Write(ev.Payload)
		buf.WriteByte('\n')
	}

	key := objectKey(site, hour)
	if err := a.storage.Put(ctx, key, buf.Bytes(), contentTypeJSONL); err != nil {
		return sberrors.NewStorageError(sberrors.CodeUploadFailed, "archive object upload failed", err)
	}

	a.logger.Info("archive object written",
		zap.String("key", key),
		zap.Int("events", len(events)))
	return nil
}

// objectKey builds the deterministic per-site-hour archive key.
func objectKey(site string, hour time.Time) string {
	return fmt.Sprintf(
		"site-logs/domain=%s/year=%d/month=%02d/day=%02d/hour=%02d/events-%s.jsonl",
		cleanSite(site),
		hour.Year(), hour.Month(), hour.Day(), hour.Hour(),
		hour.Format("2006-01-02-15"))
}

// cleanSite lowercases the site id and strips characters that have no place
// in an object key path segment.
func cleanSite(siteID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(siteID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
