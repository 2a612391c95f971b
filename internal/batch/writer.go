// Package batch groups enriched events into hour-partitioned JSONL objects
// and writes them to object storage.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	sberrors "github.com/sightline/sightline/internal/errors"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/storage"
	"github.com/sightline/sightline/pkg/types"
)

const contentTypeJSONL = "application/jsonl"

// header is the metadata line written before the event lines of each object.
type header struct {
	BatchID     string `json:"batch_id"`
	SiteID      string `json:"site_id"`
	Hour        string `json:"hour"`
	RecordCount int    `json:"record_count"`
	GeneratedAt string `json:"generated_at"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

// group is one (site, hour) partition of a batch.
type group struct {
	siteID string
	hour   time.Time
	events []*types.EnrichedEvent
}

// Writer writes enriched events as hour-partitioned JSONL objects. Events
// are grouped by (site, UTC hour of the event timestamp); each group becomes
// exactly one object per invocation. Groups fail independently: one site's
// storage trouble never loses another site's events.
type Writer struct {
	storage     storage.ObjectStorage
	logger      *zap.Logger
	metrics     *metrics.Metrics
	version     string
	environment string

	now       func() time.Time
	newSuffix func() string
}

// NewWriter creates a batch writer on top of the given object storage.
func NewWriter(store storage.ObjectStorage, version, environment string, logger *zap.Logger, m *metrics.Metrics) *Writer {
	return &Writer{
		storage:     store,
		logger:      logger,
		metrics:     m,
		version:     version,
		environment: environment,
		now:         time.Now,
		newSuffix: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}
}

// Write partitions the events and uploads one object per (site, hour) group.
// It returns the number of events successfully written; the error is non-nil
// when at least one group failed.
func (w *Writer) Write(ctx context.Context, events []*types.EnrichedEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	groups := partition(events)

	var (
		written  int
		firstErr error
	)
	for _, g := range groups {
		if err := w.writeGroup(ctx, g); err != nil {
			w.logger.Error("failed to write batch object",
				zap.String("site_id", g.siteID),
				zap.Time("hour", g.hour),
				zap.Int("events", len(g.events)),
				zap.Error(err))
			w.metrics.BatchFailures.Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written += len(g.events)
		w.metrics.BatchWrites.Inc()
	}
	return written, firstErr
}

func (w *Writer) writeGroup(ctx context.Context, g group) error {
	var buf bytes.Buffer

	h := header{
		BatchID:     uuid.NewString(),
		SiteID:      g.siteID,
		Hour:        g.hour.Format("2006-01-02T15"),
		RecordCount: len(g.events),
		GeneratedAt: w.now().UTC().Format(time.RFC3339),
		Version:     w.version,
		Environment: w.environment,
	}
	if err := encodeLine(&buf, h); err != nil {
		return err
	}
	for _, ev := range g.events {
		if err := encodeLine(&buf, ev); err != nil {
			return err
		}
	}

	key := w.objectKey(g)
	if err := w.storage.Put(ctx, key, buf.Bytes(), contentTypeJSONL); err != nil {
		return sberrors.NewBatchError(sberrors.CodeUploadFailed, "batch object upload failed", err)
	}

	w.logger.Info("batch object written",
		zap.String("key", key),
		zap.Int("events", len(g.events)))
	return nil
}

func encodeLine(buf *bytes.Buffer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return sberrors.NewBatchError(sberrors.CodeEncodeFailed, "failed to encode batch line", err)
	}
	buf.Write(data)
	buf.WriteByte('\n')
	return nil
}

// objectKey builds the hour-partitioned object key for a group:
// enriched-events/domain=<site>/year=Y/month=M/day=D/hour=H/enriched-<stamp>-<suffix>.jsonl
func (w *Writer) objectKey(g group) string {
	return fmt.Sprintf(
		"enriched-events/domain=%s/year=%d/month=%02d/day=%02d/hour=%02d/enriched-%s-%s.jsonl",
		cleanSite(g.siteID),
		g.hour.Year(), g.hour.Month(), g.hour.Day(), g.hour.Hour(),
		g.hour.Format("2006-01-02-15"),
		w.newSuffix())
}

// partition splits events into (site, hour) groups. Group order is
// deterministic: by site, then by hour.
func partition(events []*types.EnrichedEvent) []group {
	type key struct {
		siteID string
		hour   time.Time
	}

	byKey := make(map[key]*group)
	var order []key
	for _, ev := range events {
		hour := time.UnixMilli(ev.Timestamp).UTC().Truncate(time.Hour)
		k := key{siteID: ev.SiteID, hour: hour}
		g, ok := byKey[k]
		if !ok {
			g = &group{siteID: ev.SiteID, hour: hour}
			byKey[k] = g
			order = append(order, k)
		}
		g.events = append(g.events, ev)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].siteID != order[j].siteID {
			return order[i].siteID < order[j].siteID
		}
		return order[i].hour.Before(order[j].hour)
	})

	groups := make([]group, 0, len(order))
	for _, k := range order {
		groups = append(groups, *byKey[k])
	}
	return groups
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
