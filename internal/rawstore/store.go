// Package rawstore is the collector-side durable store for raw events. Each
// event is kept as a snappy-compressed JSON payload keyed by its site-session
// pair and timestamp, alongside per-session engagement aggregates. The
// hourly archiver reads events back out by time range.
package rawstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	sberrors "github.com/sightline/sightline/internal/errors"
	"github.com/sightline/sightline/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS raw_events (
	domain_session TEXT NOT NULL,
	ts             INTEGER NOT NULL,
	event_id       TEXT NOT NULL,
	site_id        TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        BLOB NOT NULL,
	expires_at     INTEGER NOT NULL,
	PRIMARY KEY (domain_session, ts)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_raw_events_site_ts
	ON raw_events(site_id, ts);

CREATE TABLE IF NOT EXISTS session_engagement (
	domain_session   TEXT NOT NULL,
	site_id          TEXT NOT NULL,
	pageviews        INTEGER NOT NULL DEFAULT 0,
	events           INTEGER NOT NULL DEFAULT 0,
	max_scroll_depth INTEGER NOT NULL DEFAULT 0,
	first_event_at   INTEGER NOT NULL,
	last_event_at    INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	PRIMARY KEY (domain_session)
) WITHOUT ROWID;
`

// ArchiveEvent is one stored event read back for archiving. Payload is the
// decompressed JSON document exactly as the collector stored it.
type ArchiveEvent struct {
	SiteID    string
	Timestamp int64
	Payload   []byte
}

// Engagement is the per-session aggregate maintained alongside raw events.
type Engagement struct {
	DomainSession  string
	SiteID         string
	Pageviews      int
	Events         int
	MaxScrollDepth int
	FirstEventAt   int64
	LastEventAt    int64
}

// Store is the SQLite-backed raw-event store.
type Store struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewStore opens (and if needed creates) the raw-event database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, sberrors.NewStorageError(sberrors.CodeUploadFailed, "failed to open raw-event database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, sberrors.NewStorageError(sberrors.CodeUploadFailed, "failed to initialize raw-event schema", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, sberrors.NewStorageError(sberrors.CodeDownloadFailed, "failed to open raw-event read pool", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, readDB: readDB}, nil
}

// DomainSession builds the composite partition key for a raw event.
func DomainSession(siteID, sessionID string) string {
	return siteID + "#" + sessionID
}

// Insert stores one raw event. A replayed event with the same key pair is a
// no-op, so the collector tolerates client retries.
func (s *Store) Insert(ctx context.Context, ev *types.RawEvent, retention time.Duration) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return sberrors.NewStorageError(sberrors.CodeUploadFailed, "failed to encode raw event", err)
	}
	payload := snappy.Encode(nil, doc)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_events
			(domain_session, ts, event_id, site_id, session_id, event_type,
			 payload, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain_session, ts) DO NOTHING`,
		DomainSession(ev.SiteID, ev.SessionID), ev.Timestamp, ev.EventID,
		ev.SiteID, ev.SessionID, ev.EventType, payload,
		time.UnixMilli(ev.Timestamp).Add(retention).Unix())
	if err != nil {
		return sberrors.NewStorageError(sberrors.CodeUploadFailed, "raw event insert failed", err)
	}
	return nil
}

// TrackEngagement folds one event into its session's engagement aggregate.
func (s *Store) TrackEngagement(ctx context.Context, ev *types.RawEvent, retention time.Duration) error {
	pageview := 0
	if ev.EventType == "pageview" {
		pageview = 1
	}
	scrollDepth := 0
	if depth, ok := ev.Data["scrollDepth"].(float64); ok {
		scrollDepth = int(depth)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_engagement
			(domain_session, site_id, pageviews, events, max_scroll_depth,
			 first_event_at, last_event_at, expires_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (domain_session) DO UPDATE SET
			pageviews        = pageviews + excluded.pageviews,
			events           = events + 1,
			max_scroll_depth = MAX(max_scroll_depth, excluded.max_scroll_depth),
			first_event_at   = MIN(first_event_at, excluded.first_event_at),
			last_event_at    = MAX(last_event_at, excluded.last_event_at),
			expires_at       = MAX(expires_at, excluded.expires_at)`,
		DomainSession(ev.SiteID, ev.SessionID), ev.SiteID, pageview, scrollDepth,
		ev.Timestamp, ev.Timestamp,
		time.UnixMilli(ev.Timestamp).Add(retention).Unix())
	if err != nil {
		return sberrors.NewStorageError(sberrors.CodeUploadFailed, "engagement update failed", err)
	}
	return nil
}

// GetEngagement returns a session's engagement aggregate, or nil when the
// session has no recorded events.
func (s *Store) GetEngagement(ctx context.Context, siteID, sessionID string) (*Engagement, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT site_id, pageviews, events, max_scroll_depth,
		       first_event_at, last_event_at
		FROM session_engagement
		WHERE domain_session = ?`,
		DomainSession(siteID, sessionID))

	eng := &Engagement{DomainSession: DomainSession(siteID, sessionID)}
	err := row.Scan(&eng.SiteID, &eng.Pageviews, &eng.Events, &eng.MaxScrollDepth,
		&eng.FirstEventAt, &eng.LastEventAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sberrors.NewStorageError(sberrors.CodeDownloadFailed, "engagement lookup failed", err)
	}
	return eng, nil
}

// EventsInRange returns all events with from <= timestamp < to, grouped by
// site and ordered by timestamp within each site.
func (s *Store) EventsInRange(ctx context.Context, from, to time.Time) (map[string][]ArchiveEvent, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT site_id, ts, payload
		FROM raw_events
		WHERE ts >= ? AND ts < ?
		ORDER BY site_id, ts`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, sberrors.NewStorageError(sberrors.CodeDownloadFailed, "raw event range scan failed", err)
	}
	defer rows.Close()

	bySite := make(map[string][]ArchiveEvent)
	for rows.Next() {
		var ev ArchiveEvent
		var compressed []byte
		if err := rows.Scan(&ev.SiteID, &ev.Timestamp, &compressed); err != nil {
			return nil, sberrors.NewStorageError(sberrors.CodeDownloadFailed, "raw event scan failed", err)
		}
		ev.Payload, err = snappy.Decode(nil, compressed)
		if err != nil {
			return nil, sberrors.NewStorageError(sberrors.CodeDownloadFailed, "raw event payload corrupt", err)
		}
		bySite[ev.SiteID] = append(bySite[ev.SiteID], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, sberrors.NewStorageError(sberrors.CodeDownloadFailed, "raw event range scan failed", err)
	}
	return bySite, nil
}

// PurgeExpired deletes events and engagement rows past their retention
// horizon.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM raw_events WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, sberrors.NewStorageError(sberrors.CodeUploadFailed, "raw event purge failed", err)
	}
	purged, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_engagement WHERE expires_at < ?`, now.Unix()); err != nil {
		return purged, sberrors.NewStorageError(sberrors.CodeUploadFailed, "engagement purge failed", err)
	}
	return purged, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	werr := s.db.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
