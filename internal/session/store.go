// Package session tracks browsing sessions per resolved identity and assigns
// each session its ordinal position in the identity's history.
package session

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	sberrors "github.com/sightline/sightline/internal/errors"
	"github.com/sightline/sightline/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	identity_id    TEXT NOT NULL,
	started_at     INTEGER NOT NULL,
	session_id     TEXT NOT NULL,
	site_id        TEXT NOT NULL,
	sequence       INTEGER NOT NULL,
	event_count    INTEGER NOT NULL DEFAULT 0,
	last_activity  INTEGER NOT NULL,
	entry_page     TEXT NOT NULL DEFAULT '',
	traffic_source TEXT NOT NULL DEFAULT '',
	expires_at     INTEGER NOT NULL,
	PRIMARY KEY (identity_id, started_at)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_sessions_session_id
	ON sessions(identity_id, session_id);
`

// Store is the SQLite-backed session store, following the same single
// writer plus read pool layout as the identity store.
type Store struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewStore opens (and if needed creates) the session database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, sberrors.NewSessionError(sberrors.CodeSequenceFailed, "failed to open session database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, sberrors.NewSessionError(sberrors.CodeSequenceFailed, "failed to initialize session schema", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, sberrors.NewSessionError(sberrors.CodeSequenceFailed, "failed to open session read pool", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, readDB: readDB}, nil
}

// Find returns the identity's session with the given client session id, or
// nil when none is recorded.
func (s *Store) Find(ctx context.Context, identityID, sessionID string) (*types.Session, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT started_at, site_id, sequence, event_count, last_activity,
		       entry_page, traffic_source, expires_at
		FROM sessions
		WHERE identity_id = ? AND session_id = ?
		ORDER BY started_at DESC
		LIMIT 1`,
		identityID, sessionID)

	sess := &types.Session{IdentityID: identityID, SessionID: sessionID}
	err := row.Scan(&sess.StartedAt, &sess.SiteID, &sess.Sequence, &sess.EventCount,
		&sess.LastActivity, &sess.EntryPage, &sess.TrafficSource, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sberrors.NewSessionError(sberrors.CodeSequenceFailed, "session lookup failed", err)
	}
	return sess, nil
}

// Count returns how many sessions are recorded for the identity.
func (s *Store) Count(ctx context.Context, identityID string) (int, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE identity_id = ?`, identityID)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, sberrors.NewSessionError(sberrors.CodeSequenceFailed, "session count failed", err)
	}
	return n, nil
}

// Upsert inserts a new session. When the (identity, start) key already
// exists the stored sequence is kept and only the activity columns advance,
// keeping sequences stable under redelivery.
func (s *Store) Upsert(ctx context.Context, sess *types.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(identity_id, started_at, session_id, site_id, sequence,
			 event_count, last_activity, entry_page, traffic_source, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity_id, started_at) DO UPDATE SET
			event_count   = event_count + 1,
			last_activity = MAX(last_activity, excluded.last_activity)`,
		sess.IdentityID, sess.StartedAt, sess.SessionID, sess.SiteID, sess.Sequence,
		sess.EventCount, sess.LastActivity, sess.EntryPage, sess.TrafficSource,
		sess.ExpiresAt)
	if err != nil {
		return sberrors.NewSessionError(sberrors.CodeSequenceFailed, "session upsert failed", err)
	}
	return nil
}

// Bump advances the event count and last-activity of an existing session.
func (s *Store) Bump(ctx context.Context, identityID string, startedAt, lastActivity int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET event_count   = event_count + 1,
		    last_activity = MAX(last_activity, ?)
		WHERE identity_id = ? AND started_at = ?`,
		lastActivity, identityID, startedAt)
	if err != nil {
		return sberrors.NewSessionError(sberrors.CodeSequenceFailed, "session bump failed", err)
	}
	return nil
}

// PurgeExpired deletes sessions whose retention horizon has passed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, sberrors.NewSessionError(sberrors.CodeSequenceFailed, "session purge failed", err)
	}
	return res.RowsAffected()
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
