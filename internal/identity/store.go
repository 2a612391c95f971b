// Package identity resolves device fingerprints to stable visitor identities
// scoped by subnet and hour bucket, backed by a durable SQLite store.
package identity

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	sberrors "github.com/sightline/sightline/internal/errors"
	"github.com/sightline/sightline/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS identities (
	fingerprint   TEXT NOT NULL,
	bucket_key    TEXT NOT NULL,
	identity_id   TEXT NOT NULL,
	household_id  TEXT NOT NULL,
	first_seen    INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL,
	session_count INTEGER NOT NULL DEFAULT 0,
	event_count   INTEGER NOT NULL DEFAULT 0,
	expires_at    INTEGER NOT NULL,
	PRIMARY KEY (fingerprint, bucket_key)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_identities_household
	ON identities(household_id, last_seen DESC);
`

// Store is the SQLite-backed identity store. A single write connection in
// WAL mode serializes mutations; reads go through a separate read-only pool.
type Store struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewStore opens (and if needed creates) the identity database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, sberrors.NewIdentityError(sberrors.CodeUpsertFailed, "failed to open identity database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, sberrors.NewIdentityError(sberrors.CodeUpsertFailed, "failed to initialize identity schema", err)
	}

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, sberrors.NewIdentityError(sberrors.CodeLookupFailed, "failed to open identity read pool", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, readDB: readDB}, nil
}

// Lookup returns the identity for the key pair, or nil when absent.
func (s *Store) Lookup(ctx context.Context, fingerprint, bucketKey string) (*types.Identity, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT identity_id, household_id, first_seen, last_seen,
		       session_count, event_count, expires_at
		FROM identities
		WHERE fingerprint = ? AND bucket_key = ?`,
		fingerprint, bucketKey)

	ident := &types.Identity{Fingerprint: fingerprint, BucketKey: bucketKey}
	err := row.Scan(&ident.IdentityID, &ident.HouseholdID, &ident.FirstSeen,
		&ident.LastSeen, &ident.SessionCount, &ident.EventCount, &ident.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sberrors.NewIdentityError(sberrors.CodeLookupFailed, "identity lookup failed", err)
	}
	return ident, nil
}

// Touch bumps the event count and last-seen timestamp of an existing identity.
func (s *Store) Touch(ctx context.Context, fingerprint, bucketKey string, lastSeen int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE identities
		SET event_count = event_count + 1,
		    last_seen   = MAX(last_seen, ?)
		WHERE fingerprint = ? AND bucket_key = ?`,
		lastSeen, fingerprint, bucketKey)
	if err != nil {
		return sberrors.NewIdentityError(sberrors.CodeUpsertFailed, "identity touch failed", err)
	}
	return nil
}

// Upsert inserts a new identity. When the key pair already exists (replayed
// record or a concurrent writer won the race) the stored identity id is kept
// and only the activity columns advance, which is what makes enrichment
// idempotent under at-least-once delivery.
func (s *Store) Upsert(ctx context.Context, ident *types.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities
			(fingerprint, bucket_key, identity_id, household_id,
			 first_seen, last_seen, session_count, event_count, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint, bucket_key) DO UPDATE SET
			event_count = event_count + 1,
			last_seen   = MAX(last_seen, excluded.last_seen),
			expires_at  = excluded.expires_at`,
		ident.Fingerprint, ident.BucketKey, ident.IdentityID, ident.HouseholdID,
		ident.FirstSeen, ident.LastSeen, ident.SessionCount, ident.EventCount,
		ident.ExpiresAt)
	if err != nil {
		return sberrors.NewIdentityError(sberrors.CodeUpsertFailed, "identity upsert failed", err)
	}
	return nil
}

// IncrementSessionCount bumps the identity's session count. Called when the
// session tracker opens a new session for an already-stored identity.
func (s *Store) IncrementSessionCount(ctx context.Context, fingerprint, bucketKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE identities
		SET session_count = session_count + 1
		WHERE fingerprint = ? AND bucket_key = ?`,
		fingerprint, bucketKey)
	if err != nil {
		return sberrors.NewIdentityError(sberrors.CodeUpsertFailed, "session count update failed", err)
	}
	return nil
}

// HouseholdSeen reports whether any identity already exists for the
// household. The scan is bounded so a dense subnet cannot turn the existence
// check into a full index walk.
func (s *Store) HouseholdSeen(ctx context.Context, householdID string, limit int) (bool, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT identity_id FROM identities
			WHERE household_id = ?
			ORDER BY last_seen DESC
			LIMIT ?
		)`, householdID, limit)

	var n int
	if err := row.Scan(&n); err != nil {
		return false, sberrors.NewIdentityError(sberrors.CodeScanFailed, "household scan failed", err)
	}
	return n > 0, nil
}

// PurgeExpired deletes identities whose retention horizon has passed.
// Returns the number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identities WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, sberrors.NewIdentityError(sberrors.CodeUpsertFailed, "identity purge failed", err)
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
