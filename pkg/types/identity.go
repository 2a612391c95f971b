package types

// Identity is the durable record mapping a (device fingerprint, subnet-hour
// bucket) pair to a stable visitor identity. At most one Identity exists per
// key pair; the identity id never changes once assigned. Records are never
// deleted explicitly; the store reaps them via ExpiresAt.
type Identity struct {
	// Fingerprint and BucketKey form the natural key. BucketKey is the
	// subnet token joined with the UTC hour bucket, e.g.
	// "192.168.1.0/24#2026-08-28T14".
	Fingerprint string `json:"fingerprint"`
	BucketKey   string `json:"bucket_key"`

	// IdentityID is generated once on first sight and stable thereafter.
	IdentityID string `json:"identity_id"`

	// HouseholdID groups identities sharing a subnet token. It is derived
	// deterministically from the subnet, independent of the device.
	HouseholdID string `json:"household_id"`

	FirstSeen    int64 `json:"first_seen"`
	LastSeen     int64 `json:"last_seen"`
	SessionCount int   `json:"session_count"`
	EventCount   int64 `json:"event_count"`

	// ExpiresAt is the epoch-seconds retention horizon (180 days typical).
	ExpiresAt int64 `json:"expires_at"`
}

// Session is the durable record for one browsing session of an identity,
// keyed by (identity id, session start timestamp). Sequence is the ordinal
// position of this session among all the identity's sessions.
type Session struct {
	IdentityID string `json:"identity_id"`
	StartedAt  int64  `json:"started_at"`

	// SessionID is the client-supplied session identifier.
	SessionID string `json:"session_id"`
	SiteID    string `json:"site_id"`

	Sequence      int    `json:"sequence"`
	EventCount    int64  `json:"event_count"`
	LastActivity  int64  `json:"last_activity"`
	EntryPage     string `json:"entry_page"`
	TrafficSource string `json:"traffic_source"`

	// ExpiresAt is the epoch-seconds retention horizon.
	ExpiresAt int64 `json:"expires_at"`
}
