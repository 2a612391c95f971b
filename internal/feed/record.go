package feed

// Change-record operation kinds. Only inserts are enriched; the pipeline
// skips everything else without error.
const (
	OpInsert = "INSERT"
	OpModify = "MODIFY"
	OpRemove = "REMOVE"
)

// ChangeRecord is one notification from the raw-event store's change feed.
type ChangeRecord struct {
	// RecordID identifies the change record itself, not the event.
	RecordID string `json:"record_id"`

	// EventName is the operation kind: INSERT, MODIFY, or REMOVE.
	EventName string `json:"event_name"`

	// ApproximateArrival is when the change entered the feed, epoch ms.
	ApproximateArrival int64 `json:"approximate_arrival"`

	// Keys carries the source table's key attributes.
	Keys map[string]Value `json:"keys,omitempty"`

	// OldImage is the record state before the change, if captured.
	OldImage map[string]Value `json:"old_image,omitempty"`

	// NewImage is the record state after the change.
	NewImage map[string]Value `json:"new_image,omitempty"`
}

// IsInsert reports whether this record should be enriched.
func (r *ChangeRecord) IsInsert() bool {
	return r.EventName == OpInsert
}
