package identity

import (
	"encoding/json"
	"time"
)

// HitStatus tracks a queued hit through its lifecycle.
type HitStatus string

const (
	HitStatusQueued   HitStatus = "queued"
	HitStatusInFlight HitStatus = "in_flight"
)

// IdentityHit is one outbound synchronization request. Hits are immutable
// once enqueued and consumed exactly once by the queue worker.
type IdentityHit struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	CorrelationID string    `json:"correlationId,omitempty"`
	OptOut        bool      `json:"optOut"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// SyncResponse is the parsed body of a successful identity service response.
// Every field is optional; an empty object is a valid response.
type SyncResponse struct {
	PrimaryID    string      `json:"d_mid"`
	Blob         string      `json:"d_blob"`
	LocationHint json.Number `json:"dcs_region"`
	TTLSeconds   int64       `json:"id_sync_ttl"`
	OptOutList   []string    `json:"d_optout"`
	Error        string      `json:"error_msg"`
}

// Hint returns the location hint as the opaque string form carried in state.
func (r SyncResponse) Hint() string {
	return r.LocationHint.String()
}
