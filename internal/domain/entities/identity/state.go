package identity

import (
	"time"
)

// PrivacyStatus is the tri-state consent flag gating identity collection.
type PrivacyStatus string

const (
	PrivacyOptIn   PrivacyStatus = "optedin"
	PrivacyOptOut  PrivacyStatus = "optedout"
	PrivacyUnknown PrivacyStatus = "optunknown"
)

// ParsePrivacyStatus maps a stored or configured string to a PrivacyStatus,
// treating anything unrecognized as unknown.
func ParsePrivacyStatus(value string) PrivacyStatus {
	switch PrivacyStatus(value) {
	case PrivacyOptIn, PrivacyOptOut:
		return PrivacyStatus(value)
	default:
		return PrivacyUnknown
	}
}

// DefaultSyncTTL governs how long a successful sync stays fresh when the
// service response carries no ttl of its own.
const DefaultSyncTTL = 600 * time.Second

// IdentityState is the single source of truth for the device-scoped visitor
// identity. There is exactly one mutator at a time: the inbound event worker.
type IdentityState struct {
	PrimaryID     string        `json:"mid"`
	AdvertisingID string        `json:"advertisingId"`
	PushID        string        `json:"pushId"`
	Blob          string        `json:"blob"`
	LocationHint  string        `json:"locationHint"`
	LastSync      time.Time     `json:"lastSync"`
	TTL           time.Duration `json:"ttl"`
	CustomerIDs   []VisitorID   `json:"customerIds"`
	PrivacyStatus PrivacyStatus `json:"privacyStatus"`
}

// NewIdentityState returns the default state used when nothing has been
// persisted yet or the persisted record is unreadable.
func NewIdentityState() *IdentityState {
	return &IdentityState{
		TTL:           DefaultSyncTTL,
		PrivacyStatus: PrivacyUnknown,
	}
}

// SyncExpired reports whether the last successful sync is older than the ttl.
func (s *IdentityState) SyncExpired(now time.Time) bool {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultSyncTTL
	}
	return now.Sub(s.LastSync) > ttl
}

// ClearIdentifiers wipes every identity field except LastSync. Applied on
// opt-out and on explicit reset.
func (s *IdentityState) ClearIdentifiers() {
	s.PrimaryID = ""
	s.AdvertisingID = ""
	s.PushID = ""
	s.Blob = ""
	s.LocationHint = ""
	s.CustomerIDs = nil
}

// Snapshot is the externally-visible projection of IdentityState published as
// shared state. Two equal snapshots mean no republication is needed.
type Snapshot struct {
	PrimaryID     string      `json:"mid,omitempty"`
	AdvertisingID string      `json:"advertisingId,omitempty"`
	PushID        string      `json:"pushId,omitempty"`
	Blob          string      `json:"blob,omitempty"`
	LocationHint  string      `json:"locationHint,omitempty"`
	CustomerIDs   []VisitorID `json:"customerIds,omitempty"`
	LastSync      int64       `json:"lastSync,omitempty"`
	PrivacyStatus string      `json:"privacyStatus,omitempty"`
}

// Snapshot builds the externally-visible projection of the current state.
func (s *IdentityState) Snapshot() Snapshot {
	var ids []VisitorID
	if len(s.CustomerIDs) > 0 {
		ids = make([]VisitorID, len(s.CustomerIDs))
		copy(ids, s.CustomerIDs)
	}
	return Snapshot{
		PrimaryID:     s.PrimaryID,
		AdvertisingID: s.AdvertisingID,
		PushID:        s.PushID,
		Blob:          s.Blob,
		LocationHint:  s.LocationHint,
		CustomerIDs:   ids,
		LastSync:      s.LastSync.Unix(),
		PrivacyStatus: string(s.PrivacyStatus),
	}
}

// Equals reports whether two snapshots expose the same externally-visible
// fields. LastSync is deliberately excluded: a sync that changed nothing else
// does not warrant a new shared-state version.
func (sn Snapshot) Equals(other Snapshot) bool {
	if sn.PrimaryID != other.PrimaryID ||
		sn.AdvertisingID != other.AdvertisingID ||
		sn.PushID != other.PushID ||
		sn.Blob != other.Blob ||
		sn.LocationHint != other.LocationHint ||
		sn.PrivacyStatus != other.PrivacyStatus {
		return false
	}
	return CustomerIDSetsEqual(sn.CustomerIDs, other.CustomerIDs)
}
