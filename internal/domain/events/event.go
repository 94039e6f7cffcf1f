// Package events provides the event model carried over the in-process bus.
package events

import "time"

// Event types understood by the identity extension.
const (
	TypeIdentity      = "identity"
	TypeConfiguration = "configuration"
	TypeBoot          = "boot"
)

// Event sources qualifying the type. Handlers register on (type, source).
const (
	SourceRequestIdentity  = "request_identity"
	SourceRequestReset     = "request_reset"
	SourceResponseIdentity = "response_identity"
	SourceResponseContent  = "response_content"
	SourceBootCompleted    = "boot_completed"
)

// Well-known event data keys.
const (
	KeyVisitorIDs    = "visitoridentifiers"
	KeyAuthState     = "authenticationstate"
	KeyForceSync     = "forcesync"
	KeyIsSyncEvent   = "issyncevent"
	KeyPushID        = "pushidentifier"
	KeyAdvertisingID = "advertisingidentifier"
	KeyPrivacyStatus = "global.privacy"
	KeyBaseURL       = "baseurl"
	KeyUpdatedURL    = "updatedurl"
)

// Event is one unit of work delivered to the inbound event worker. PairID
// correlates a response event back to the request that caused it.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	PairID    string         `json:"pairId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StringData reads a string value from the event payload, returning "" when
// the key is absent or holds a different type.
func (e Event) StringData(key string) string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// BoolData reads a bool value from the event payload.
func (e Event) BoolData(key string) bool {
	if e.Data == nil {
		return false
	}
	if v, ok := e.Data[key].(bool); ok {
		return v
	}
	return false
}

// MapData reads a string-to-string map from the event payload. Both typed and
// generic map forms are accepted since payloads may round-trip through JSON.
func (e Event) MapData(key string) map[string]string {
	if e.Data == nil {
		return nil
	}
	switch m := e.Data[key].(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// HasData reports whether the payload carries the key at all, regardless of
// value. Needed where "absent" and "empty" mean different things, e.g. a push
// token being cleared versus never supplied.
func (e Event) HasData(key string) bool {
	if e.Data == nil {
		return false
	}
	_, ok := e.Data[key]
	return ok
}
