// Package identity defines the visitor identity value types and the pure
// merge rules applied to customer-supplied identifiers.
package identity

// AuthState represents the authentication state of a visitor identifier.
type AuthState int

const (
	// AuthStateUnknown is the default state for identifiers with no known session.
	AuthStateUnknown AuthState = iota
	// AuthStateAuthenticated marks an identifier tied to a logged-in user.
	AuthStateAuthenticated
	// AuthStateLoggedOut marks an identifier whose session has ended.
	AuthStateLoggedOut
)

// Reserved namespace constants for identifiers managed by the identity service.
const (
	// OriginCustomer is the query namespace under which identifier triplets are sent.
	OriginCustomer = "d_cid_ic"
	// TypeAdvertising is the reserved identifier type for the device advertising id.
	TypeAdvertising = "DSID_20914"
	// TypePush is the reserved identifier type for the push token.
	TypePush = "20919"
)

// VisitorID represents a single namespaced visitor identifier. The uniqueness
// key within a customer-identifier set is Type alone.
type VisitorID struct {
	Origin    string    `json:"origin"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	AuthState AuthState `json:"authState"`
}

// NewVisitorID creates a customer VisitorID under the standard namespace.
func NewVisitorID(idType, value string, authState AuthState) VisitorID {
	return VisitorID{
		Origin:    OriginCustomer,
		Type:      idType,
		Value:     value,
		AuthState: authState,
	}
}

// IsValid reports whether the identifier carries a usable value. Entries with
// an empty value are purged during cleanup.
func (v VisitorID) IsValid() bool {
	return v.Type != "" && v.Value != ""
}

// Equals compares all fields of two identifiers.
func (v VisitorID) Equals(other VisitorID) bool {
	return v.Origin == other.Origin &&
		v.Type == other.Type &&
		v.Value == other.Value &&
		v.AuthState == other.AuthState
}

// MergeCustomerIDs merges incoming identifiers into the current set. An
// incoming identifier replaces any current entry with the same Type
// (last-write-wins); new types append in incoming order. Neither input is
// mutated.
func MergeCustomerIDs(current, incoming []VisitorID) []VisitorID {
	merged := make([]VisitorID, len(current))
	copy(merged, current)

	for _, in := range incoming {
		replaced := false
		for i, existing := range merged {
			if existing.Type == in.Type {
				merged[i] = in
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, in)
		}
	}

	return merged
}

// CleanupCustomerIDs removes identifiers whose value is empty, preserving the
// relative order of the rest. A nil input stays nil, distinct from an empty
// set which stays empty.
func CleanupCustomerIDs(ids []VisitorID) []VisitorID {
	if ids == nil {
		return nil
	}

	cleaned := make([]VisitorID, 0, len(ids))
	for _, id := range ids {
		if id.Value != "" {
			cleaned = append(cleaned, id)
		}
	}
	return cleaned
}

// CustomerIDSetsEqual reports whether two identifier sets carry the same
// identifiers, ignoring order. Used by the sync decision to detect whether a
// merge actually changed anything.
func CustomerIDSetsEqual(a, b []VisitorID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, idA := range a {
		found := false
		for _, idB := range b {
			if idA.Equals(idB) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
