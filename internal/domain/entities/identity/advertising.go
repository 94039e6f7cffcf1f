package identity

// AllZeroAdvertisingID is the value some platforms report when the user has
// revoked ad tracking consent. It compares equal to "no advertising id" but is
// still forwarded once to the identity service as a consent-revocation signal.
const AllZeroAdvertisingID = "00000000-0000-0000-0000-000000000000"

// NormalizeAdvertisingID maps the all-zero pattern to the empty string so that
// "revoked" and "never set" compare equal.
func NormalizeAdvertisingID(value string) string {
	if value == AllZeroAdvertisingID {
		return ""
	}
	return value
}

// ExtractAndUpdateAdvertisingID compares an incoming advertising id against
// the currently persisted one, normalizing the all-zero pattern on both sides.
// When the normalized values differ it returns the VisitorID to sync (carrying
// the raw incoming value, all-zero included) and changed=true; otherwise
// (nil, false) and no hit is generated.
//
// The caller persists PersistedAdvertisingID(newValue) afterward, so an
// all-zero incoming value is stored as empty rather than as the zero pattern.
func ExtractAndUpdateAdvertisingID(newValue, currentValue string) (*VisitorID, bool) {
	if NormalizeAdvertisingID(newValue) == NormalizeAdvertisingID(currentValue) {
		return nil, false
	}

	id := VisitorID{
		Origin:    OriginCustomer,
		Type:      TypeAdvertising,
		Value:     newValue,
		AuthState: AuthStateAuthenticated,
	}
	return &id, true
}

// PersistedAdvertisingID returns the value to store as the current advertising
// id after a change was detected.
func PersistedAdvertisingID(newValue string) string {
	return NormalizeAdvertisingID(newValue)
}
