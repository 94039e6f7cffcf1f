// Package services provides the identity synchronization orchestration
package services

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/AtRiskMedia/visitorid-go/config"
	"github.com/AtRiskMedia/visitorid-go/internal/domain/entities/identity"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	"github.com/google/uuid"
)

// Query parameter names of the identity service wire format.
const (
	paramOrgID    = "d_orgid"
	paramMID      = "d_mid"
	paramBlob     = "d_blob"
	paramRegion   = "dcs_region"
	paramVersion  = "d_ver"
	paramFormat   = "d_rtbd"
	paramConsent  = "d_consent"
	protoVersion  = "2"
	responseJSON  = "json"
	syncPath      = "/id"
	optOutPath    = "/demoptout.jpg"
	tripletSep    = "\x01"
	midDigitsHalf = 19
)

// Each half of the primary id is reduced modulo 10^19, yielding a 38-digit
// purely numeric identifier.
const midHalfModulus = uint64(10000000000000000000)

// SyncRequest is one inbound synchronization request, decoded from an
// identity request event. Nil pointer fields mean "not supplied", which is
// distinct from supplied-but-empty (a push token being cleared, for example).
type SyncRequest struct {
	CustomerIDs   []identity.VisitorID
	AdvertisingID *string
	PushID        *string
	ForceSync     bool
}

// SyncDecision is the outcome of inspecting a request against current state.
// The caller applies the staged mutations and, when Required, enqueues a hit.
type SyncDecision struct {
	Required  bool
	Reasons   []string
	FirstSync bool

	// Staged state mutations
	MergedIDs        []identity.VisitorID
	AdvertisingID    string
	AdIDChanged      bool
	PushID           string
	PushChanged      bool
	GeneratedPrimary string

	// Identifiers that go on the wire, customer ids plus the advertising id
	SyncIDs []identity.VisitorID
}

// SyncDecisionService holds the pure decision logic for whether and how to
// contact the identity service.
type SyncDecisionService struct {
	cfg    *config.Settings
	logger *logging.ChanneledLogger
}

// NewSyncDecisionService creates a new sync decision service.
func NewSyncDecisionService(cfg *config.Settings, logger *logging.ChanneledLogger) *SyncDecisionService {
	return &SyncDecisionService{cfg: cfg, logger: logger}
}

// Decide inspects the request and current state and produces the staged
// mutations plus whether a network call is required. State is not mutated.
func (s *SyncDecisionService) Decide(state *identity.IdentityState, req SyncRequest, now time.Time) SyncDecision {
	decision := SyncDecision{
		FirstSync:     state.LastSync.IsZero(),
		AdvertisingID: state.AdvertisingID,
		PushID:        state.PushID,
	}

	if state.PrivacyStatus == identity.PrivacyOptOut {
		// The request still resolves successfully; nothing goes on the wire.
		decision.Reasons = append(decision.Reasons, "opted_out")
		decision.MergedIDs = state.CustomerIDs
		return decision
	}

	if state.PrimaryID == "" {
		decision.GeneratedPrimary = s.GeneratePrimaryID()
		decision.Required = true
		decision.Reasons = append(decision.Reasons, "first_run")
	}

	incoming := identity.CleanupCustomerIDs(req.CustomerIDs)
	merged := identity.MergeCustomerIDs(state.CustomerIDs, incoming)
	merged = identity.CleanupCustomerIDs(merged)
	decision.MergedIDs = merged
	if !identity.CustomerIDSetsEqual(merged, state.CustomerIDs) {
		decision.Required = true
		decision.Reasons = append(decision.Reasons, "customer_ids_changed")
	}
	decision.SyncIDs = append(decision.SyncIDs, merged...)

	if req.AdvertisingID != nil {
		if adID, changed := identity.ExtractAndUpdateAdvertisingID(*req.AdvertisingID, state.AdvertisingID); changed {
			decision.Required = true
			decision.AdIDChanged = true
			decision.AdvertisingID = identity.PersistedAdvertisingID(*req.AdvertisingID)
			decision.Reasons = append(decision.Reasons, "advertising_id_changed")
			decision.SyncIDs = append(decision.SyncIDs, *adID)
		}
	}

	if req.PushID != nil && *req.PushID != state.PushID {
		// Same-value resubmission is a no-op; a token-to-empty transition
		// still syncs so the service learns the token was cleared.
		decision.Required = true
		decision.PushChanged = true
		decision.PushID = *req.PushID
		decision.Reasons = append(decision.Reasons, "push_id_changed")
	}

	if state.SyncExpired(now) {
		decision.Required = true
		decision.Reasons = append(decision.Reasons, "ttl_expired")
	}

	if req.ForceSync {
		decision.Required = true
		decision.Reasons = append(decision.Reasons, "force_sync")
	}

	if s.logger != nil {
		s.logger.Identity().Debug("Sync decision",
			"required", decision.Required,
			"reasons", decision.Reasons,
			"mergedIdCount", len(decision.MergedIDs),
		)
	}
	return decision
}

// GeneratePrimaryID produces a 38-digit numeric identifier from 128 bits of
// random entropy folded with the current time. Uniqueness matters here,
// determinism does not.
func (s *SyncDecisionService) GeneratePrimaryID() string {
	u := uuid.New()
	hi := binary.BigEndian.Uint64(u[0:8]) ^ uint64(time.Now().UnixNano())
	lo := binary.BigEndian.Uint64(u[8:16])
	return fmt.Sprintf("%0*d%0*d", midDigitsHalf, hi%midHalfModulus, midDigitsHalf, lo%midHalfModulus)
}

// BuildSyncURL constructs the synchronization request URL. Parameter order
// carries no meaning to the receiver.
func (s *SyncDecisionService) BuildSyncURL(state *identity.IdentityState, decision SyncDecision) string {
	mid := state.PrimaryID
	if decision.GeneratedPrimary != "" {
		mid = decision.GeneratedPrimary
	}

	values := url.Values{}
	values.Set(paramVersion, protoVersion)
	values.Set(paramFormat, responseJSON)
	values.Set(paramOrgID, s.cfg.OrgID)
	values.Set(paramMID, mid)
	if state.Blob != "" {
		values.Set(paramBlob, state.Blob)
	}
	if state.LocationHint != "" {
		values.Set(paramRegion, state.LocationHint)
	}
	if decision.FirstSync {
		values.Set(paramConsent, "1")
	}

	for _, id := range decision.SyncIDs {
		values.Add(identity.OriginCustomer, tripletFor(id))
	}
	if pushID := decision.PushID; pushID != "" {
		values.Add(identity.OriginCustomer, tripletFor(identity.VisitorID{
			Type:      identity.TypePush,
			Value:     pushID,
			AuthState: identity.AuthStateUnknown,
		}))
	}

	return fmt.Sprintf("https://%s%s?%s", s.cfg.Server, syncPath, values.Encode())
}

// BuildOptOutURL constructs the best-effort opt-out notification URL from the
// last-known primary id.
func (s *SyncDecisionService) BuildOptOutURL(mid string) string {
	values := url.Values{}
	values.Set(paramOrgID, s.cfg.OrgID)
	values.Set(paramMID, mid)
	return fmt.Sprintf("https://%s%s?%s", s.cfg.Server, optOutPath, values.Encode())
}

func tripletFor(id identity.VisitorID) string {
	return id.Type + tripletSep + id.Value + tripletSep + strconv.Itoa(int(id.AuthState))
}
