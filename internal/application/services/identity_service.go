package services

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AtRiskMedia/visitorid-go/config"
	"github.com/AtRiskMedia/visitorid-go/internal/domain/entities/identity"
	domainEvents "github.com/AtRiskMedia/visitorid-go/internal/domain/events"
	"github.com/AtRiskMedia/visitorid-go/internal/domain/repositories"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/messaging"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	"github.com/oklog/ulid/v2"
)

// IdentityService is the root orchestration of the identity extension: it
// wires inbound events through the sync decision into the hit queue and owns
// every privacy-status transition. All of its handlers run on the single
// inbound event worker, which is what makes it the sole mutator of identity
// state.
type IdentityService struct {
	bus         messaging.EventBus
	states      messaging.SharedStateManager
	coordinator *StateService
	decision    *SyncDecisionService
	queue       *HitQueueService
	repo        repositories.IdentityRepository
	cfg         *config.Settings
	logger      *logging.ChanneledLogger

	// Owned by the event worker after Boot.
	state *identity.IdentityState
}

// NewIdentityService creates the identity extension root.
func NewIdentityService(
	bus messaging.EventBus,
	states messaging.SharedStateManager,
	coordinator *StateService,
	decision *SyncDecisionService,
	queue *HitQueueService,
	repo repositories.IdentityRepository,
	cfg *config.Settings,
	logger *logging.ChanneledLogger,
) *IdentityService {
	return &IdentityService{
		bus:         bus,
		states:      states,
		coordinator: coordinator,
		decision:    decision,
		queue:       queue,
		repo:        repo,
		cfg:         cfg,
		logger:      logger,
	}
}

// Boot loads persisted state, registers the extension and its handlers, and
// publishes the initial shared state. Call before the dispatcher starts
// delivering events.
func (s *IdentityService) Boot() error {
	state, err := s.repo.Load()
	if err != nil {
		// Unreadable persistence degrades to defaults, never to a dead start.
		if s.logger != nil {
			s.logger.Startup().Warn("Persisted identity unreadable, starting fresh", "error", err.Error())
		}
		state = identity.NewIdentityState()
	}
	if state.PrivacyStatus == identity.PrivacyUnknown {
		state.PrivacyStatus = identity.ParsePrivacyStatus(s.cfg.DefaultPrivacy)
	}
	s.state = state

	s.queue.SetResponseHandler(s.handleSyncResponse)

	s.states.RegisterExtension(SharedStateIdentity)
	s.bus.RegisterHandler(domainEvents.TypeIdentity, domainEvents.SourceRequestIdentity, s.handleIdentityRequest)
	s.bus.RegisterHandler(domainEvents.TypeIdentity, domainEvents.SourceRequestReset, s.handleResetRequest)
	s.bus.RegisterHandler(domainEvents.TypeConfiguration, domainEvents.SourceResponseContent, s.handleConfigurationChange)

	if state.PrivacyStatus == identity.PrivacyOptOut {
		s.queue.Suspend()
	}

	s.coordinator.PublishIfChanged(state.Snapshot())

	if s.logger != nil {
		s.logger.Startup().Info("Identity extension booted",
			"mid", logging.SanitizeMID(state.PrimaryID),
			"privacyStatus", string(state.PrivacyStatus),
			"customerIdCount", len(state.CustomerIDs),
		)
	}
	return nil
}

// Snapshot returns the current externally-visible identity projection. Safe
// for the ops read path; the snapshot is value-copied.
func (s *IdentityService) Snapshot() identity.Snapshot {
	return s.state.Snapshot()
}

// =============================================================================
// Inbound event handlers (event worker only)
// =============================================================================

func (s *IdentityService) handleIdentityRequest(event domainEvents.Event) {
	if event.HasData(domainEvents.KeyBaseURL) {
		s.handleAppendToURL(event)
		return
	}

	req, isSync := s.decodeSyncRequest(event)
	if !isSync {
		// Plain identifier query, answered from current state.
		s.respondIdentity(event.ID)
		return
	}

	s.processSync(event, req)
}

func (s *IdentityService) decodeSyncRequest(event domainEvents.Event) (SyncRequest, bool) {
	req := SyncRequest{ForceSync: event.BoolData(domainEvents.KeyForceSync)}

	authState := parseAuthState(event.Data[domainEvents.KeyAuthState])
	for idType, value := range event.MapData(domainEvents.KeyVisitorIDs) {
		if idType == "" {
			// Invalid caller input is filtered, not rejected.
			continue
		}
		req.CustomerIDs = append(req.CustomerIDs, identity.NewVisitorID(idType, value, authState))
	}

	if event.HasData(domainEvents.KeyAdvertisingID) {
		adID := event.StringData(domainEvents.KeyAdvertisingID)
		req.AdvertisingID = &adID
	}
	if event.HasData(domainEvents.KeyPushID) {
		pushID := event.StringData(domainEvents.KeyPushID)
		req.PushID = &pushID
	}

	isSync := event.BoolData(domainEvents.KeyIsSyncEvent) ||
		len(req.CustomerIDs) > 0 ||
		req.AdvertisingID != nil ||
		req.PushID != nil ||
		req.ForceSync
	return req, isSync
}

func (s *IdentityService) processSync(event domainEvents.Event, req SyncRequest) {
	decision := s.decision.Decide(s.state, req, time.Now())

	if s.state.PrivacyStatus == identity.PrivacyOptOut {
		// No network contact, but dependents still get a state publication
		// and the caller still gets a successful resolution.
		s.coordinator.PublishIfChanged(s.state.Snapshot())
		s.respondIdentity(event.ID)
		return
	}

	if decision.GeneratedPrimary != "" {
		s.state.PrimaryID = decision.GeneratedPrimary
	}
	s.state.CustomerIDs = decision.MergedIDs
	if decision.AdIDChanged {
		s.state.AdvertisingID = decision.AdvertisingID
	}
	if decision.PushChanged {
		s.state.PushID = decision.PushID
	}
	s.persist()

	// Optimistic publication: local state is authoritative regardless of
	// whether the network call succeeds later.
	s.coordinator.PublishIfChanged(s.state.Snapshot())

	if decision.Required {
		hit := identity.IdentityHit{
			ID:            ulid.Make().String(),
			URL:           s.decision.BuildSyncURL(s.state, decision),
			CorrelationID: event.ID,
		}
		if err := s.queue.Enqueue(hit); err != nil && s.logger != nil {
			s.logger.Identity().Error("Failed to enqueue sync hit", "error", err.Error(), "hitId", hit.ID)
		}
	}

	s.respondIdentity(event.ID)
}

func (s *IdentityService) handleResetRequest(event domainEvents.Event) {
	if s.state.PrivacyStatus == identity.PrivacyOptOut {
		s.respondIdentity(event.ID)
		return
	}

	if s.logger != nil {
		s.logger.Identity().Info("Resetting identity", "previousMid", logging.SanitizeMID(s.state.PrimaryID))
	}

	s.state.ClearIdentifiers()
	s.state.LastSync = time.Time{}

	decision := s.decision.Decide(s.state, SyncRequest{ForceSync: true}, time.Now())
	s.state.PrimaryID = decision.GeneratedPrimary
	s.persist()
	s.coordinator.PublishIfChanged(s.state.Snapshot())

	hit := identity.IdentityHit{
		ID:            ulid.Make().String(),
		URL:           s.decision.BuildSyncURL(s.state, decision),
		CorrelationID: event.ID,
	}
	if err := s.queue.Enqueue(hit); err != nil && s.logger != nil {
		s.logger.Identity().Error("Failed to enqueue reset sync hit", "error", err.Error(), "hitId", hit.ID)
	}

	s.respondIdentity(event.ID)
}

func (s *IdentityService) handleConfigurationChange(event domainEvents.Event) {
	if !event.HasData(domainEvents.KeyPrivacyStatus) {
		return
	}

	newStatus := identity.ParsePrivacyStatus(event.StringData(domainEvents.KeyPrivacyStatus))
	current := s.state.PrivacyStatus
	if newStatus == current {
		return
	}

	if s.logger != nil {
		s.logger.Privacy().Info("Privacy status transition",
			"from", string(current),
			"to", string(newStatus),
		)
	}

	if newStatus == identity.PrivacyOptOut {
		s.applyOptOut()
		return
	}

	s.state.PrivacyStatus = newStatus
	s.persist()
	if current == identity.PrivacyOptOut {
		// Resuming does not re-sync by itself; the next natural trigger does.
		s.queue.Resume()
	}
	s.coordinator.PublishIfChanged(s.state.Snapshot())
}

// applyOptOut performs the opt-out transition: notify the service once using
// the pre-clear primary id, discard queued work, and clear everything.
func (s *IdentityService) applyOptOut() {
	if s.state.PrivacyStatus == identity.PrivacyOptOut {
		return
	}

	if mid := s.state.PrimaryID; mid != "" {
		hit := identity.IdentityHit{
			ID:     ulid.Make().String(),
			URL:    s.decision.BuildOptOutURL(mid),
			OptOut: true,
		}
		if err := s.queue.Enqueue(hit); err != nil && s.logger != nil {
			s.logger.Privacy().Warn("Failed to enqueue opt-out notification", "error", err.Error())
		}
	}

	s.queue.Suspend()
	if _, err := s.queue.PurgeNonOptOut(); err != nil && s.logger != nil {
		s.logger.Privacy().Error("Failed to purge queued hits on opt-out", "error", err.Error())
	}

	s.state.ClearIdentifiers()
	s.state.PrivacyStatus = identity.PrivacyOptOut
	s.persist()
	s.coordinator.PublishIfChanged(s.state.Snapshot())
}

// handleSyncResponse applies a parsed network response. The queue worker
// marshals this back onto the event worker, and the current privacy status is
// re-checked so a response racing a fast opt-out cannot resurrect cleared
// data.
func (s *IdentityService) handleSyncResponse(hit identity.IdentityHit, resp *identity.SyncResponse) {
	if s.state.PrivacyStatus == identity.PrivacyOptOut {
		if s.logger != nil {
			s.logger.Identity().Debug("Dropping sync response after opt-out", "hitId", hit.ID)
		}
		return
	}

	if resp != nil && resp.PrimaryID != "" && resp.PrimaryID != s.state.PrimaryID {
		// The response belongs to an identity that was since reset; applying
		// its routing blob would attach stale metadata to the new id.
		if s.logger != nil {
			s.logger.Identity().Warn("Ignoring stale sync response",
				"hitId", hit.ID,
				"responseMid", logging.SanitizeMID(resp.PrimaryID),
				"currentMid", logging.SanitizeMID(s.state.PrimaryID),
			)
		}
		return
	}

	if resp != nil {
		if resp.Error != "" && s.logger != nil {
			s.logger.Identity().Warn("Identity service reported an error", "serviceError", resp.Error, "hitId", hit.ID)
		}
		if len(resp.OptOutList) > 0 {
			// The service can demand a global opt-out on behalf of the user.
			if s.logger != nil {
				s.logger.Privacy().Info("Opt-out requested by identity service", "entries", len(resp.OptOutList))
			}
			s.applyOptOut()
			return
		}
		if resp.Error == "" {
			if resp.Blob != "" {
				s.state.Blob = resp.Blob
			}
			if hint := resp.Hint(); hint != "" {
				s.state.LocationHint = hint
			}
			if resp.TTLSeconds > 0 {
				s.state.TTL = time.Duration(resp.TTLSeconds) * time.Second
			}
		}
	}

	s.state.LastSync = time.Now().UTC()
	s.persist()
	s.coordinator.PublishIfChanged(s.state.Snapshot())
}

// handleAppendToURL answers a request for a URL decorated with visitor
// identity, waiting on the analytics component's shared state off the event
// worker so other events keep flowing.
func (s *IdentityService) handleAppendToURL(event domainEvents.Event) {
	baseURL := event.StringData(domainEvents.KeyBaseURL)
	snapshot := s.state.Snapshot()
	requestID := event.ID

	go func() {
		dependency := s.coordinator.WaitForDependency(SharedStateAnalytics)
		analyticsID := ""
		if dependency.Status == messaging.StateSet && dependency.Data != nil {
			if aid, ok := dependency.Data["aid"].(string); ok {
				analyticsID = aid
			}
		}

		updated := appendVisitorInfo(baseURL, s.cfg.OrgID, snapshot, analyticsID, time.Now())
		s.bus.DispatchResponse(domainEvents.Event{
			Type:   domainEvents.TypeIdentity,
			Source: domainEvents.SourceResponseIdentity,
			Data: map[string]any{
				domainEvents.KeyUpdatedURL: updated,
			},
		}, requestID)
	}()
}

func (s *IdentityService) respondIdentity(requestID string) {
	s.bus.DispatchResponse(domainEvents.Event{
		Type:   domainEvents.TypeIdentity,
		Source: domainEvents.SourceResponseIdentity,
		Data:   snapshotToMap(s.state.Snapshot()),
	}, requestID)
}

// persist saves state synchronously, degrading to log-only on failure so the
// in-memory state stays authoritative.
func (s *IdentityService) persist() {
	if err := s.repo.Save(s.state); err != nil && s.logger != nil {
		s.logger.Identity().Error("Failed to persist identity state", "error", err.Error())
	}
}

// appendVisitorInfo decorates a URL with the visitor identity payload. The
// payload rides in a single query parameter so receiving pages can parse it
// back out as one unit.
func appendVisitorInfo(baseURL, orgID string, snapshot identity.Snapshot, analyticsID string, now time.Time) string {
	if baseURL == "" {
		return baseURL
	}

	payload := []string{
		"TS=" + strconv.FormatInt(now.Unix(), 10),
		"MCMID=" + snapshot.PrimaryID,
	}
	if analyticsID != "" {
		payload = append(payload, "MCAID="+analyticsID)
	}
	payload = append(payload, "MCORGID="+orgID)

	values := url.Values{}
	values.Set("vid_mc", strings.Join(payload, "|"))

	separator := "?"
	if strings.Contains(baseURL, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s%s", baseURL, separator, values.Encode())
}

// parseAuthState tolerates the numeric and string forms an event payload may
// carry after a JSON round trip.
func parseAuthState(value any) identity.AuthState {
	switch v := value.(type) {
	case identity.AuthState:
		return v
	case int:
		return authStateFromInt(v)
	case float64:
		return authStateFromInt(int(v))
	case string:
		switch strings.ToLower(v) {
		case "authenticated", "1":
			return identity.AuthStateAuthenticated
		case "logged_out", "loggedout", "2":
			return identity.AuthStateLoggedOut
		}
	}
	return identity.AuthStateUnknown
}

func authStateFromInt(ordinal int) identity.AuthState {
	switch ordinal {
	case 1:
		return identity.AuthStateAuthenticated
	case 2:
		return identity.AuthStateLoggedOut
	default:
		return identity.AuthStateUnknown
	}
}
