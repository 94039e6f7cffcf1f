package services

import (
	"encoding/json"
	"time"

	"github.com/AtRiskMedia/visitorid-go/config"
	"github.com/AtRiskMedia/visitorid-go/internal/domain/entities/identity"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/messaging"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
)

// Shared-state owners known to the identity extension.
const (
	SharedStateIdentity      = "identity"
	SharedStateAnalytics     = "analytics"
	SharedStateConfiguration = "configuration"
)

// dependencyPollInterval paces the bounded wait on a pending dependency.
const dependencyPollInterval = 25 * time.Millisecond

// StateService is the shared-state coordinator: it publishes identity
// snapshots as versioned shared state and performs bounded waits on other
// components' pending state.
type StateService struct {
	states messaging.SharedStateManager
	cfg    *config.Settings
	logger *logging.ChanneledLogger

	// Touched only on the event worker, so no locking is needed.
	lastPublished identity.Snapshot
	hasPublished  bool
}

// NewStateService creates a new shared-state coordinator.
func NewStateService(states messaging.SharedStateManager, cfg *config.Settings, logger *logging.ChanneledLogger) *StateService {
	return &StateService{
		states: states,
		cfg:    cfg,
		logger: logger,
	}
}

// PublishIfChanged publishes the snapshot as a new shared-state version when
// at least one externally-visible field differs from the last publication.
// Returns the version and whether anything was published. Must be called on
// the event worker.
func (s *StateService) PublishIfChanged(snapshot identity.Snapshot) (int, bool) {
	if s.hasPublished && snapshot.Equals(s.lastPublished) {
		if s.logger != nil {
			s.logger.State().Debug("Snapshot unchanged, skipping publication")
		}
		return 0, false
	}

	version := s.states.CreateSharedState(SharedStateIdentity, snapshotToMap(snapshot))
	s.lastPublished = snapshot
	s.hasPublished = true

	if s.logger != nil {
		s.logger.State().Info("Identity shared state published",
			"version", version,
			"mid", logging.SanitizeMID(snapshot.PrimaryID),
			"customerIdCount", len(snapshot.CustomerIDs),
		)
	}
	return version, true
}

// WaitForDependency reads another component's shared state, waiting out a
// pending publication up to the configured timeout. An unregistered owner
// returns immediately; a timeout returns whatever was last observed. This
// never fails the caller.
func (s *StateService) WaitForDependency(owner string) messaging.SharedStateResult {
	start := time.Now()

	if !s.states.IsRegistered(owner) {
		if s.logger != nil {
			s.logger.State().Debug("Dependency not registered, proceeding", "owner", owner)
		}
		return messaging.SharedStateResult{Status: messaging.StateNone}
	}

	deadline := start.Add(s.cfg.DependencyWaitTimeout)
	result := s.states.GetSharedState(owner, messaging.ResolutionAny)
	for result.Status == messaging.StatePending && time.Now().Before(deadline) {
		time.Sleep(dependencyPollInterval)
		result = s.states.GetSharedState(owner, messaging.ResolutionAny)
	}

	if s.logger != nil {
		s.logger.State().Debug("Dependency wait finished",
			"owner", owner,
			"status", int(result.Status),
			"version", result.Version,
			"duration", time.Since(start),
		)
	}
	return result
}

// snapshotToMap converts a snapshot to the generic map form the bus carries.
func snapshotToMap(snapshot identity.Snapshot) map[string]any {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return map[string]any{}
	}
	data := map[string]any{}
	if err := json.Unmarshal(encoded, &data); err != nil {
		return map[string]any{}
	}
	return data
}
