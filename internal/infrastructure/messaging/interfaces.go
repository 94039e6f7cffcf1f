// Package messaging defines the in-process event bus and shared-state
// contracts consumed by the identity extension.
package messaging

import (
	"github.com/AtRiskMedia/visitorid-go/internal/domain/events"
)

// SharedStateStatus describes the availability of a component's shared state.
type SharedStateStatus int

const (
	// StateNone means the component is not registered or has never published.
	StateNone SharedStateStatus = iota
	// StatePending means the component is registered and a publication is
	// underway but not yet resolved.
	StatePending
	// StateSet means a resolved snapshot is available.
	StateSet
)

// StateResolution selects which version of a shared state a reader wants.
type StateResolution int

const (
	// ResolutionAny resolves to the newest non-pending version, falling back
	// to pending when nothing has resolved yet.
	ResolutionAny StateResolution = iota
	// ResolutionLast resolves to the newest version even if pending.
	ResolutionLast
)

// SharedStateResult is the outcome of a shared-state read.
type SharedStateResult struct {
	Status  SharedStateStatus
	Version int
	Data    map[string]any
}

// EventHandler processes one event on the inbound event worker.
type EventHandler func(event events.Event)

// EventBus delivers events to registered handlers on a single ordered worker.
type EventBus interface {
	// RegisterHandler subscribes a handler to events of the given type and
	// source. Multiple handlers for the same key run in registration order.
	RegisterHandler(eventType, eventSource string, handler EventHandler)

	// Dispatch queues an event for delivery and returns its assigned id.
	Dispatch(event events.Event) string

	// DispatchResponse delivers a response event paired to an earlier request.
	DispatchResponse(response events.Event, requestID string)

	// Submit schedules a task on the event worker. Used to marshal background
	// completions (network responses) back onto the single mutator.
	Submit(task func())
}

// SharedStateSource reads a named component's shared state. The coordinator
// depends only on this capability, not on concrete component types.
type SharedStateSource interface {
	GetSharedState(owner string, resolution StateResolution) SharedStateResult
	IsRegistered(owner string) bool
}

// SharedStateManager extends reads with publication.
type SharedStateManager interface {
	SharedStateSource

	// RegisterExtension announces a component so readers can distinguish
	// "pending" from "never going to publish".
	RegisterExtension(owner string)

	// CreateSharedState publishes a resolved snapshot and returns its version.
	CreateSharedState(owner string, data map[string]any) int

	// CreatePendingSharedState reserves the next version in pending status.
	// ResolvePendingSharedState fills it in later.
	CreatePendingSharedState(owner string) int
	ResolvePendingSharedState(owner string, version int, data map[string]any)
}
