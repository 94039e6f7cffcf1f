// Package repositories defines the repository interfaces for identity
// persistence. These abstract the storage details so that state mutation and
// persistence stay two separable, independently testable steps.
package repositories

import (
	"github.com/AtRiskMedia/visitorid-go/internal/domain/entities/identity"
)

// IdentityRepository loads and saves the singleton identity record.
type IdentityRepository interface {
	// Load returns the persisted state or fresh defaults when nothing usable
	// is stored. A malformed record is never an error.
	Load() (*identity.IdentityState, error)

	// Save persists the full state synchronously.
	Save(state *identity.IdentityState) error
}

// HitRepository is the durable FIFO backing the hit queue. Items survive
// process restart until removed.
type HitRepository interface {
	// Append adds a hit at the tail of the queue.
	Append(hit identity.IdentityHit) error

	// Peek returns the head of the queue without removing it.
	Peek() (*identity.IdentityHit, bool, error)

	// Remove deletes a hit by id after it was acked or dropped.
	Remove(id string) error

	// PurgeNonOptOut discards every queued hit except opt-out notifications.
	// Applied on a privacy transition into opt-out.
	PurgeNonOptOut() (int, error)

	// Depth reports the number of queued hits.
	Depth() (int, error)
}
