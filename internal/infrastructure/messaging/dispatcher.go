package messaging

import (
	"sync"
	"time"

	"github.com/AtRiskMedia/visitorid-go/internal/domain/events"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	"github.com/oklog/ulid/v2"
)

const workQueueDepth = 256

type handlerKey struct {
	eventType string
	source    string
}

type versionedState struct {
	version int
	pending bool
	data    map[string]any
}

// Dispatcher is the in-process event bus: a single ordered worker goroutine
// delivers events and submitted tasks one at a time, never re-entrant.
// It also owns the versioned shared-state registry.
type Dispatcher struct {
	work     chan func()
	handlers map[handlerKey][]EventHandler
	mu       sync.RWMutex

	states     map[string][]versionedState
	registered map[string]bool
	stateMu    sync.RWMutex

	waiters  map[string]chan events.Event
	waiterMu sync.Mutex

	logger  *logging.ChanneledLogger
	done    chan struct{}
	stopped sync.Once
}

// NewDispatcher creates a dispatcher. Run must be started before events flow.
func NewDispatcher(logger *logging.ChanneledLogger) *Dispatcher {
	return &Dispatcher{
		work:       make(chan func(), workQueueDepth),
		handlers:   make(map[handlerKey][]EventHandler),
		states:     make(map[string][]versionedState),
		registered: make(map[string]bool),
		waiters:    make(map[string]chan events.Event),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run processes queued work until Stop is called. Each unit runs to
// completion before the next starts, which is what makes the event worker the
// single mutator of identity state.
func (d *Dispatcher) Run() {
	for {
		select {
		case task := <-d.work:
			task()
		case <-d.done:
			// Drain what was queued before shutdown so enqueued responses
			// are not silently lost.
			for {
				select {
				case task := <-d.work:
					task()
				default:
					return
				}
			}
		}
	}
}

// Stop shuts the worker down after draining queued work.
func (d *Dispatcher) Stop() {
	d.stopped.Do(func() {
		close(d.done)
		if d.logger != nil {
			d.logger.Shutdown().Info("Event dispatcher stopped")
		}
	})
}

// RegisterHandler subscribes a handler to (eventType, eventSource).
func (d *Dispatcher) RegisterHandler(eventType, eventSource string, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := handlerKey{eventType: eventType, source: eventSource}
	d.handlers[key] = append(d.handlers[key], handler)

	if d.logger != nil {
		d.logger.System().Debug("Handler registered", "eventType", eventType, "eventSource", eventSource)
	}
}

// Dispatch queues an event for ordered delivery and returns its assigned id.
func (d *Dispatcher) Dispatch(event events.Event) string {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	d.work <- func() { d.deliver(event) }
	return event.ID
}

// DispatchResponse delivers a response paired to an earlier request. Any
// waiter blocked on the request id is released; registered handlers for the
// response (type, source) still run afterward.
func (d *Dispatcher) DispatchResponse(response events.Event, requestID string) {
	response.PairID = requestID
	if response.ID == "" {
		response.ID = ulid.Make().String()
	}
	if response.Timestamp.IsZero() {
		response.Timestamp = time.Now().UTC()
	}

	d.waiterMu.Lock()
	waiter, ok := d.waiters[requestID]
	if ok {
		delete(d.waiters, requestID)
	}
	d.waiterMu.Unlock()

	if ok {
		select {
		case waiter <- response:
		default:
		}
	}

	d.work <- func() { d.deliver(response) }
}

// Submit schedules a task on the event worker.
func (d *Dispatcher) Submit(task func()) {
	d.work <- task
}

// WaitForResponse blocks the calling goroutine (never the event worker) until
// a response paired to requestID arrives or the timeout elapses.
func (d *Dispatcher) WaitForResponse(requestID string, timeout time.Duration) (events.Event, bool) {
	ch := make(chan events.Event, 1)

	d.waiterMu.Lock()
	d.waiters[requestID] = ch
	d.waiterMu.Unlock()

	select {
	case response := <-ch:
		return response, true
	case <-time.After(timeout):
		d.waiterMu.Lock()
		delete(d.waiters, requestID)
		d.waiterMu.Unlock()
		return events.Event{}, false
	}
}

// DispatchAndWait dispatches a request and blocks for its paired response.
// The waiter is registered before the event is queued, so a response arriving
// before this goroutine resumes is never missed.
func (d *Dispatcher) DispatchAndWait(event events.Event, timeout time.Duration) (events.Event, bool) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}

	ch := make(chan events.Event, 1)
	d.waiterMu.Lock()
	d.waiters[event.ID] = ch
	d.waiterMu.Unlock()

	d.Dispatch(event)

	select {
	case response := <-ch:
		return response, true
	case <-time.After(timeout):
		d.waiterMu.Lock()
		delete(d.waiters, event.ID)
		d.waiterMu.Unlock()
		return events.Event{}, false
	}
}

func (d *Dispatcher) deliver(event events.Event) {
	d.mu.RLock()
	handlers := d.handlers[handlerKey{eventType: event.Type, source: event.Source}]
	d.mu.RUnlock()

	if d.logger != nil {
		d.logger.System().Debug("Delivering event",
			"eventId", event.ID,
			"eventType", event.Type,
			"eventSource", event.Source,
			"handlerCount", len(handlers),
		)
	}

	for _, handler := range handlers {
		handler(event)
	}
}

// =============================================================================
// Shared-State Registry
// =============================================================================

// RegisterExtension announces a component on the bus.
func (d *Dispatcher) RegisterExtension(owner string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	d.registered[owner] = true
	if d.logger != nil {
		d.logger.State().Info("Extension registered", "owner", owner)
	}
}

// IsRegistered reports whether the component has been announced.
func (d *Dispatcher) IsRegistered(owner string) bool {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.registered[owner]
}

// CreateSharedState publishes a resolved snapshot, returning its version.
func (d *Dispatcher) CreateSharedState(owner string, data map[string]any) int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	d.registered[owner] = true
	version := d.nextVersionLocked(owner)
	d.states[owner] = append(d.states[owner], versionedState{version: version, data: data})

	if d.logger != nil {
		d.logger.State().Debug("Shared state published", "owner", owner, "version", version)
	}
	return version
}

// CreatePendingSharedState reserves the next version in pending status.
func (d *Dispatcher) CreatePendingSharedState(owner string) int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	d.registered[owner] = true
	version := d.nextVersionLocked(owner)
	d.states[owner] = append(d.states[owner], versionedState{version: version, pending: true})

	if d.logger != nil {
		d.logger.State().Debug("Pending shared state created", "owner", owner, "version", version)
	}
	return version
}

// ResolvePendingSharedState fills in a previously reserved version.
func (d *Dispatcher) ResolvePendingSharedState(owner string, version int, data map[string]any) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	versions := d.states[owner]
	for i := range versions {
		if versions[i].version == version {
			versions[i].pending = false
			versions[i].data = data
			if d.logger != nil {
				d.logger.State().Debug("Pending shared state resolved", "owner", owner, "version", version)
			}
			return
		}
	}

	if d.logger != nil {
		d.logger.State().Warn("Resolve for unknown shared-state version", "owner", owner, "version", version)
	}
}

// GetSharedState reads a component's shared state at the given resolution.
func (d *Dispatcher) GetSharedState(owner string, resolution StateResolution) SharedStateResult {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()

	if !d.registered[owner] {
		return SharedStateResult{Status: StateNone}
	}

	versions := d.states[owner]
	if len(versions) == 0 {
		return SharedStateResult{Status: StatePending}
	}

	latest := versions[len(versions)-1]
	if resolution == ResolutionLast {
		return resultFor(latest)
	}

	// ResolutionAny prefers the newest resolved version.
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].pending {
			return resultFor(versions[i])
		}
	}
	return resultFor(latest)
}

func resultFor(vs versionedState) SharedStateResult {
	status := StateSet
	if vs.pending {
		status = StatePending
	}
	return SharedStateResult{Status: status, Version: vs.version, Data: vs.data}
}

func (d *Dispatcher) nextVersionLocked(owner string) int {
	versions := d.states[owner]
	if len(versions) == 0 {
		return 1
	}
	return versions[len(versions)-1].version + 1
}
