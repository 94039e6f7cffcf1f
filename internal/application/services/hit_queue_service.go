package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtRiskMedia/visitorid-go/config"
	"github.com/AtRiskMedia/visitorid-go/internal/domain/entities/identity"
	"github.com/AtRiskMedia/visitorid-go/internal/domain/repositories"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/messaging"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/network"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	"github.com/cenkalti/backoff/v4"
)

// Transport abstracts the network client so the queue can be tested against
// a fake identity service.
type Transport interface {
	Get(ctx context.Context, url string) (*network.Response, error)
}

// ResponseHandler receives the parsed body of a successful sync. It runs on
// the event worker, never on the queue worker. A nil response means the body
// was unparseable; the hit was still acked.
type ResponseHandler func(hit identity.IdentityHit, response *identity.SyncResponse)

// errSuspended aborts an in-progress retry cycle when privacy flips to
// opt-out mid-item. The item stays queued for the purge that follows.
var errSuspended = errors.New("queue suspended")

// dropError marks a permanent client rejection; the hit is removed unretried.
type dropError struct {
	status int
}

func (e *dropError) Error() string {
	return fmt.Sprintf("permanent rejection: status %d", e.status)
}

// HitQueueService drains the durable hit queue one item at a time, in enqueue
// order, retrying transport failures with bounded exponential backoff and
// feeding successful responses back onto the event worker.
type HitQueueService struct {
	repo      repositories.HitRepository
	transport Transport
	bus       messaging.EventBus
	cfg       *config.Settings
	logger    *logging.ChanneledLogger

	handler   ResponseHandler
	handlerMu sync.RWMutex

	suspended atomic.Bool
	wake      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHitQueueService creates a new hit queue service. Start must be called
// before hits are drained.
func NewHitQueueService(repo repositories.HitRepository, transport Transport, bus messaging.EventBus, cfg *config.Settings, logger *logging.ChanneledLogger) *HitQueueService {
	ctx, cancel := context.WithCancel(context.Background())
	return &HitQueueService{
		repo:      repo,
		transport: transport,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetResponseHandler wires the callback invoked for parsed sync responses.
func (q *HitQueueService) SetResponseHandler(handler ResponseHandler) {
	q.handlerMu.Lock()
	defer q.handlerMu.Unlock()
	q.handler = handler
}

// Start launches the single dispatch worker. Items persisted by a previous
// process run are picked up immediately.
func (q *HitQueueService) Start() {
	q.wg.Add(1)
	go q.run()

	if q.logger != nil {
		q.logger.Queue().Info("Hit queue worker started")
	}
}

// Stop cancels any in-flight request and waits for the worker to exit.
func (q *HitQueueService) Stop() {
	q.cancel()
	q.notify()
	q.wg.Wait()

	if q.logger != nil {
		q.logger.Queue().Info("Hit queue worker stopped")
	}
}

// Enqueue appends a hit to durable storage and wakes the worker. Safe to call
// from any goroutine; never blocks on network activity.
func (q *HitQueueService) Enqueue(hit identity.IdentityHit) error {
	if hit.EnqueuedAt.IsZero() {
		hit.EnqueuedAt = time.Now().UTC()
	}
	if err := q.repo.Append(hit); err != nil {
		if q.logger != nil {
			q.logger.Queue().Error("Failed to enqueue hit", "error", err.Error(), "hitId", hit.ID)
		}
		return err
	}

	if q.logger != nil {
		q.logger.Queue().Debug("Hit enqueued", "hitId", hit.ID, "optOut", hit.OptOut, "correlationId", hit.CorrelationID)
	}
	q.notify()
	return nil
}

// Suspend halts draining of everything except opt-out notification hits.
func (q *HitQueueService) Suspend() {
	q.suspended.Store(true)
	q.notify()
	if q.logger != nil {
		q.logger.Queue().Info("Hit queue suspended")
	}
}

// Resume restarts draining after an opt-out ends.
func (q *HitQueueService) Resume() {
	q.suspended.Store(false)
	q.notify()
	if q.logger != nil {
		q.logger.Queue().Info("Hit queue resumed")
	}
}

// Suspended reports whether draining is currently halted.
func (q *HitQueueService) Suspended() bool {
	return q.suspended.Load()
}

// PurgeNonOptOut discards every queued hit except opt-out notifications.
func (q *HitQueueService) PurgeNonOptOut() (int, error) {
	dropped, err := q.repo.PurgeNonOptOut()
	if err != nil {
		return 0, err
	}
	if q.logger != nil && dropped > 0 {
		q.logger.Queue().Info("Queued hits discarded on opt-out", "dropped", dropped)
	}
	return dropped, nil
}

// Depth reports the number of queued hits.
func (q *HitQueueService) Depth() (int, error) {
	return q.repo.Depth()
}

func (q *HitQueueService) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *HitQueueService) run() {
	defer q.wg.Done()

	for {
		if q.ctx.Err() != nil {
			return
		}

		hit, ok, err := q.repo.Peek()
		if err != nil {
			if q.logger != nil {
				q.logger.Queue().Error("Failed to read hit queue head", "error", err.Error())
			}
			if !q.waitForWake(q.cfg.RetryMaxInterval) {
				return
			}
			continue
		}
		if !ok {
			if !q.waitForWake(0) {
				return
			}
			continue
		}
		if q.suspended.Load() && !hit.OptOut {
			// Items accumulate while opted out; only the terminal opt-out
			// notification is allowed through.
			if !q.waitForWake(0) {
				return
			}
			continue
		}

		q.process(*hit)
	}
}

// waitForWake blocks until a wake signal, shutdown, or the timeout (0 means
// no timeout). Returns false on shutdown.
func (q *HitQueueService) waitForWake(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-q.wake:
			return true
		case <-q.ctx.Done():
			return false
		}
	}
	select {
	case <-q.wake:
		return true
	case <-time.After(timeout):
		return true
	case <-q.ctx.Done():
		return false
	}
}

func (q *HitQueueService) process(hit identity.IdentityHit) {
	start := time.Now()
	attempts := 0

	timeout := q.cfg.RequestTimeout
	if hit.OptOut {
		// Opt-out notifications are best-effort pings with a short deadline.
		timeout = q.cfg.BestEffortTimeout
	}

	var response *network.Response
	operation := func() error {
		if q.ctx.Err() != nil {
			return backoff.Permanent(q.ctx.Err())
		}
		if q.suspended.Load() && !hit.OptOut {
			return backoff.Permanent(errSuspended)
		}

		attempts++
		reqCtx, cancel := context.WithTimeout(q.ctx, timeout)
		defer cancel()

		resp, err := q.transport.Get(reqCtx, hit.URL)
		if err != nil {
			// Transport failure, retry the same item after backoff.
			return err
		}
		if resp.ClientError() {
			return backoff.Permanent(&dropError{status: resp.StatusCode})
		}
		if !resp.Success() {
			return fmt.Errorf("server error: status %d", resp.StatusCode)
		}

		response = resp
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.cfg.RetryInitialInterval
	policy.MaxInterval = q.cfg.RetryMaxInterval
	policy.MaxElapsedTime = q.cfg.RetryMaxElapsed

	err := backoff.Retry(operation, backoff.WithContext(policy, q.ctx))

	var drop *dropError
	switch {
	case err == nil:
		q.deliver(hit, response)
		q.ack(hit, "acked", attempts, time.Since(start))

	case errors.As(err, &drop):
		if q.logger != nil {
			q.logger.Queue().Warn("Hit dropped on permanent rejection",
				"hitId", hit.ID,
				"status", drop.status,
				"attempts", attempts,
			)
		}
		q.ack(hit, "dropped", attempts, time.Since(start))

	case errors.Is(err, errSuspended) || errors.Is(err, context.Canceled):
		// Leave the item queued; a purge or shutdown is in progress.

	default:
		// Retry window exhausted with the service still unreachable. The item
		// stays at the head; idle a while before trying again.
		if q.logger != nil {
			q.logger.Queue().Warn("Retry window exhausted, hit stays queued",
				"hitId", hit.ID,
				"error", err.Error(),
				"attempts", attempts,
			)
		}
		q.waitForWake(q.cfg.RetryMaxInterval)
	}
}

func (q *HitQueueService) ack(hit identity.IdentityHit, outcome string, attempts int, elapsed time.Duration) {
	if err := q.repo.Remove(hit.ID); err != nil {
		if q.logger != nil {
			q.logger.Queue().Error("Failed to remove processed hit", "error", err.Error(), "hitId", hit.ID)
		}
		return
	}
	if q.logger != nil {
		q.logger.Queue().Debug("Hit processed",
			"hitId", hit.ID,
			"outcome", outcome,
			"attempts", attempts,
			"duration", elapsed,
		)
	}
}

// deliver parses the response body and marshals the handler invocation onto
// the event worker so identity state keeps a single mutator.
func (q *HitQueueService) deliver(hit identity.IdentityHit, resp *network.Response) {
	if hit.OptOut {
		// The opt-out ping carries no state to apply.
		return
	}

	q.handlerMu.RLock()
	handler := q.handler
	q.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	var parsed *identity.SyncResponse
	if len(resp.Body) > 0 {
		decoded := &identity.SyncResponse{}
		if err := json.Unmarshal(resp.Body, decoded); err != nil {
			if q.logger != nil {
				q.logger.Queue().Warn("Unparseable sync response body", "error", err.Error(), "hitId", hit.ID)
			}
		} else {
			parsed = decoded
		}
	}

	q.bus.Submit(func() {
		handler(hit, parsed)
	})
}
