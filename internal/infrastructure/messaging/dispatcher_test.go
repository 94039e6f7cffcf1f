package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/AtRiskMedia/visitorid-go/internal/domain/events"
)

func startDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(nil)
	go d.Run()
	t.Cleanup(d.Stop)
	return d
}

func TestDispatchDeliversInOrder(t *testing.T) {
	d := startDispatcher(t)

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	d.RegisterHandler(events.TypeIdentity, events.SourceRequestIdentity, func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Data["n"].(string))
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for _, n := range []string{"1", "2", "3"} {
		d.Dispatch(events.Event{
			Type:   events.TypeIdentity,
			Source: events.SourceRequestIdentity,
			Data:   map[string]any{"n": n},
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handlers never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"1", "2", "3"} {
		if seen[i] != want {
			t.Fatalf("delivery order = %v", seen)
		}
	}
}

func TestDispatchAssignsIDAndTimestamp(t *testing.T) {
	d := startDispatcher(t)

	got := make(chan events.Event, 1)
	d.RegisterHandler(events.TypeIdentity, events.SourceRequestIdentity, func(e events.Event) {
		got <- e
	})

	id := d.Dispatch(events.Event{Type: events.TypeIdentity, Source: events.SourceRequestIdentity})
	if id == "" {
		t.Fatalf("dispatch must assign an id")
	}

	select {
	case e := <-got:
		if e.ID != id {
			t.Fatalf("delivered id %q, dispatched %q", e.ID, id)
		}
		if e.Timestamp.IsZero() {
			t.Fatalf("delivered event has no timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestHandlerKeyIsolation(t *testing.T) {
	d := startDispatcher(t)

	wrong := make(chan struct{}, 1)
	right := make(chan struct{}, 1)
	d.RegisterHandler(events.TypeIdentity, events.SourceRequestReset, func(events.Event) {
		wrong <- struct{}{}
	})
	d.RegisterHandler(events.TypeIdentity, events.SourceRequestIdentity, func(events.Event) {
		right <- struct{}{}
	})

	d.Dispatch(events.Event{Type: events.TypeIdentity, Source: events.SourceRequestIdentity})

	select {
	case <-right:
	case <-time.After(2 * time.Second):
		t.Fatalf("matching handler never ran")
	}
	select {
	case <-wrong:
		t.Fatalf("handler for a different source must not run")
	default:
	}
}

func TestWaitForResponse(t *testing.T) {
	d := startDispatcher(t)

	requestID := d.Dispatch(events.Event{Type: events.TypeIdentity, Source: events.SourceRequestIdentity})

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.DispatchResponse(events.Event{
			Type:   events.TypeIdentity,
			Source: events.SourceResponseIdentity,
			Data:   map[string]any{"mid": "12345"},
		}, requestID)
	}()

	response, ok := d.WaitForResponse(requestID, time.Second)
	if !ok {
		t.Fatalf("response never arrived")
	}
	if response.PairID != requestID {
		t.Fatalf("response paired to %q, want %q", response.PairID, requestID)
	}
	if response.Data["mid"] != "12345" {
		t.Fatalf("response data lost: %v", response.Data)
	}
}

func TestDispatchAndWaitNeverMissesFastResponse(t *testing.T) {
	d := startDispatcher(t)

	// Handler answers synchronously on the worker, before the caller could
	// have registered a waiter after dispatching.
	d.RegisterHandler(events.TypeIdentity, events.SourceRequestIdentity, func(e events.Event) {
		d.DispatchResponse(events.Event{
			Type:   events.TypeIdentity,
			Source: events.SourceResponseIdentity,
			Data:   map[string]any{"mid": "12345"},
		}, e.ID)
	})

	for i := 0; i < 20; i++ {
		response, ok := d.DispatchAndWait(events.Event{
			Type:   events.TypeIdentity,
			Source: events.SourceRequestIdentity,
		}, time.Second)
		if !ok {
			t.Fatalf("iteration %d: response lost", i)
		}
		if response.Data["mid"] != "12345" {
			t.Fatalf("iteration %d: response data lost: %v", i, response.Data)
		}
	}
}

func TestWaitForResponseTimeout(t *testing.T) {
	d := startDispatcher(t)

	if _, ok := d.WaitForResponse("never-answered", 30*time.Millisecond); ok {
		t.Fatalf("expected timeout")
	}
}

func TestSubmitRunsOnWorker(t *testing.T) {
	d := startDispatcher(t)

	done := make(chan struct{})
	d.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("submitted task never ran")
	}
}

func TestSharedStateVersionsAreMonotonic(t *testing.T) {
	d := NewDispatcher(nil)

	v1 := d.CreateSharedState("identity", map[string]any{"mid": "a"})
	v2 := d.CreateSharedState("identity", map[string]any{"mid": "b"})
	v3 := d.CreatePendingSharedState("identity")

	if v1 != 1 || v2 != 2 || v3 != 3 {
		t.Fatalf("versions = %d %d %d, want 1 2 3", v1, v2, v3)
	}

	other := d.CreateSharedState("analytics", map[string]any{"aid": "x"})
	if other != 1 {
		t.Fatalf("owners version independently, got %d", other)
	}
}

func TestGetSharedStateResolutions(t *testing.T) {
	d := NewDispatcher(nil)

	if r := d.GetSharedState("identity", ResolutionAny); r.Status != StateNone {
		t.Fatalf("unregistered owner should read as none, got %v", r.Status)
	}

	d.RegisterExtension("identity")
	if r := d.GetSharedState("identity", ResolutionAny); r.Status != StatePending {
		t.Fatalf("registered but unpublished should read as pending, got %v", r.Status)
	}

	d.CreateSharedState("identity", map[string]any{"mid": "a"})
	pendingVersion := d.CreatePendingSharedState("identity")

	// ResolutionAny skips the pending head, ResolutionLast reports it.
	if r := d.GetSharedState("identity", ResolutionAny); r.Status != StateSet || r.Data["mid"] != "a" {
		t.Fatalf("ResolutionAny should surface the resolved version, got %+v", r)
	}
	if r := d.GetSharedState("identity", ResolutionLast); r.Status != StatePending || r.Version != pendingVersion {
		t.Fatalf("ResolutionLast should surface the pending head, got %+v", r)
	}

	d.ResolvePendingSharedState("identity", pendingVersion, map[string]any{"mid": "b"})
	if r := d.GetSharedState("identity", ResolutionAny); r.Data["mid"] != "b" || r.Version != pendingVersion {
		t.Fatalf("resolved pending version should now win, got %+v", r)
	}
}

func TestStopDrainsQueuedWork(t *testing.T) {
	d := NewDispatcher(nil)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		d.Submit(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		d.Run()
		close(done)
	}()
	d.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never exited")
	}

	mu.Lock()
	defer mu.Unlock()
	if ran != 5 {
		t.Fatalf("expected all queued work to drain on stop, ran %d", ran)
	}
}
