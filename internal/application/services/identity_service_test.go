package services

import (
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AtRiskMedia/visitorid-go/internal/domain/entities/identity"
	"github.com/AtRiskMedia/visitorid-go/internal/domain/events"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/messaging"
)

// memIdentityRepo is an in-memory IdentityRepository for tests.
type memIdentityRepo struct {
	mu    sync.Mutex
	saved *identity.IdentityState
}

func (r *memIdentityRepo) Load() (*identity.IdentityState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		return identity.NewIdentityState(), nil
	}
	copied := *r.saved
	return &copied, nil
}

func (r *memIdentityRepo) Save(state *identity.IdentityState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *state
	r.saved = &copied
	return nil
}

func (r *memIdentityRepo) lastSaved() *identity.IdentityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		return nil
	}
	copied := *r.saved
	return &copied
}

// extension bundles a fully wired identity extension against fakes.
type extension struct {
	dispatcher *messaging.Dispatcher
	queue      *HitQueueService
	repo       *memIdentityRepo
	transport  *scriptedTransport
	service    *IdentityService
}

func newExtension(t *testing.T, transport *scriptedTransport) *extension {
	t.Helper()

	cfg := testSettings()
	d := messaging.NewDispatcher(nil)
	repo := &memIdentityRepo{}
	hits := &memHitRepo{}

	coordinator := NewStateService(d, cfg, nil)
	decision := NewSyncDecisionService(cfg, nil)
	queue := NewHitQueueService(hits, transport, d, cfg, nil)
	service := NewIdentityService(d, d, coordinator, decision, queue, repo, cfg, nil)

	if err := service.Boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	go d.Run()
	t.Cleanup(d.Stop)

	return &extension{
		dispatcher: d,
		queue:      queue,
		repo:       repo,
		transport:  transport,
		service:    service,
	}
}

func (x *extension) startQueue(t *testing.T) {
	t.Helper()
	x.queue.Start()
	t.Cleanup(x.queue.Stop)
}

// syncAndWait dispatches an identity request and blocks for its response.
func (x *extension) syncAndWait(t *testing.T, data map[string]any) events.Event {
	t.Helper()
	response, ok := x.dispatcher.DispatchAndWait(events.Event{
		Type:   events.TypeIdentity,
		Source: events.SourceRequestIdentity,
		Data:   data,
	}, 2*time.Second)
	if !ok {
		t.Fatalf("identity request never resolved")
	}
	return response
}

func (x *extension) publishedSnapshot() map[string]any {
	return x.dispatcher.GetSharedState(SharedStateIdentity, messaging.ResolutionAny).Data
}

func TestFirstSyncGeneratesIdentity(t *testing.T) {
	x := newExtension(t, &scriptedTransport{})
	x.startQueue(t)

	response := x.syncAndWait(t, map[string]any{
		events.KeyVisitorIDs: map[string]string{"email": "a@b.c"},
		events.KeyAuthState:  "authenticated",
	})

	mid, _ := response.Data["mid"].(string)
	if len(mid) != 38 {
		t.Fatalf("expected a 38-digit primary id in the response, got %q", mid)
	}

	waitFor(t, "sync hit to be sent", func() bool { return x.transport.callCount() == 1 })

	sent, err := url.Parse(x.transport.calledURLs()[0])
	if err != nil {
		t.Fatalf("sent url unparseable: %v", err)
	}
	q := sent.Query()
	if q.Get("d_mid") != mid {
		t.Fatalf("wire mid %q does not match resolved mid %q", q.Get("d_mid"), mid)
	}
	if q.Get("d_consent") != "1" {
		t.Fatalf("first sync must declare consent")
	}
	if !strings.Contains(q["d_cid_ic"][0], "email\x01a@b.c\x011") {
		t.Fatalf("customer id triplet missing: %v", q["d_cid_ic"])
	}

	if saved := x.repo.lastSaved(); saved == nil || saved.PrimaryID != mid {
		t.Fatalf("state must be persisted before the network call resolves")
	}
	if published := x.publishedSnapshot(); published["mid"] != mid {
		t.Fatalf("shared state must carry the new mid, got %v", published)
	}
}

func TestPlainQueryDoesNotSync(t *testing.T) {
	x := newExtension(t, &scriptedTransport{})
	x.startQueue(t)

	x.syncAndWait(t, nil)

	time.Sleep(50 * time.Millisecond)
	if x.transport.callCount() != 0 {
		t.Fatalf("a plain identifier query must not reach the network")
	}
}

func TestPushTokenResubmissionSendsOneHit(t *testing.T) {
	x := newExtension(t, &scriptedTransport{})
	x.startQueue(t)

	x.syncAndWait(t, map[string]any{events.KeyPushID: "token-1"})
	waitFor(t, "queue to drain", func() bool { d, _ := x.queue.Depth(); return d == 0 })
	first := x.transport.callCount()

	x.syncAndWait(t, map[string]any{events.KeyPushID: "token-1"})
	time.Sleep(50 * time.Millisecond)

	if x.transport.callCount() != first {
		t.Fatalf("resubmitting the same push token must not sync again")
	}
}

func TestOptOutBeforeDispatchSendsNothing(t *testing.T) {
	x := newExtension(t, &scriptedTransport{})
	// Queue deliberately not started: the hit stays durable but unsent.

	x.syncAndWait(t, map[string]any{
		events.KeyVisitorIDs: map[string]string{"email": "a@b.c"},
	})
	if d, _ := x.queue.Depth(); d != 1 {
		t.Fatalf("expected the sync hit to be queued, depth %d", d)
	}

	x.dispatcher.Dispatch(events.Event{
		Type:   events.TypeConfiguration,
		Source: events.SourceResponseContent,
		Data:   map[string]any{events.KeyPrivacyStatus: "optedout"},
	})
	waitFor(t, "opt-out to apply", func() bool {
		return x.publishedSnapshot()["privacyStatus"] == "optedout"
	})

	x.startQueue(t)
	waitFor(t, "queue to drain", func() bool { d, _ := x.queue.Depth(); return d == 0 })

	for _, sent := range x.transport.calledURLs() {
		if !strings.Contains(sent, "demoptout.jpg") {
			t.Fatalf("non-opt-out traffic after opt-out: %s", sent)
		}
	}

	published := x.publishedSnapshot()
	if published["mid"] != nil {
		t.Fatalf("opt-out must clear the primary id, got %v", published["mid"])
	}
	saved := x.repo.lastSaved()
	if saved == nil || saved.PrimaryID != "" || saved.CustomerIDs != nil {
		t.Fatalf("opt-out must clear persisted identifiers, got %+v", saved)
	}
	if saved.PrivacyStatus != identity.PrivacyOptOut {
		t.Fatalf("opt-out status must persist, got %q", saved.PrivacyStatus)
	}
}

func TestOptOutWhileOptedOutRequestsStillResolve(t *testing.T) {
	x := newExtension(t, &scriptedTransport{})
	x.startQueue(t)

	x.dispatcher.Dispatch(events.Event{
		Type:   events.TypeConfiguration,
		Source: events.SourceResponseContent,
		Data:   map[string]any{events.KeyPrivacyStatus: "optedout"},
	})
	waitFor(t, "opt-out to apply", func() bool {
		return x.publishedSnapshot()["privacyStatus"] == "optedout"
	})

	response := x.syncAndWait(t, map[string]any{
		events.KeyVisitorIDs: map[string]string{"email": "a@b.c"},
	})
	if response.Data["mid"] != nil {
		t.Fatalf("opted-out sync must not mint an identity, got %v", response.Data)
	}

	time.Sleep(50 * time.Millisecond)
	if x.transport.callCount() != 0 {
		t.Fatalf("opted-out sync must not reach the network")
	}
}

func TestSyncResponseApplied(t *testing.T) {
	x := newExtension(t, &scriptedTransport{
		body: `{"d_blob":"routing-blob","dcs_region":9,"id_sync_ttl":3600}`,
	})
	x.startQueue(t)

	x.syncAndWait(t, map[string]any{events.KeyForceSync: true})

	waitFor(t, "response to apply", func() bool {
		return x.publishedSnapshot()["blob"] == "routing-blob"
	})

	published := x.publishedSnapshot()
	if published["locationHint"] != "9" {
		t.Fatalf("location hint not applied, got %v", published["locationHint"])
	}
	saved := x.repo.lastSaved()
	if saved.TTL != 3600*time.Second {
		t.Fatalf("ttl not applied, got %v", saved.TTL)
	}
	if saved.LastSync.IsZero() {
		t.Fatalf("a delivered response must record the sync time")
	}
}

func TestStaleSyncResponseIgnored(t *testing.T) {
	x := newExtension(t, &scriptedTransport{
		body: `{"d_mid":"99999999999999999999999999999999999999","d_blob":"stale-blob"}`,
	})
	x.startQueue(t)

	x.syncAndWait(t, map[string]any{events.KeyForceSync: true})

	waitFor(t, "queue to drain", func() bool { d, _ := x.queue.Depth(); return d == 0 })
	time.Sleep(50 * time.Millisecond)

	if x.publishedSnapshot()["blob"] == "stale-blob" {
		t.Fatalf("a response for a different primary id must be ignored entirely")
	}
	if saved := x.repo.lastSaved(); saved != nil && !saved.LastSync.IsZero() {
		t.Fatalf("a stale response must not advance the sync time")
	}
}

func TestServiceDemandedOptOut(t *testing.T) {
	x := newExtension(t, &scriptedTransport{
		body: `{"d_optout":["global"]}`,
	})
	x.startQueue(t)

	x.syncAndWait(t, map[string]any{events.KeyForceSync: true})

	waitFor(t, "service opt-out to apply", func() bool {
		return x.publishedSnapshot()["privacyStatus"] == "optedout"
	})

	if !x.queue.Suspended() {
		t.Fatalf("a service-demanded opt-out must suspend the queue")
	}
	if x.publishedSnapshot()["mid"] != nil {
		t.Fatalf("a service-demanded opt-out must clear the identity")
	}
}

func TestResetMintsNewIdentity(t *testing.T) {
	x := newExtension(t, &scriptedTransport{})
	x.startQueue(t)

	first := x.syncAndWait(t, map[string]any{events.KeyForceSync: true})
	oldMID, _ := first.Data["mid"].(string)
	if oldMID == "" {
		t.Fatalf("no identity before reset")
	}

	response, ok := x.dispatcher.DispatchAndWait(events.Event{
		Type:   events.TypeIdentity,
		Source: events.SourceRequestReset,
	}, 2*time.Second)
	if !ok {
		t.Fatalf("reset never resolved")
	}

	newMID, _ := response.Data["mid"].(string)
	if len(newMID) != 38 || newMID == oldMID {
		t.Fatalf("reset must mint a fresh primary id, old %q new %q", oldMID, newMID)
	}
	if response.Data["customerIds"] != nil {
		t.Fatalf("reset must drop customer ids, got %v", response.Data["customerIds"])
	}
}

func TestOptInAfterOptOutResumesWithoutSync(t *testing.T) {
	x := newExtension(t, &scriptedTransport{})
	x.startQueue(t)

	x.dispatcher.Dispatch(events.Event{
		Type:   events.TypeConfiguration,
		Source: events.SourceResponseContent,
		Data:   map[string]any{events.KeyPrivacyStatus: "optedout"},
	})
	waitFor(t, "opt-out to apply", func() bool {
		return x.publishedSnapshot()["privacyStatus"] == "optedout"
	})

	x.dispatcher.Dispatch(events.Event{
		Type:   events.TypeConfiguration,
		Source: events.SourceResponseContent,
		Data:   map[string]any{events.KeyPrivacyStatus: "optedin"},
	})
	waitFor(t, "opt-in to apply", func() bool {
		return x.publishedSnapshot()["privacyStatus"] == "optedin"
	})

	if x.queue.Suspended() {
		t.Fatalf("opt-in must resume the queue")
	}
	time.Sleep(50 * time.Millisecond)
	if x.transport.callCount() != 0 {
		t.Fatalf("opting back in must not sync by itself")
	}
}

func TestAppendVisitorInfoToURL(t *testing.T) {
	x := newExtension(t, &scriptedTransport{})
	x.startQueue(t)

	first := x.syncAndWait(t, map[string]any{events.KeyForceSync: true})
	mid, _ := first.Data["mid"].(string)

	x.dispatcher.CreateSharedState(SharedStateAnalytics, map[string]any{"aid": "tracker-1"})

	response, ok := x.dispatcher.DispatchAndWait(events.Event{
		Type:   events.TypeIdentity,
		Source: events.SourceRequestIdentity,
		Data:   map[string]any{events.KeyBaseURL: "https://example.com/page?x=1"},
	}, 2*time.Second)
	if !ok {
		t.Fatalf("url decoration never resolved")
	}

	updated := response.Data[events.KeyUpdatedURL].(string)
	if !strings.HasPrefix(updated, "https://example.com/page?x=1&") {
		t.Fatalf("existing query must be extended with &, got %s", updated)
	}

	u, err := url.Parse(updated)
	if err != nil {
		t.Fatalf("decorated url unparseable: %v", err)
	}
	payload := u.Query().Get("vid_mc")
	for _, want := range []string{"MCMID=" + mid, "MCAID=tracker-1", "MCORGID=orgid", "TS="} {
		if !strings.Contains(payload, want) {
			t.Fatalf("payload missing %q: %s", want, payload)
		}
	}
}

func TestAppendVisitorInfo(t *testing.T) {
	snap := identity.Snapshot{PrimaryID: "12345"}
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		baseURL string
		aid     string
		want    string
	}{
		{
			name:    "no existing query",
			baseURL: "https://example.com/page",
			want:    "https://example.com/page?vid_mc=",
		},
		{
			name:    "existing query",
			baseURL: "https://example.com/page?x=1",
			want:    "https://example.com/page?x=1&vid_mc=",
		},
		{
			name:    "empty url stays empty",
			baseURL: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := appendVisitorInfo(tt.baseURL, "orgid", snap, tt.aid, now)
			if !strings.HasPrefix(got, tt.want) {
				t.Fatalf("appendVisitorInfo = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestBootWithPersistedOptOutSuspendsQueue(t *testing.T) {
	cfg := testSettings()
	d := messaging.NewDispatcher(nil)
	repo := &memIdentityRepo{}
	state := identity.NewIdentityState()
	state.PrivacyStatus = identity.PrivacyOptOut
	repo.Save(state)

	queue := NewHitQueueService(&memHitRepo{}, &scriptedTransport{}, d, cfg, nil)
	service := NewIdentityService(d, d, NewStateService(d, cfg, nil), NewSyncDecisionService(cfg, nil), queue, repo, cfg, nil)

	if err := service.Boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if !queue.Suspended() {
		t.Fatalf("booting opted out must suspend the queue")
	}
}

func TestBootAppliesDefaultPrivacy(t *testing.T) {
	cfg := testSettings()
	cfg.DefaultPrivacy = "optedin"

	d := messaging.NewDispatcher(nil)
	queue := NewHitQueueService(&memHitRepo{}, &scriptedTransport{}, d, cfg, nil)
	service := NewIdentityService(d, d, NewStateService(d, cfg, nil), NewSyncDecisionService(cfg, nil), queue, &memIdentityRepo{}, cfg, nil)

	if err := service.Boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if got := service.Snapshot().PrivacyStatus; got != "optedin" {
		t.Fatalf("default privacy not applied, got %q", got)
	}
}
