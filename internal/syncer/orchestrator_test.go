package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/conflicts"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/entitycache"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/transport"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	stampBefore = "2026-10-01T10:00:00Z"
	stampAfter  = "2026-10-01T11:00:00Z"
)

type sequenceKeys struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceKeys) NewKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("key-%03d", p.next), nil
}

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(step)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) ofType(eventType events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []events.Event
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type deliveryFunc func(request transport.Request) (transport.Response, error)

type fakeTransport struct {
	mu       sync.Mutex
	requests []transport.Request
	respond  deliveryFunc
}

func (f *fakeTransport) Deliver(_ context.Context, request transport.Request) (transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return transport.Response{StatusCode: 200, Data: echoEntity(request)}, nil
	}
	return respond(request)
}

func (f *fakeTransport) calls() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.requests...)
}

func (f *fakeTransport) respondWith(respond deliveryFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = respond
}

// echoEntity acknowledges a delivery the way the server does: creates get an
// id derived from their name, every copy gets a fresh version stamp.
func echoEntity(request transport.Request) map[string]any {
	data := map[string]any{}
	for key, value := range request.Payload {
		data[key] = value
	}
	if request.Operation == queue.OperationCreate {
		data["id"] = fmt.Sprintf("srv-%v", request.Payload["name"])
	} else {
		data["id"] = request.EntityID
	}
	data["updated_at"] = stampAfter
	return data
}

type syncHarness struct {
	store     *queue.Store
	log       *conflicts.Log
	cache     *entitycache.Cache
	transport *fakeTransport
	publisher *recordingPublisher
	clock     *manualClock
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "sync.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&queue.Entry{}, &conflicts.Entry{}, &entitycache.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &manualClock{current: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	store, err := queue.NewStore(queue.StoreConfig{Database: db, Clock: clock.Now, KeyProvider: &sequenceKeys{}})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	conflictLog, err := conflicts.NewLog(conflicts.LogConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct conflict log: %v", err)
	}
	cache, err := entitycache.New(entitycache.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	return &syncHarness{
		store:     store,
		log:       conflictLog,
		cache:     cache,
		transport: &fakeTransport{},
		publisher: &recordingPublisher{},
		clock:     clock,
	}
}

func (h *syncHarness) orchestrator(t *testing.T, policy RetryPolicy) *Orchestrator {
	t.Helper()
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Store:     h.store,
		Log:       h.log,
		Cache:     h.cache,
		Transport: h.transport,
		Publisher: h.publisher,
		Policy:    policy,
		Clock:     h.clock.Now,
		Random:    fixedRandom(0),
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	return orchestrator
}

func (h *syncHarness) enqueue(t *testing.T, request queue.EnqueueRequest) queue.Entry {
	t.Helper()
	entry, err := h.store.Enqueue(context.Background(), request)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	return entry
}

func (h *syncHarness) entry(t *testing.T, id uint) queue.Entry {
	t.Helper()
	entry, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load entry %d: %v", id, err)
	}
	return entry
}

func mustRun(t *testing.T, orchestrator *Orchestrator) RunResult {
	t.Helper()
	result, err := orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("sync pass failed: %v", err)
	}
	if !result.Started {
		t.Fatalf("expected the pass to start, got %#v", result)
	}
	return result
}

func conflictResponse(serverData map[string]any) deliveryFunc {
	return func(transport.Request) (transport.Response, error) {
		return transport.Response{}, &transport.DeliveryError{
			Kind:       transport.KindConflict,
			StatusCode: 409,
			Message:    "version mismatch",
			ServerData: serverData,
		}
	}
}

func TestRunDeliversParentBeforeChildInOnePass(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})

	parent := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityLocations,
		Payload:    queue.Payload{"name": "Garage"},
	})
	child := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityLocations,
		Payload:    queue.Payload{"name": "Shelf", "parent_location_id": parent.IdempotencyKey},
	})
	if len(child.DependsOn) != 1 || child.DependsOn[0] != parent.IdempotencyKey {
		t.Fatalf("expected child to depend on parent, got %v", child.DependsOn)
	}

	result := mustRun(t, orchestrator)

	requests := harness.transport.calls()
	if len(requests) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(requests))
	}
	if requests[0].IdempotencyKey != parent.IdempotencyKey || requests[1].IdempotencyKey != child.IdempotencyKey {
		t.Fatalf("expected parent first, got %s then %s", requests[0].IdempotencyKey, requests[1].IdempotencyKey)
	}
	if requests[1].Payload["parent_location_id"] != "srv-Garage" {
		t.Fatalf("expected parent reference to carry the server id, got %v", requests[1].Payload["parent_location_id"])
	}
	if result.Synced != 2 || result.Pending != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
	if synced := harness.publisher.ofType(events.TypeMutationSynced); len(synced) != 2 {
		t.Fatalf("expected two synced events, got %d", len(synced))
	}
	serverID, err := harness.cache.ResolveKey(context.Background(), parent.IdempotencyKey)
	if err != nil || serverID != "srv-Garage" {
		t.Fatalf("expected cached key mapping, got %q %v", serverID, err)
	}
	complete := harness.publisher.ofType(events.TypeSyncComplete)
	if len(complete) != 1 || complete[0].PendingCount != 0 {
		t.Fatalf("expected one completion event with empty queue, got %#v", complete)
	}
}

func TestRunUsesCachedMappingForEarlierCreates(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})

	item := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityItems,
		Payload:    queue.Payload{"name": "Drill"},
	})
	mustRun(t, orchestrator)

	update := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationUpdate,
		EntityType: queue.EntityItems,
		EntityID:   item.IdempotencyKey,
		Payload:    queue.Payload{"name": "Drill"},
		DependsOn:  []string{item.IdempotencyKey},
	})
	mustRun(t, orchestrator)

	requests := harness.transport.calls()
	if len(requests) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(requests))
	}
	if requests[1].IdempotencyKey != update.IdempotencyKey || requests[1].EntityID != "srv-Drill" {
		t.Fatalf("expected update against the server id, got %#v", requests[1])
	}
	if requests[1].UpdatedAt != stampAfter {
		t.Fatalf("expected version stamp from the cache, got %q", requests[1].UpdatedAt)
	}
}

func TestRunHoldsCriticalConflictForReview(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})
	harness.transport.respondWith(conflictResponse(map[string]any{
		"id":         "inv-1",
		"quantity":   5,
		"updated_at": stampAfter,
	}))

	entry := harness.enqueue(t, queue.EnqueueRequest{
		Operation:       queue.OperationUpdate,
		EntityType:      queue.EntityInventory,
		EntityID:        "inv-1",
		Payload:         queue.Payload{"quantity": 10},
		CachedUpdatedAt: stampBefore,
	})

	result := mustRun(t, orchestrator)

	stored := harness.entry(t, entry.ID)
	if stored.Status != queue.StatusPending || !stored.AwaitingReview() {
		t.Fatalf("expected pending entry held for review, got %#v", stored)
	}
	if harness.transport.calls()[0].UpdatedAt != stampBefore {
		t.Fatalf("expected the cached stamp on the update request")
	}
	unresolved, err := harness.log.ListUnresolved(context.Background())
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].Resolved() || !unresolved[0].Critical {
		t.Fatalf("expected one unresolved critical conflict, got %#v", unresolved)
	}
	if unresolved[0].ID != stored.ConflictID {
		t.Fatalf("expected entry to reference conflict %d, got %d", unresolved[0].ID, stored.ConflictID)
	}
	if review := harness.publisher.ofType(events.TypeConflictNeedsReview); len(review) != 1 {
		t.Fatalf("expected one review event, got %d", len(review))
	}
	if result.Conflicts != 1 || result.Pending != 1 {
		t.Fatalf("unexpected result %#v", result)
	}

	second := mustRun(t, orchestrator)
	if len(harness.transport.calls()) != 1 {
		t.Fatalf("expected held entry not to be delivered again")
	}
	if second.Skipped != 1 {
		t.Fatalf("expected held entry to be skipped, got %#v", second)
	}
	skipped := harness.publisher.ofType(events.TypeMutationSkippedDependency)
	if len(skipped) != 1 || skipped[0].Reason != reasonAwaitingReview {
		t.Fatalf("expected awaiting review skip, got %#v", skipped)
	}
}

func TestRunAutoResolvesNonCriticalConflict(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})
	harness.transport.respondWith(conflictResponse(map[string]any{
		"id":          "item-1",
		"description": "server text",
		"updated_at":  stampAfter,
	}))

	entry := harness.enqueue(t, queue.EnqueueRequest{
		Operation:       queue.OperationUpdate,
		EntityType:      queue.EntityItems,
		EntityID:        "item-1",
		Payload:         queue.Payload{"description": "local text"},
		CachedUpdatedAt: stampBefore,
	})

	result := mustRun(t, orchestrator)

	if _, err := harness.store.Get(context.Background(), entry.ID); !errors.Is(err, queue.ErrEntryNotFound) {
		t.Fatalf("expected entry to be removed, got %v", err)
	}
	var logged []conflicts.Entry
	for record, err := range harness.log.Entries(context.Background(), 0) {
		if err != nil {
			t.Fatalf("failed to iterate conflicts: %v", err)
		}
		logged = append(logged, record)
	}
	if len(logged) != 1 || logged[0].Resolution != conflicts.ResolutionServer {
		t.Fatalf("expected one conflict resolved by server, got %#v", logged)
	}
	if resolved := harness.publisher.ofType(events.TypeConflictAutoResolved); len(resolved) != 1 {
		t.Fatalf("expected one auto resolved event, got %d", len(resolved))
	}
	cached, err := harness.cache.Lookup(context.Background(), "items", "item-1")
	if err != nil || cached.Payload["description"] != "server text" || cached.UpdatedAt != stampAfter {
		t.Fatalf("expected server copy in cache, got %#v %v", cached, err)
	}
	if result.Conflicts != 1 || result.Pending != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestRunTreatsIdenticalConflictAsSynced(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})
	harness.transport.respondWith(conflictResponse(map[string]any{
		"id":          "item-2",
		"description": "same",
		"updated_at":  stampAfter,
	}))

	entry := harness.enqueue(t, queue.EnqueueRequest{
		Operation:       queue.OperationUpdate,
		EntityType:      queue.EntityItems,
		EntityID:        "item-2",
		Payload:         queue.Payload{"description": "same"},
		CachedUpdatedAt: stampBefore,
	})

	result := mustRun(t, orchestrator)

	if _, err := harness.store.Get(context.Background(), entry.ID); !errors.Is(err, queue.ErrEntryNotFound) {
		t.Fatalf("expected entry to be removed, got %v", err)
	}
	for record, err := range harness.log.Entries(context.Background(), 0) {
		t.Fatalf("expected an empty conflict log, got %#v %v", record, err)
	}
	for _, eventType := range []events.Type{events.TypeConflictDetected, events.TypeConflictAutoResolved, events.TypeConflictNeedsReview} {
		if published := harness.publisher.ofType(eventType); len(published) != 0 {
			t.Fatalf("expected no %s events, got %d", eventType, len(published))
		}
	}
	if synced := harness.publisher.ofType(events.TypeMutationSynced); len(synced) != 1 {
		t.Fatalf("expected one synced event, got %d", len(synced))
	}
	cached, err := harness.cache.Lookup(context.Background(), "items", "item-2")
	if err != nil || cached.UpdatedAt != stampAfter {
		t.Fatalf("expected server copy in cache, got %#v %v", cached, err)
	}
	if result.Conflicts != 0 || result.Synced != 1 || result.Pending != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestRunIgnoresConflictWithOlderServerStamp(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})
	harness.transport.respondWith(conflictResponse(map[string]any{
		"id":         "inv-4",
		"quantity":   2,
		"updated_at": stampBefore,
	}))

	entry := harness.enqueue(t, queue.EnqueueRequest{
		Operation:       queue.OperationUpdate,
		EntityType:      queue.EntityInventory,
		EntityID:        "inv-4",
		Payload:         queue.Payload{"quantity": 7},
		CachedUpdatedAt: stampAfter,
	})

	result := mustRun(t, orchestrator)

	if _, err := harness.store.Get(context.Background(), entry.ID); !errors.Is(err, queue.ErrEntryNotFound) {
		t.Fatalf("expected entry not to be held, got %v", err)
	}
	unresolved, err := harness.log.ListUnresolved(context.Background())
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected no conflict records, got %#v", unresolved)
	}
	if review := harness.publisher.ofType(events.TypeConflictNeedsReview); len(review) != 0 {
		t.Fatalf("expected no review events, got %d", len(review))
	}
	if result.Conflicts != 0 || result.Synced != 1 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestRunCascadesFailureWithoutNetwork(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})

	parent := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityItems,
		Payload:    queue.Payload{"name": "Drill"},
	})
	if _, err := harness.store.UpdateStatus(context.Background(), parent.ID, queue.StatusUpdate{Status: queue.StatusFailed}); err != nil {
		t.Fatalf("failed to mark parent failed: %v", err)
	}
	child := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityInventory,
		Payload:    queue.Payload{"item_id": parent.IdempotencyKey, "quantity": 1},
		DependsOn:  []string{parent.IdempotencyKey},
	})

	result := mustRun(t, orchestrator)

	if calls := harness.transport.calls(); len(calls) != 0 {
		t.Fatalf("expected no network calls, got %d", len(calls))
	}
	stored := harness.entry(t, child.ID)
	if stored.Status != queue.StatusFailed || stored.LastError != reasonParentFailed {
		t.Fatalf("expected cascaded failure, got %#v", stored)
	}
	cascaded := harness.publisher.ofType(events.TypeMutationCascadeFailed)
	if len(cascaded) != 1 || cascaded[0].Reason != parent.IdempotencyKey {
		t.Fatalf("expected one cascade event naming the parent, got %#v", cascaded)
	}
	if result.Failed != 1 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestRunCascadesWithinOnePass(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})
	harness.transport.respondWith(func(request transport.Request) (transport.Response, error) {
		return transport.Response{}, &transport.DeliveryError{Kind: transport.KindClient, StatusCode: 422, Message: "invalid name"}
	})

	parent := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityCategories,
		Payload:    queue.Payload{"name": ""},
	})
	child := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityCategories,
		Payload:    queue.Payload{"name": "Power tools", "parent_category_id": parent.IdempotencyKey},
	})

	result := mustRun(t, orchestrator)

	if calls := harness.transport.calls(); len(calls) != 1 {
		t.Fatalf("expected only the parent to be sent, got %d", len(calls))
	}
	if harness.entry(t, parent.ID).Status != queue.StatusFailed || harness.entry(t, parent.ID).Retries != 0 {
		t.Fatalf("expected client error to fail without retry")
	}
	if harness.entry(t, child.ID).LastError != reasonParentFailed {
		t.Fatalf("expected child to fail with its parent")
	}
	if result.Failed != 2 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestRunSchedulesRetriesWithBackoff(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})
	harness.transport.respondWith(func(transport.Request) (transport.Response, error) {
		return transport.Response{}, errors.New("connection reset")
	})

	entry := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityLabels,
		Payload:    queue.Payload{"name": "Fragile"},
	})
	start := harness.clock.Now()

	result := mustRun(t, orchestrator)
	stored := harness.entry(t, entry.ID)
	if stored.Status != queue.StatusPending || stored.Retries != 1 || stored.LastError == "" {
		t.Fatalf("expected pending entry with one retry, got %#v", stored)
	}
	if !stored.NextAttemptAt().Equal(start.Add(time.Second)) {
		t.Fatalf("expected next attempt after 1s, got %v", stored.NextAttemptAt())
	}
	if result.Retried != 1 || !result.NextAttemptAt.Equal(start.Add(time.Second)) {
		t.Fatalf("unexpected result %#v", result)
	}

	deferred := mustRun(t, orchestrator)
	if deferred.Deferred != 1 || len(harness.transport.calls()) != 1 {
		t.Fatalf("expected entry to wait for its backoff, got %#v", deferred)
	}

	harness.clock.Advance(time.Second)
	mustRun(t, orchestrator)
	stored = harness.entry(t, entry.ID)
	if stored.Retries != 2 || !stored.NextAttemptAt().Equal(start.Add(3*time.Second)) {
		t.Fatalf("expected doubled backoff, got retries=%d next=%v", stored.Retries, stored.NextAttemptAt())
	}

	harness.transport.respondWith(nil)
	harness.clock.Advance(2 * time.Second)
	recovered := mustRun(t, orchestrator)
	if recovered.Synced != 1 || recovered.Pending != 0 {
		t.Fatalf("expected recovery once the server answers, got %#v", recovered)
	}
}

func TestRunFailsAfterRetryBudget(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Second, Factor: 1, MaxRetries: 1})
	harness.transport.respondWith(func(transport.Request) (transport.Response, error) {
		return transport.Response{}, &transport.DeliveryError{Kind: transport.KindServer, StatusCode: 503, Message: "unavailable"}
	})

	entry := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationDelete,
		EntityType: queue.EntityLoans,
		EntityID:   "loan-1",
	})

	mustRun(t, orchestrator)
	harness.clock.Advance(time.Second)
	result := mustRun(t, orchestrator)

	stored := harness.entry(t, entry.ID)
	if stored.Status != queue.StatusFailed || stored.Retries != 1 {
		t.Fatalf("expected exhausted entry to fail, got %#v", stored)
	}
	failed := harness.publisher.ofType(events.TypeMutationFailed)
	if len(failed) != 1 || failed[0].Error == "" {
		t.Fatalf("expected one failure event with a message, got %#v", failed)
	}
	if result.Failed != 1 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestRunSkipsChildrenOfPendingParents(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})
	harness.transport.respondWith(func(request transport.Request) (transport.Response, error) {
		if request.EntityType == string(queue.EntityItems) {
			return transport.Response{}, &transport.DeliveryError{Kind: transport.KindRateLimited, StatusCode: 429}
		}
		return transport.Response{StatusCode: 201, Data: echoEntity(request)}, nil
	})

	item := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityItems,
		Payload:    queue.Payload{"name": "Ladder"},
	})
	stock := harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityInventory,
		Payload:    queue.Payload{"name": "Ladder stock", "item_id": item.IdempotencyKey},
	})
	if len(stock.DependsOn) != 1 {
		t.Fatalf("expected derived item dependency, got %v", stock.DependsOn)
	}

	result := mustRun(t, orchestrator)

	if calls := harness.transport.calls(); len(calls) != 1 {
		t.Fatalf("expected only the item to be sent, got %d", len(calls))
	}
	if harness.entry(t, stock.ID).Status != queue.StatusPending {
		t.Fatalf("expected dependent entry to stay pending")
	}
	skipped := harness.publisher.ofType(events.TypeMutationSkippedDependency)
	if len(skipped) != 1 || skipped[0].Reason != reasonDependency {
		t.Fatalf("expected dependency skip, got %#v", skipped)
	}
	if result.Retried != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestRunSkipsParentCycles(t *testing.T) {
	harness := newSyncHarness(t)
	orchestrator := harness.orchestrator(t, RetryPolicy{})

	harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityLocations,
		Payload:    queue.Payload{"name": "A", "parent_location_id": "key-002"},
	})
	harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityLocations,
		Payload:    queue.Payload{"name": "B", "parent_location_id": "key-001"},
	})
	harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityLocations,
		Payload:    queue.Payload{"name": "C"},
	})

	result := mustRun(t, orchestrator)

	calls := harness.transport.calls()
	if len(calls) != 1 || calls[0].Payload["name"] != "C" {
		t.Fatalf("expected only the acyclic entry to be sent, got %#v", calls)
	}
	skipped := harness.publisher.ofType(events.TypeMutationSkippedDependency)
	if len(skipped) != 2 || skipped[0].Reason != reasonCycle {
		t.Fatalf("expected both cycle members skipped, got %#v", skipped)
	}
	if result.Skipped != 2 || result.Pending != 2 {
		t.Fatalf("unexpected result %#v", result)
	}
}

type blockingStore struct {
	*queue.Store
	entered chan struct{}
	release chan struct{}
	reads   atomic.Int32
}

func (s *blockingStore) ListPending(ctx context.Context) ([]queue.Entry, error) {
	if s.reads.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return s.Store.ListPending(ctx)
}

func TestRunIsSingleFlight(t *testing.T) {
	harness := newSyncHarness(t)
	store := &blockingStore{Store: harness.store, entered: make(chan struct{}), release: make(chan struct{})}
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Store:     store,
		Log:       harness.log,
		Cache:     harness.cache,
		Transport: harness.transport,
		Publisher: harness.publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}

	firstDone := make(chan RunResult, 1)
	go func() {
		result, _ := orchestrator.Run(context.Background())
		firstDone <- result
	}()
	<-store.entered
	if !orchestrator.Running() {
		t.Fatalf("expected a pass in progress")
	}

	second, err := orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error from overlapping run: %v", err)
	}
	if second.Started || second.SkipReason != SkipAlreadyRunning {
		t.Fatalf("expected overlapping run to be dropped, got %#v", second)
	}

	close(store.release)
	first := <-firstDone
	if !first.Started {
		t.Fatalf("expected the first pass to run, got %#v", first)
	}
	if reads := store.reads.Load(); reads != 1 {
		t.Fatalf("expected exactly one pending read, got %d", reads)
	}
	if started := harness.publisher.ofType(events.TypeSyncStarted); len(started) != 1 {
		t.Fatalf("expected one started event, got %d", len(started))
	}
}

type switchConnectivity struct {
	online atomic.Bool
	probes atomic.Int32
}

func (c *switchConnectivity) Online(context.Context) bool {
	c.probes.Add(1)
	return c.online.Load()
}

func TestRunSkipsWhenOffline(t *testing.T) {
	harness := newSyncHarness(t)
	connectivity := &switchConnectivity{}
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Store:        harness.store,
		Log:          harness.log,
		Cache:        harness.cache,
		Transport:    harness.transport,
		Connectivity: connectivity,
		Publisher:    harness.publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	harness.enqueue(t, queue.EnqueueRequest{
		Operation:  queue.OperationCreate,
		EntityType: queue.EntityItems,
		Payload:    queue.Payload{"name": "Saw"},
	})

	result, err := orchestrator.Run(context.Background())
	if err != nil || result.Started || result.SkipReason != SkipOffline {
		t.Fatalf("expected offline skip, got %#v %v", result, err)
	}
	if len(harness.transport.calls()) != 0 || len(harness.publisher.ofType(events.TypeSyncStarted)) != 0 {
		t.Fatalf("expected no activity while offline")
	}
}

func TestNewOrchestratorValidatesConfig(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "syncer.orchestrator.new.missing_store" {
		t.Fatalf("expected missing store error, got %v", err)
	}
}
