// Package syncer drains the mutation queue against the server: dependency
// ordering, delivery, retry with backoff, conflict routing and lifecycle events.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/conflicts"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/entitycache"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/ordering"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/transport"
	"go.uber.org/zap"
)

const (
	opOrchestratorNew = "syncer.orchestrator.new"
	opRun             = "syncer.run"
	opDeliver         = "syncer.deliver"
	opConflict        = "syncer.conflict"
	opResolve         = "syncer.resolve_conflict"

	// SkipAlreadyRunning reports a trigger dropped by the single-flight lock.
	SkipAlreadyRunning = "already_running"
	// SkipOffline reports a trigger dropped because the server is unreachable.
	SkipOffline = "offline"

	reasonParentFailed    = "Parent mutation failed"
	reasonDependency      = "dependency_pending"
	reasonCycle           = "dependency_cycle"
	reasonAwaitingReview  = "awaiting_review"
	messageAwaitingReview = "conflict awaiting review"
	messageNoServerData   = "conflict response without server data"
	fieldID               = "id"
)

var (
	errMissingStore     = errors.New("mutation store is required")
	errMissingLog       = errors.New("conflict log is required")
	errMissingCache     = errors.New("entity cache is required")
	errMissingTransport = errors.New("transport is required")
	noOpLogger          = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// MutationStore is the queue contract used by the orchestrator.
type MutationStore interface {
	ListPending(ctx context.Context) ([]queue.Entry, error)
	ListByStatus(ctx context.Context, status queue.Status) ([]queue.Entry, error)
	GetByIdempotencyKey(ctx context.Context, key string) (queue.Entry, error)
	UpdateStatus(ctx context.Context, id uint, update queue.StatusUpdate) (queue.Entry, error)
	Rearm(ctx context.Context, id uint, payload queue.Payload, cachedUpdatedAt string) (queue.Entry, error)
	Remove(ctx context.Context, id uint) error
	CountPending(ctx context.Context) (int64, error)
}

// ConflictLog is the conflict record contract used by the orchestrator.
type ConflictLog interface {
	Append(ctx context.Context, entry conflicts.Entry) (conflicts.Entry, error)
	AttachResolution(ctx context.Context, id uint, resolution conflicts.Resolution, resolvedData map[string]any) (conflicts.Entry, error)
	Get(ctx context.Context, id uint) (conflicts.Entry, error)
}

// EntityCache holds the last known server copies.
type EntityCache interface {
	Lookup(ctx context.Context, entityType, entityID string) (entitycache.Record, error)
	Put(ctx context.Context, record entitycache.Record) error
	ResolveKey(ctx context.Context, idempotencyKey string) (string, error)
}

// Transport delivers one mutation.
type Transport interface {
	Deliver(ctx context.Context, request transport.Request) (transport.Response, error)
}

// Connectivity reports whether the server is reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(event events.Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(events.Event) {}

// OrchestratorConfig describes the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	Store        MutationStore
	Log          ConflictLog
	Cache        EntityCache
	Transport    Transport
	Connectivity Connectivity
	Publisher    Publisher
	Policy       RetryPolicy
	Clock        func() time.Time
	Random       Random
	Logger       *zap.Logger
}

// Orchestrator runs sync passes. At most one pass runs at a time per
// instance; overlapping triggers are dropped.
type Orchestrator struct {
	store        MutationStore
	log          ConflictLog
	cache        EntityCache
	transport    Transport
	connectivity Connectivity
	publisher    Publisher
	policy       RetryPolicy
	clock        func() time.Time
	random       Random
	logger       *zap.Logger
	running      atomic.Bool
}

// NewOrchestrator validates the configuration and returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_store", errMissingStore)
	}
	if cfg.Log == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_log", errMissingLog)
	}
	if cfg.Cache == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_cache", errMissingCache)
	}
	if cfg.Transport == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_transport", errMissingTransport)
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = transport.AlwaysOnline{}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = discardPublisher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = defaultRandom()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Orchestrator{
		store:        cfg.Store,
		log:          cfg.Log,
		cache:        cfg.Cache,
		transport:    cfg.Transport,
		connectivity: connectivity,
		publisher:    publisher,
		policy:       cfg.Policy.withDefaults(),
		clock:        clock,
		random:       random,
		logger:       logger,
	}, nil
}

// Running reports whether a pass is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// RunResult summarizes one pass.
type RunResult struct {
	Started    bool   `json:"started"`
	SkipReason string `json:"skip_reason,omitempty"`
	Synced     int    `json:"synced"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Deferred   int    `json:"deferred"`
	Retried    int    `json:"retried"`
	Conflicts  int    `json:"conflicts"`
	Pending    int64  `json:"pending"`

	// NextAttemptAt is the earliest time a backed-off entry becomes due.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

func (r *RunResult) noteNextAttempt(at time.Time) {
	if at.IsZero() {
		return
	}
	if r.NextAttemptAt.IsZero() || at.Before(r.NextAttemptAt) {
		r.NextAttemptAt = at
	}
}

// runState is the bookkeeping of one pass.
type runState struct {
	result *RunResult
	// synced holds keys delivered or auto-resolved during this pass.
	synced map[string]struct{}
	// failed holds keys that failed during this pass or before it.
	failed map[string]struct{}
	// queued holds keys still in the queue as pending or in flight.
	queued map[string]struct{}
	// serverIDs maps create keys to the ids the server assigned.
	serverIDs map[string]string
}

// Run performs one pass over the pending queue.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		o.logger.Debug("sync trigger dropped", zap.String("reason", SkipAlreadyRunning))
		return RunResult{SkipReason: SkipAlreadyRunning}, nil
	}
	defer o.running.Store(false)

	if !o.connectivity.Online(ctx) {
		o.logger.Debug("sync trigger dropped", zap.String("reason", SkipOffline))
		return RunResult{SkipReason: SkipOffline}, nil
	}

	result := RunResult{Started: true}
	o.publisher.Publish(events.Event{Type: events.TypeSyncStarted})

	if err := o.drain(ctx, &result); err != nil {
		o.logError(opRun, "drain_failed", err)
		o.publisher.Publish(events.Event{Type: events.TypeSyncError, Error: err.Error()})
		return result, err
	}

	pending, err := o.store.CountPending(ctx)
	if err != nil {
		o.logError(opRun, "count_failed", err)
		o.publisher.Publish(events.Event{Type: events.TypeSyncError, Error: err.Error()})
		return result, err
	}
	result.Pending = pending
	o.publisher.Publish(events.Event{Type: events.TypeSyncComplete, PendingCount: pending})
	o.logger.Info("sync pass complete",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("deferred", result.Deferred),
		zap.Int("retried", result.Retried),
		zap.Int("conflicts", result.Conflicts),
		zap.Int64("pending", pending))
	return result, nil
}

func (o *Orchestrator) drain(ctx context.Context, result *RunResult) error {
	pending, err := o.store.ListPending(ctx)
	if err != nil {
		return err
	}
	inFlight, err := o.store.ListByStatus(ctx, queue.StatusSyncing)
	if err != nil {
		return err
	}
	failed, err := o.store.ListByStatus(ctx, queue.StatusFailed)
	if err != nil {
		return err
	}

	state := &runState{
		result:    result,
		synced:    make(map[string]struct{}),
		failed:    make(map[string]struct{}, len(failed)),
		queued:    make(map[string]struct{}, len(pending)+len(inFlight)),
		serverIDs: make(map[string]string),
	}
	for _, entry := range failed {
		state.failed[entry.IdempotencyKey] = struct{}{}
	}
	for _, entry := range pending {
		state.queued[entry.IdempotencyKey] = struct{}{}
	}
	for _, entry := range inFlight {
		state.queued[entry.IdempotencyKey] = struct{}{}
	}

	for _, group := range groupByEntityType(pending) {
		ordered := group.entries
		if parentField := group.entityType.ParentField(); parentField != "" {
			sorted := ordering.SortByDependency(group.entries, parentField)
			for _, entry := range sorted.Unresolved {
				o.logger.Warn("mutation parent chain is cyclic",
					zap.Uint("mutation_id", entry.ID),
					zap.String("idempotency_key", entry.IdempotencyKey),
					zap.String("entity_type", string(entry.EntityType)))
				o.publishSkipped(entry, reasonCycle)
				result.Skipped++
			}
			ordered = sorted.Ordered
		}
		for _, entry := range ordered {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.process(ctx, state, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

type entityGroup struct {
	entityType queue.EntityType
	entries    []queue.Entry
}

// groupByEntityType buckets entries in sync order. Types outside the known
// order follow in name order.
func groupByEntityType(entries []queue.Entry) []entityGroup {
	buckets := make(map[queue.EntityType][]queue.Entry)
	for _, entry := range entries {
		buckets[entry.EntityType] = append(buckets[entry.EntityType], entry)
	}
	groups := make([]entityGroup, 0, len(buckets))
	for _, entityType := range queue.SyncOrder {
		if bucket, ok := buckets[entityType]; ok {
			groups = append(groups, entityGroup{entityType: entityType, entries: bucket})
			delete(buckets, entityType)
		}
	}
	extra := make([]queue.EntityType, 0, len(buckets))
	for entityType := range buckets {
		extra = append(extra, entityType)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, entityType := range extra {
		groups = append(groups, entityGroup{entityType: entityType, entries: buckets[entityType]})
	}
	return groups
}

func (o *Orchestrator) process(ctx context.Context, state *runState, entry queue.Entry) error {
	for _, dependency := range entry.DependsOn {
		if _, failed := state.failed[dependency]; failed {
			return o.cascadeFailure(ctx, state, entry, dependency)
		}
	}
	for _, dependency := range entry.DependsOn {
		if _, synced := state.synced[dependency]; synced {
			continue
		}
		if _, queued := state.queued[dependency]; queued {
			o.publishSkipped(entry, reasonDependency)
			state.result.Skipped++
			return nil
		}
		if _, err := o.cache.ResolveKey(ctx, dependency); err != nil {
			o.logger.Warn("dependency missing from queue, treating as synced",
				zap.Uint("mutation_id", entry.ID),
				zap.String("idempotency_key", entry.IdempotencyKey),
				zap.String("dependency", dependency))
		}
	}
	if entry.AwaitingReview() {
		o.publishSkipped(entry, reasonAwaitingReview)
		state.result.Skipped++
		return nil
	}
	if next := entry.NextAttemptAt(); !next.IsZero() && next.After(o.clock()) {
		state.result.Deferred++
		state.result.noteNextAttempt(next)
		return nil
	}
	return o.deliver(ctx, state, entry)
}

func (o *Orchestrator) cascadeFailure(ctx context.Context, state *runState, entry queue.Entry, dependency string) error {
	message := reasonParentFailed
	if _, err := o.store.UpdateStatus(ctx, entry.ID, queue.StatusUpdate{
		Status:    queue.StatusFailed,
		LastError: &message,
	}); err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			return nil
		}
		return err
	}
	state.failed[entry.IdempotencyKey] = struct{}{}
	delete(state.queued, entry.IdempotencyKey)
	state.result.Failed++
	o.logger.Warn("mutation failed with its dependency",
		zap.Uint("mutation_id", entry.ID),
		zap.String("idempotency_key", entry.IdempotencyKey),
		zap.String("dependency", dependency))
	o.publisher.Publish(events.Event{
		Type:           events.TypeMutationCascadeFailed,
		MutationID:     entry.ID,
		IdempotencyKey: entry.IdempotencyKey,
		EntityType:     string(entry.EntityType),
		EntityID:       entry.EntityID,
		Reason:         dependency,
		Error:          message,
	})
	return nil
}

func (o *Orchestrator) deliver(ctx context.Context, state *runState, entry queue.Entry) error {
	if _, err := o.store.UpdateStatus(ctx, entry.ID, queue.StatusUpdate{Status: queue.StatusSyncing}); err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			o.logger.Info("mutation left the queue before delivery", zap.Uint("mutation_id", entry.ID))
			delete(state.queued, entry.IdempotencyKey)
			return nil
		}
		return err
	}

	payload, entityID := o.rewriteReferences(ctx, state, entry)
	request := transport.Request{
		Operation:      entry.Operation,
		EntityType:     string(entry.EntityType),
		EntityID:       entityID,
		Payload:        payload,
		IdempotencyKey: entry.IdempotencyKey,
	}
	if entry.Operation == queue.OperationUpdate {
		request.UpdatedAt = o.versionStamp(ctx, entry, entityID)
	}

	response, err := o.transport.Deliver(ctx, request)
	if err == nil {
		return o.completeDelivery(ctx, state, entry, entityID, response.Data)
	}

	var deliveryErr *transport.DeliveryError
	if !errors.As(err, &deliveryErr) {
		deliveryErr = &transport.DeliveryError{Kind: transport.KindNetwork, Err: err}
	}
	switch {
	case deliveryErr.Kind == transport.KindConflict:
		return o.handleConflict(ctx, state, entry, request, deliveryErr)
	case deliveryErr.Retryable():
		return o.scheduleRetry(ctx, state, entry, deliveryErr)
	default:
		return o.markFailed(ctx, state, entry, deliveryErr.Error())
	}
}

// rewriteReferences replaces idempotency keys of synced creates with the
// server ids, in top-level payload values and in the entity id.
func (o *Orchestrator) rewriteReferences(ctx context.Context, state *runState, entry queue.Entry) (queue.Payload, string) {
	payload := entry.Payload.Clone()
	if payload == nil {
		payload = queue.Payload{}
	}
	entityID := entry.EntityID
	for _, dependency := range entry.DependsOn {
		serverID, ok := state.serverIDs[dependency]
		if !ok {
			resolved, err := o.cache.ResolveKey(ctx, dependency)
			if err != nil {
				continue
			}
			serverID = resolved
		}
		for key, value := range payload {
			if text, isString := value.(string); isString && text == dependency {
				payload[key] = serverID
			}
		}
		if entityID == dependency {
			entityID = serverID
		}
	}
	return payload, entityID
}

func (o *Orchestrator) versionStamp(ctx context.Context, entry queue.Entry, entityID string) string {
	if entry.CachedUpdatedAt != "" {
		return entry.CachedUpdatedAt
	}
	if record, err := o.cache.Lookup(ctx, string(entry.EntityType), entityID); err == nil && record.UpdatedAt != "" {
		return record.UpdatedAt
	}
	o.logger.Warn("update sent without cached version stamp",
		zap.Uint("mutation_id", entry.ID),
		zap.String("entity_type", string(entry.EntityType)),
		zap.String("entity_id", entityID))
	return ""
}

func (o *Orchestrator) completeDelivery(ctx context.Context, state *runState, entry queue.Entry, entityID string, data map[string]any) error {
	serverID := entityID
	if id, ok := data[fieldID].(string); ok && id != "" {
		serverID = id
	}
	if entry.Operation != queue.OperationDelete && serverID != "" {
		record := entitycache.Record{
			EntityType: string(entry.EntityType),
			EntityID:   serverID,
			UpdatedAt:  stampString(data[conflicts.UpdatedAtField]),
			Payload:    data,
		}
		if entry.Operation == queue.OperationCreate {
			record.SourceKey = entry.IdempotencyKey
		}
		if err := o.cache.Put(ctx, record); err != nil {
			o.logError(opDeliver, "cache_write_failed", err, zap.Uint("mutation_id", entry.ID))
		}
	}
	if err := o.store.Remove(ctx, entry.ID); err != nil {
		return err
	}
	o.markSynced(state, entry, serverID)
	state.result.Synced++
	o.publisher.Publish(events.Event{
		Type:           events.TypeMutationSynced,
		MutationID:     entry.ID,
		IdempotencyKey: entry.IdempotencyKey,
		EntityType:     string(entry.EntityType),
		EntityID:       serverID,
	})
	return nil
}

func (o *Orchestrator) markSynced(state *runState, entry queue.Entry, serverID string) {
	state.synced[entry.IdempotencyKey] = struct{}{}
	delete(state.queued, entry.IdempotencyKey)
	if entry.Operation == queue.OperationCreate && serverID != "" {
		state.serverIDs[entry.IdempotencyKey] = serverID
	}
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, state *runState, entry queue.Entry, deliveryErr *transport.DeliveryError) error {
	message := transport.TruncateMessage(deliveryErr.Error())
	if entry.Retries >= o.policy.MaxRetries {
		return o.markFailed(ctx, state, entry, message)
	}
	delay := o.policy.Delay(entry.Retries, o.random)
	nextAttempt := o.clock().Add(delay)
	retries := entry.Retries + 1
	if _, err := o.store.UpdateStatus(ctx, entry.ID, queue.StatusUpdate{
		Status:        queue.StatusPending,
		Retries:       &retries,
		LastError:     &message,
		NextAttemptAt: &nextAttempt,
	}); err != nil {
		return err
	}
	state.result.Retried++
	state.result.noteNextAttempt(nextAttempt)
	o.logger.Info("mutation delivery will be retried",
		zap.Uint("mutation_id", entry.ID),
		zap.String("kind", string(deliveryErr.Kind)),
		zap.Int("retries", retries),
		zap.Duration("delay", delay))
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, state *runState, entry queue.Entry, message string) error {
	message = transport.TruncateMessage(message)
	if _, err := o.store.UpdateStatus(ctx, entry.ID, queue.StatusUpdate{
		Status:    queue.StatusFailed,
		LastError: &message,
	}); err != nil {
		return err
	}
	state.failed[entry.IdempotencyKey] = struct{}{}
	delete(state.queued, entry.IdempotencyKey)
	state.result.Failed++
	o.logger.Warn("mutation delivery failed",
		zap.Uint("mutation_id", entry.ID),
		zap.String("idempotency_key", entry.IdempotencyKey),
		zap.String("error", message))
	o.publisher.Publish(events.Event{
		Type:           events.TypeMutationFailed,
		MutationID:     entry.ID,
		IdempotencyKey: entry.IdempotencyKey,
		EntityType:     string(entry.EntityType),
		EntityID:       entry.EntityID,
		Error:          message,
	})
	return nil
}

func (o *Orchestrator) handleConflict(ctx context.Context, state *runState, entry queue.Entry, request transport.Request, deliveryErr *transport.DeliveryError) error {
	serverData := deliveryErr.ServerData
	if serverData == nil {
		return o.markFailed(ctx, state, entry, messageNoServerData)
	}

	localData := map[string]any(request.Payload)
	localStamp, _ := conflicts.ParseTimestamp(request.UpdatedAt)
	serverStamp, _ := conflicts.ParseTimestamp(serverData[conflicts.UpdatedAtField])
	outcome := conflicts.ResolveConflict(conflicts.ConflictData{
		EntityType:      string(entry.EntityType),
		EntityID:        request.EntityID,
		LocalData:       localData,
		ServerData:      serverData,
		LocalUpdatedAt:  localStamp,
		ServerUpdatedAt: serverStamp,
	})

	// A 409 that is not newer or does not diverge means the server already
	// holds this write; the server copy is taken as the delivered result.
	if !outcome.HasConflict {
		o.logger.Info("conflict response without divergence, treating as synced",
			zap.Uint("mutation_id", entry.ID),
			zap.String("entity_type", string(entry.EntityType)),
			zap.Bool("server_newer", conflicts.DetectConflict(localStamp, serverStamp)))
		return o.completeDelivery(ctx, state, entry, request.EntityID, serverData)
	}
	state.result.Conflicts++

	logged, err := o.log.Append(ctx, conflicts.Entry{
		EntityType:     string(entry.EntityType),
		EntityID:       request.EntityID,
		IdempotencyKey: entry.IdempotencyKey,
		MutationID:     entry.ID,
		LocalData:      localData,
		ServerData:     serverData,
		Fields:         outcome.Fields,
		Critical:       outcome.Critical,
		Resolution:     outcome.Resolution,
		ResolvedData:   outcome.ResolvedData,
	})
	if err != nil {
		return err
	}

	o.logger.Info("conflict detected",
		zap.Uint("mutation_id", entry.ID),
		zap.Uint("conflict_id", logged.ID),
		zap.String("entity_type", string(entry.EntityType)),
		zap.Strings("fields", outcome.Fields),
		zap.Bool("critical", outcome.Critical))
	conflictEvent := events.Event{
		MutationID:     entry.ID,
		IdempotencyKey: entry.IdempotencyKey,
		EntityType:     string(entry.EntityType),
		EntityID:       request.EntityID,
		ConflictID:     logged.ID,
		Fields:         outcome.Fields,
		Critical:       outcome.Critical,
	}
	detected := conflictEvent
	detected.Type = events.TypeConflictDetected
	o.publisher.Publish(detected)

	if outcome.Critical {
		message := messageAwaitingReview
		var noDelay time.Time
		if _, err := o.store.UpdateStatus(ctx, entry.ID, queue.StatusUpdate{
			Status:        queue.StatusPending,
			LastError:     &message,
			NextAttemptAt: &noDelay,
			ConflictID:    &logged.ID,
		}); err != nil {
			return err
		}
		o.logger.Info("mutation held for review",
			zap.Uint("mutation_id", entry.ID),
			zap.Uint("conflict_id", logged.ID),
			zap.Strings("critical_fields", conflicts.CriticalFields(string(entry.EntityType))))
		review := conflictEvent
		review.Type = events.TypeConflictNeedsReview
		o.publisher.Publish(review)
		return nil
	}

	serverID := request.EntityID
	if id, ok := serverData[fieldID].(string); ok && id != "" {
		serverID = id
	}
	if serverID != "" {
		cacheRecord := entitycache.Record{
			EntityType: string(entry.EntityType),
			EntityID:   serverID,
			UpdatedAt:  stampString(serverData[conflicts.UpdatedAtField]),
			Payload:    outcome.ResolvedData,
		}
		if entry.Operation == queue.OperationCreate {
			cacheRecord.SourceKey = entry.IdempotencyKey
		}
		if err := o.cache.Put(ctx, cacheRecord); err != nil {
			o.logError(opConflict, "cache_write_failed", err, zap.Uint("mutation_id", entry.ID))
		}
	}
	if err := o.store.Remove(ctx, entry.ID); err != nil {
		return err
	}
	o.markSynced(state, entry, serverID)
	resolved := conflictEvent
	resolved.Type = events.TypeConflictAutoResolved
	o.publisher.Publish(resolved)
	return nil
}

func (o *Orchestrator) publishSkipped(entry queue.Entry, reason string) {
	o.publisher.Publish(events.Event{
		Type:           events.TypeMutationSkippedDependency,
		MutationID:     entry.ID,
		IdempotencyKey: entry.IdempotencyKey,
		EntityType:     string(entry.EntityType),
		EntityID:       entry.EntityID,
		ConflictID:     entry.ConflictID,
		Reason:         reason,
	})
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("sync orchestrator error", attrs...)
}

// stampString renders a version stamp value as stored in the cache.
func stampString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case nil:
		return ""
	}
	if parsed, ok := conflicts.ParseTimestamp(value); ok {
		return parsed.Format(time.RFC3339Nano)
	}
	return ""
}
