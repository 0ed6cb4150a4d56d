package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrEntryNotFound indicates that no queue entry matched the lookup.
	ErrEntryNotFound = errors.New("queue: entry not found")
	// ErrEntryInFlight indicates that the entry is being delivered and cannot be cancelled.
	ErrEntryInFlight = errors.New("queue: entry is being delivered")
	// ErrEntryNotFailed indicates that a manual retry targeted an entry that has not failed.
	ErrEntryNotFailed = errors.New("queue: entry has not failed")
	// ErrMissingEntityID indicates an update or delete without a target entity.
	ErrMissingEntityID = errors.New("queue: entity id is required")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingKeyProvider = errors.New("key provider is required")
	noOpLogger            = zap.NewNop()
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

const (
	opStoreNew        = "queue.store.new"
	opEnqueue         = "queue.enqueue"
	opList            = "queue.list"
	opGet             = "queue.get"
	opUpdateStatus    = "queue.update_status"
	opRearm           = "queue.rearm"
	opRemove          = "queue.remove"
	opCount           = "queue.count_pending"
	opExpire          = "queue.expire"
	opRecoverInFlight = "queue.recover_in_flight"
	opRetry           = "queue.retry"
	opCancel          = "queue.cancel"

	columnID             = "id"
	columnIdempotencyKey = "idempotency_key"
	columnStatus         = "status"
	orderQueue           = "timestamp_ms ASC, id ASC"
	queryID              = columnID + " = ?"
	queryIdempotencyKey  = columnIdempotencyKey + " = ?"
	queryStatus          = columnStatus + " = ?"
	queryCreateKeysIn    = "operation = ? AND " + columnIdempotencyKey + " IN ?"
	queryOlderThan       = "timestamp_ms < ?"
	foreignKeySuffix     = "_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notifier receives queue change notifications.
type Notifier interface {
	Publish(event events.Event)
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	KeyProvider KeyProvider
	Notifier    Notifier
	Logger      *zap.Logger
}

// Store persists mutation queue entries.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	keyProvider KeyProvider
	notifier    Notifier
	logger      *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.KeyProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_key_provider", errMissingKeyProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:          cfg.Database,
		clock:       clock,
		keyProvider: cfg.KeyProvider,
		notifier:    cfg.Notifier,
		logger:      logger,
	}, nil
}

// EnqueueRequest describes a local edit awaiting delivery.
type EnqueueRequest struct {
	Operation       Operation
	EntityType      EntityType
	EntityID        string
	Payload         Payload
	CachedUpdatedAt string
	DependsOn       []string
}

// Enqueue stores a new pending entry with a fresh idempotency key. Top-level
// references to queued creates (the parent field, any *_id value and, for
// updates and deletes, the entity id) are added to DependsOn.
func (s *Store) Enqueue(ctx context.Context, request EnqueueRequest) (Entry, error) {
	operation, err := ParseOperation(string(request.Operation))
	if err != nil {
		return Entry{}, newServiceError(opEnqueue, "invalid_operation", err)
	}
	entityType, err := ParseEntityType(string(request.EntityType))
	if err != nil {
		return Entry{}, newServiceError(opEnqueue, "invalid_entity_type", err)
	}
	entityID := strings.TrimSpace(request.EntityID)
	if operation != OperationCreate && entityID == "" {
		return Entry{}, newServiceError(opEnqueue, "missing_entity_id", ErrMissingEntityID)
	}

	key, err := s.keyProvider.NewKey()
	if err != nil {
		s.logError(opEnqueue, "key_generation_failed", err)
		return Entry{}, newServiceError(opEnqueue, "key_generation_failed", err)
	}

	payload := request.Payload.Clone()
	if payload == nil {
		payload = Payload{}
	}
	entry := Entry{
		IdempotencyKey:  key,
		Operation:       operation,
		EntityType:      entityType,
		EntityID:        entityID,
		Payload:         payload,
		DependsOn:       appendUnique(nil, request.DependsOn...),
		TimestampMillis: s.clock().UTC().UnixMilli(),
		Status:          StatusPending,
		CachedUpdatedAt: strings.TrimSpace(request.CachedUpdatedAt),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidates := referenceCandidates(entry)
		if len(candidates) > 0 {
			var queuedKeys []string
			if err := tx.Model(&Entry{}).
				Where(queryCreateKeysIn, OperationCreate, candidates).
				Order(orderQueue).
				Pluck(columnIdempotencyKey, &queuedKeys).Error; err != nil {
				s.logError(opEnqueue, "dependency_lookup_failed", err, zap.String("entity_type", string(entry.EntityType)))
				return newServiceError(opEnqueue, "dependency_lookup_failed", err)
			}
			entry.DependsOn = appendUnique(entry.DependsOn, queuedKeys...)
		}
		if err := tx.Create(&entry).Error; err != nil {
			s.logError(opEnqueue, "insert_failed", err, zap.String("entity_type", string(entry.EntityType)))
			return newServiceError(opEnqueue, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}

	s.notify(ctx)
	return entry, nil
}

// ListPending returns pending entries oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Entry, error) {
	return s.ListByStatus(ctx, StatusPending)
}

// ListByStatus returns the entries with the given status oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where(queryStatus, status).
		Order(orderQueue).
		Find(&entries).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("status", string(status)))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return entries, nil
}

// ListAll returns every entry oldest first.
func (s *Store) ListAll(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).Order(orderQueue).Find(&entries).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return entries, nil
}

// Get loads a single entry by its local id.
func (s *Store) Get(ctx context.Context, id uint) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where(queryID, id).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Uint("id", id))
		return Entry{}, newServiceError(opGet, "query_failed", err)
	}
	return entry, nil
}

// GetByIdempotencyKey loads a single entry by its idempotency key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where(queryIdempotencyKey, key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("idempotency_key", key))
		return Entry{}, newServiceError(opGet, "query_failed", err)
	}
	return entry, nil
}

// StatusUpdate lists the fields changed by UpdateStatus. Nil pointers keep
// the stored value.
type StatusUpdate struct {
	Status        Status
	Retries       *int
	LastError     *string
	NextAttemptAt *time.Time
	ConflictID    *uint
}

// UpdateStatus applies the update as one read-modify-write transaction and
// returns the stored entry.
func (s *Store) UpdateStatus(ctx context.Context, id uint, update StatusUpdate) (Entry, error) {
	if _, err := ParseStatus(string(update.Status)); err != nil {
		return Entry{}, newServiceError(opUpdateStatus, "invalid_status", err)
	}
	var entry Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(queryID, id).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateStatus, "entry_not_found", ErrEntryNotFound)
		}
		if err != nil {
			s.logError(opUpdateStatus, "entry_select_failed", err, zap.Uint("id", id))
			return newServiceError(opUpdateStatus, "entry_select_failed", err)
		}

		changes := map[string]any{columnStatus: update.Status}
		entry.Status = update.Status
		if update.Retries != nil {
			changes["retries"] = *update.Retries
			entry.Retries = *update.Retries
		}
		if update.LastError != nil {
			changes["last_error"] = *update.LastError
			entry.LastError = *update.LastError
		}
		if update.NextAttemptAt != nil {
			var millis int64
			if !update.NextAttemptAt.IsZero() {
				millis = update.NextAttemptAt.UTC().UnixMilli()
			}
			changes["next_attempt_at_ms"] = millis
			entry.NextAttemptAtMillis = millis
		}
		if update.ConflictID != nil {
			changes["conflict_id"] = *update.ConflictID
			entry.ConflictID = *update.ConflictID
		}
		if err := tx.Model(&Entry{}).Where(queryID, id).Updates(changes).Error; err != nil {
			s.logError(opUpdateStatus, "entry_update_failed", err, zap.Uint("id", id))
			return newServiceError(opUpdateStatus, "entry_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	s.notify(ctx)
	return entry, nil
}

// Rearm replaces the payload of a held entry and makes it deliverable again
// with a fresh retry budget.
func (s *Store) Rearm(ctx context.Context, id uint, payload Payload, cachedUpdatedAt string) (Entry, error) {
	var entry Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(queryID, id).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRearm, "entry_not_found", ErrEntryNotFound)
		}
		if err != nil {
			s.logError(opRearm, "entry_select_failed", err, zap.Uint("id", id))
			return newServiceError(opRearm, "entry_select_failed", err)
		}
		entry.Payload = payload.Clone()
		entry.CachedUpdatedAt = cachedUpdatedAt
		entry.Status = StatusPending
		entry.Retries = 0
		entry.LastError = ""
		entry.NextAttemptAtMillis = 0
		entry.ConflictID = 0
		if err := tx.Save(&entry).Error; err != nil {
			s.logError(opRearm, "entry_save_failed", err, zap.Uint("id", id))
			return newServiceError(opRearm, "entry_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	s.notify(ctx)
	return entry, nil
}

// Remove deletes the entry. Removing a missing entry is not an error.
func (s *Store) Remove(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Where(queryID, id).Delete(&Entry{}).Error; err != nil {
		s.logError(opRemove, "delete_failed", err, zap.Uint("id", id))
		return newServiceError(opRemove, "delete_failed", err)
	}
	s.notify(ctx)
	return nil
}

// RemoveByIdempotencyKey deletes the entry with the given key.
func (s *Store) RemoveByIdempotencyKey(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where(queryIdempotencyKey, key).Delete(&Entry{}).Error; err != nil {
		s.logError(opRemove, "delete_failed", err, zap.String("idempotency_key", key))
		return newServiceError(opRemove, "delete_failed", err)
	}
	s.notify(ctx)
	return nil
}

// CountPending returns the number of pending entries.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where(queryStatus, StatusPending).Count(&count).Error; err != nil {
		s.logError(opCount, "query_failed", err)
		return 0, newServiceError(opCount, "query_failed", err)
	}
	return count, nil
}

// ExpireOlderThan deletes entries enqueued more than ttl ago, whatever their
// status, and returns how many were removed.
func (s *Store) ExpireOlderThan(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-ttl).UnixMilli()
	result := s.db.WithContext(ctx).Where(queryOlderThan, cutoff).Delete(&Entry{})
	if result.Error != nil {
		s.logError(opExpire, "delete_failed", result.Error)
		return 0, newServiceError(opExpire, "delete_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("expired queue entries", zap.Int64("count", result.RowsAffected), zap.Duration("ttl", ttl))
		s.notify(ctx)
	}
	return result.RowsAffected, nil
}

// RecoverInFlight returns entries left in syncing by an interrupted run to
// pending.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Entry{}).
		Where(queryStatus, StatusSyncing).
		Update(columnStatus, StatusPending)
	if result.Error != nil {
		s.logError(opRecoverInFlight, "update_failed", result.Error)
		return 0, newServiceError(opRecoverInFlight, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Warn("recovered in-flight queue entries", zap.Int64("count", result.RowsAffected))
		s.notify(ctx)
	}
	return result.RowsAffected, nil
}

// Retry moves a failed entry back to pending with a fresh retry budget.
func (s *Store) Retry(ctx context.Context, id uint) (Entry, error) {
	var entry Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(queryID, id).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRetry, "entry_not_found", ErrEntryNotFound)
		}
		if err != nil {
			s.logError(opRetry, "entry_select_failed", err, zap.Uint("id", id))
			return newServiceError(opRetry, "entry_select_failed", err)
		}
		if entry.Status != StatusFailed {
			return newServiceError(opRetry, "entry_not_failed", ErrEntryNotFailed)
		}
		entry.Status = StatusPending
		entry.Retries = 0
		entry.LastError = ""
		entry.NextAttemptAtMillis = 0
		if err := tx.Save(&entry).Error; err != nil {
			s.logError(opRetry, "entry_save_failed", err, zap.Uint("id", id))
			return newServiceError(opRetry, "entry_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	s.notify(ctx)
	return entry, nil
}

// Cancel removes a pending or failed entry at the user's request. Entries
// being delivered cannot be cancelled.
func (s *Store) Cancel(ctx context.Context, id uint) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Where(queryID, id).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCancel, "entry_not_found", ErrEntryNotFound)
		}
		if err != nil {
			s.logError(opCancel, "entry_select_failed", err, zap.Uint("id", id))
			return newServiceError(opCancel, "entry_select_failed", err)
		}
		if entry.Status == StatusSyncing {
			return newServiceError(opCancel, "entry_in_flight", ErrEntryInFlight)
		}
		if err := tx.Where(queryID, id).Delete(&Entry{}).Error; err != nil {
			s.logError(opCancel, "delete_failed", err, zap.Uint("id", id))
			return newServiceError(opCancel, "delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}
	s.logger.Info("queue entry cancelled", zap.Uint("id", id))
	s.notify(ctx)
	return nil
}

func (s *Store) notify(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	count, err := s.CountPending(ctx)
	if err != nil {
		return
	}
	s.notifier.Publish(events.Event{Type: events.TypeQueueUpdated, PendingCount: count})
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("queue store error", attrs...)
}

// referenceCandidates lists the values that may name a queued create.
func referenceCandidates(entry Entry) []string {
	var candidates []string
	if parentField := entry.EntityType.ParentField(); parentField != "" {
		if value, ok := entry.Payload.StringValue(parentField); ok {
			candidates = append(candidates, value)
		}
	}
	keys := make([]string, 0, len(entry.Payload))
	for key := range entry.Payload {
		if strings.HasSuffix(key, foreignKeySuffix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value, ok := entry.Payload.StringValue(key); ok {
			candidates = append(candidates, value)
		}
	}
	if entry.Operation != OperationCreate && entry.EntityID != "" {
		candidates = append(candidates, entry.EntityID)
	}
	return appendUnique(nil, candidates...)
}

func appendUnique(target []string, values ...string) []string {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		duplicate := false
		for _, existing := range target {
			if existing == value {
				duplicate = true
				break
			}
		}
		if !duplicate {
			target = append(target, value)
		}
	}
	return target
}
