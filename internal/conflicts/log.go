package conflicts

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "github.com/MarcoPoloResearchLab/stockpile/offline/internal/jsoncodec"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrEntryNotFound indicates that no conflict log entry matched the lookup.
	ErrEntryNotFound = errors.New("conflicts: entry not found")
	// ErrAlreadyResolved indicates an attempt to resolve a conflict twice.
	ErrAlreadyResolved = errors.New("conflicts: entry already resolved")
	// ErrInvalidResolution indicates an unknown resolution name.
	ErrInvalidResolution = errors.New("conflicts: invalid resolution")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opLogNew           = "conflicts.log.new"
	opAppend           = "conflicts.append"
	opAttachResolution = "conflicts.attach_resolution"
	opGet              = "conflicts.get"
	opListUnresolved   = "conflicts.list_unresolved"
	opEntries          = "conflicts.entries"
	entriesPageSize    = 50
	orderNewestFirst   = "detected_at_ms DESC, id DESC"
	queryID            = "id = ?"
	queryUnresolved    = "resolution = ''"
	queryBeforeCursor  = "detected_at_ms < ? OR (detected_at_ms = ? AND id < ?)"
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

// Entry is an audit record of one detected conflict. Only the resolution
// columns change after the record is appended.
type Entry struct {
	ID               uint           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	EntityType       string         `gorm:"column:entity_type;size:64;not null" json:"entity_type"`
	EntityID         string         `gorm:"column:entity_id;size:190" json:"entity_id,omitempty"`
	IdempotencyKey   string         `gorm:"column:idempotency_key;size:64;not null;index:idx_conflict_log_idempotency_key" json:"idempotency_key"`
	MutationID       uint           `gorm:"column:mutation_id;not null" json:"mutation_id"`
	LocalData        map[string]any `gorm:"column:local_data;type:text;serializer:gojson" json:"local_data"`
	ServerData       map[string]any `gorm:"column:server_data;type:text;serializer:gojson" json:"server_data"`
	Fields           []string       `gorm:"column:fields;type:text;serializer:gojson" json:"fields"`
	Critical         bool           `gorm:"column:critical;not null" json:"critical"`
	Resolution       Resolution     `gorm:"column:resolution;size:16;not null;default:''" json:"resolution,omitempty"`
	ResolvedData     map[string]any `gorm:"column:resolved_data;type:text;serializer:gojson" json:"resolved_data,omitempty"`
	DetectedAtMillis int64          `gorm:"column:detected_at_ms;not null;index:idx_conflict_log_detected_at" json:"detected_at_ms"`
	ResolvedAtMillis int64          `gorm:"column:resolved_at_ms;not null" json:"resolved_at_ms,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "conflict_log"
}

// Resolved reports whether a resolution has been attached.
func (e Entry) Resolved() bool {
	return e.Resolution != ""
}

// DetectedAt returns the detection time.
func (e Entry) DetectedAt() time.Time {
	return time.UnixMilli(e.DetectedAtMillis).UTC()
}

// LogConfig describes the dependencies of a Log.
type LogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log persists conflict records.
type Log struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog validates the configuration and returns a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLogNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append records a newly detected conflict and returns it with its id.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	entry.ID = 0
	if entry.DetectedAtMillis == 0 {
		entry.DetectedAtMillis = l.clock().UTC().UnixMilli()
	}
	if entry.Resolution != "" {
		if _, ok := ParseResolution(string(entry.Resolution)); !ok {
			return Entry{}, newServiceError(opAppend, "invalid_resolution", ErrInvalidResolution)
		}
		if entry.ResolvedAtMillis == 0 {
			entry.ResolvedAtMillis = entry.DetectedAtMillis
		}
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		l.logError(opAppend, "insert_failed", err, zap.String("entity_type", entry.EntityType), zap.String("entity_id", entry.EntityID))
		return Entry{}, newServiceError(opAppend, "insert_failed", err)
	}
	return entry, nil
}

// AttachResolution records the chosen resolution of an unresolved conflict.
func (l *Log) AttachResolution(ctx context.Context, id uint, resolution Resolution, resolvedData map[string]any) (Entry, error) {
	if _, ok := ParseResolution(string(resolution)); !ok {
		return Entry{}, newServiceError(opAttachResolution, "invalid_resolution", ErrInvalidResolution)
	}
	var entry Entry
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(queryID, id).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAttachResolution, "entry_not_found", ErrEntryNotFound)
		}
		if err != nil {
			l.logError(opAttachResolution, "entry_select_failed", err, zap.Uint("id", id))
			return newServiceError(opAttachResolution, "entry_select_failed", err)
		}
		if entry.Resolved() {
			return newServiceError(opAttachResolution, "already_resolved", ErrAlreadyResolved)
		}
		entry.Resolution = resolution
		entry.ResolvedData = resolvedData
		entry.ResolvedAtMillis = l.clock().UTC().UnixMilli()
		if err := tx.Save(&entry).Error; err != nil {
			l.logError(opAttachResolution, "entry_update_failed", err, zap.Uint("id", id))
			return newServiceError(opAttachResolution, "entry_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	return entry, nil
}

// Get loads one conflict record.
func (l *Log) Get(ctx context.Context, id uint) (Entry, error) {
	var entry Entry
	err := l.db.WithContext(ctx).Where(queryID, id).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		l.logError(opGet, "query_failed", err, zap.Uint("id", id))
		return Entry{}, newServiceError(opGet, "query_failed", err)
	}
	return entry, nil
}

// ListUnresolved returns conflicts awaiting review, newest first.
func (l *Log) ListUnresolved(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := l.db.WithContext(ctx).Where(queryUnresolved).Order(orderNewestFirst).Find(&entries).Error; err != nil {
		l.logError(opListUnresolved, "query_failed", err)
		return nil, newServiceError(opListUnresolved, "query_failed", err)
	}
	return entries, nil
}

// Entries yields conflict records newest first, reading the table page by
// page. At most limit records are produced; limit <= 0 yields all of them.
// Iteration stops at the first query error, which is yielded once.
func (l *Log) Entries(ctx context.Context, limit int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		produced := 0
		var cursorMillis int64
		var cursorID uint
		first := true
		for {
			pageSize := entriesPageSize
			if limit > 0 && limit-produced < pageSize {
				pageSize = limit - produced
			}
			if pageSize <= 0 {
				return
			}
			query := l.db.WithContext(ctx).Order(orderNewestFirst).Limit(pageSize)
			if !first {
				query = query.Where(queryBeforeCursor, cursorMillis, cursorMillis, cursorID)
			}
			var page []Entry
			if err := query.Find(&page).Error; err != nil {
				l.logError(opEntries, "query_failed", err)
				yield(Entry{}, newServiceError(opEntries, "query_failed", err))
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
				produced++
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursorMillis, cursorID, first = last.DetectedAtMillis, last.ID, false
		}
	}
}

func (l *Log) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("conflict log error", attrs...)
}
