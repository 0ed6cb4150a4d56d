package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/MarcoPoloResearchLab/stockpile/offline/internal/jsoncodec"
)

// Operation enumerates the supported mutation kinds.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

var (
	// ErrInvalidOperation indicates an unknown operation name.
	ErrInvalidOperation = errors.New("queue: invalid operation")
	// ErrInvalidEntityType indicates an entity type outside the enumeration.
	ErrInvalidEntityType = errors.New("queue: invalid entity type")
	// ErrInvalidStatus indicates an unknown status name.
	ErrInvalidStatus = errors.New("queue: invalid status")
)

// ParseOperation validates raw input and returns an Operation.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperation, raw)
}

// EntityType names a server collection.
type EntityType string

const (
	EntityCategories EntityType = "categories"
	EntityLabels     EntityType = "labels"
	EntityLocations  EntityType = "locations"
	EntityBorrowers  EntityType = "borrowers"
	EntityContainers EntityType = "containers"
	EntityItems      EntityType = "items"
	EntityInventory  EntityType = "inventory"
	EntityLoans      EntityType = "loans"
)

// SyncOrder lists entity types so that referenced collections come before
// the collections that reference them.
var SyncOrder = []EntityType{
	EntityCategories,
	EntityLabels,
	EntityLocations,
	EntityBorrowers,
	EntityContainers,
	EntityItems,
	EntityInventory,
	EntityLoans,
}

var parentFields = map[EntityType]string{
	EntityCategories: "parent_category_id",
	EntityLocations:  "parent_location_id",
}

// ParseEntityType validates raw input and returns an EntityType.
func ParseEntityType(raw string) (EntityType, error) {
	candidate := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range SyncOrder {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, raw)
}

// ParentField returns the self-referencing payload key, or "" when the type
// is not hierarchical.
func (t EntityType) ParentField() string {
	return parentFields[t]
}

// Hierarchical reports whether creates of this type may reference each other.
func (t EntityType) Hierarchical() bool {
	return parentFields[t] != ""
}

// Status tracks where an entry is in its delivery lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// ParseStatus validates raw input and returns a Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusSyncing:
		return StatusSyncing, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Payload is the schema-less field map sent to the server.
type Payload map[string]any

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for key, value := range p {
		out[key] = value
	}
	return out
}

// StringValue returns the value at key when it is a non-empty string.
func (p Payload) StringValue(key string) (string, bool) {
	value, ok := p[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Entry is one queued mutation.
type Entry struct {
	ID                  uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	IdempotencyKey      string     `gorm:"column:idempotency_key;size:64;not null;uniqueIndex:idx_mutation_queue_idempotency_key" json:"idempotency_key"`
	Operation           Operation  `gorm:"column:operation;size:16;not null" json:"operation"`
	EntityType          EntityType `gorm:"column:entity_type;size:64;not null;index:idx_mutation_queue_entity_type" json:"entity_type"`
	EntityID            string     `gorm:"column:entity_id;size:190" json:"entity_id,omitempty"`
	Payload             Payload    `gorm:"column:payload;type:text;serializer:gojson" json:"payload"`
	DependsOn           []string   `gorm:"column:depends_on;type:text;serializer:gojson" json:"depends_on,omitempty"`
	TimestampMillis     int64      `gorm:"column:timestamp_ms;not null;index:idx_mutation_queue_timestamp" json:"timestamp_ms"`
	Retries             int        `gorm:"column:retries;not null" json:"retries"`
	Status              Status     `gorm:"column:status;size:16;not null;index:idx_mutation_queue_status" json:"status"`
	LastError           string     `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	CachedUpdatedAt     string     `gorm:"column:cached_updated_at;size:64" json:"cached_updated_at,omitempty"`
	NextAttemptAtMillis int64      `gorm:"column:next_attempt_at_ms;not null" json:"next_attempt_at_ms,omitempty"`
	ConflictID          uint       `gorm:"column:conflict_id;not null" json:"conflict_id,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "mutation_queue"
}

// Timestamp returns the enqueue time.
func (e Entry) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMillis).UTC()
}

// NextAttemptAt returns the earliest time the entry may be delivered again.
// The zero time means immediately.
func (e Entry) NextAttemptAt() time.Time {
	if e.NextAttemptAtMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.NextAttemptAtMillis).UTC()
}

// DependsOnKey reports whether key is among the entry's dependencies.
func (e Entry) DependsOnKey(key string) bool {
	for _, candidate := range e.DependsOn {
		if candidate == key {
			return true
		}
	}
	return false
}

// AwaitingReview reports whether a critical conflict holds the entry.
func (e Entry) AwaitingReview() bool {
	return e.ConflictID != 0
}
