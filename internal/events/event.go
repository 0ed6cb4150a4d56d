package events

import "time"

// Type names a lifecycle notification published by the sync core.
type Type string

const (
	TypeSyncStarted               Type = "SYNC_STARTED"
	TypeSyncComplete              Type = "SYNC_COMPLETE"
	TypeSyncError                 Type = "SYNC_ERROR"
	TypeSyncRequested             Type = "SYNC_REQUESTED"
	TypeMutationSynced            Type = "MUTATION_SYNCED"
	TypeMutationFailed            Type = "MUTATION_FAILED"
	TypeMutationCascadeFailed     Type = "MUTATION_CASCADE_FAILED"
	TypeMutationSkippedDependency Type = "MUTATION_SKIPPED_DEPENDENCY"
	TypeQueueUpdated              Type = "QUEUE_UPDATED"
	TypeConflictDetected          Type = "CONFLICT_DETECTED"
	TypeConflictAutoResolved      Type = "CONFLICT_AUTO_RESOLVED"
	TypeConflictNeedsReview       Type = "CONFLICT_NEEDS_REVIEW"
)

var knownTypes = map[Type]struct{}{
	TypeSyncStarted:               {},
	TypeSyncComplete:              {},
	TypeSyncError:                 {},
	TypeSyncRequested:             {},
	TypeMutationSynced:            {},
	TypeMutationFailed:            {},
	TypeMutationCascadeFailed:     {},
	TypeMutationSkippedDependency: {},
	TypeQueueUpdated:              {},
	TypeConflictDetected:          {},
	TypeConflictAutoResolved:      {},
	TypeConflictNeedsReview:       {},
}

// Known reports whether the type belongs to the published vocabulary.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is the payload carried on the bus and across the relay channel.
// Only the fields relevant to the event type are populated.
type Event struct {
	Type           Type      `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	Origin         string    `json:"origin,omitempty"`
	MutationID     uint      `json:"mutation_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	EntityType     string    `json:"entity_type,omitempty"`
	EntityID       string    `json:"entity_id,omitempty"`
	PendingCount   int64     `json:"pending_count"`
	Reason         string    `json:"reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	ConflictID     uint      `json:"conflict_id,omitempty"`
	Fields         []string  `json:"fields,omitempty"`
	Critical       bool      `json:"critical,omitempty"`
}
