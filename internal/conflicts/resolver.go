// Package conflicts detects, classifies and resolves divergence between a
// locally queued record and the server copy, and keeps the conflict log.
package conflicts

import (
	"reflect"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Resolution names the side whose data was kept.
type Resolution string

const (
	ResolutionServer Resolution = "server"
	ResolutionLocal  Resolution = "local"
	ResolutionMerged Resolution = "merged"
)

// UpdatedAtField is the version stamp key in entity payloads.
const UpdatedAtField = "updated_at"

var metadataFields = map[string]struct{}{
	"id":           {},
	"created_at":   {},
	UpdatedAtField: {},
	"workspace_id": {},
}

var criticalFields = map[string]map[string]struct{}{
	"inventory": {"quantity": {}, "status": {}},
	"loans":     {"quantity": {}, "returned_at": {}},
}

// ParseResolution validates raw input and returns a Resolution.
func ParseResolution(raw string) (Resolution, bool) {
	switch Resolution(strings.ToLower(strings.TrimSpace(raw))) {
	case ResolutionServer:
		return ResolutionServer, true
	case ResolutionLocal:
		return ResolutionLocal, true
	case ResolutionMerged:
		return ResolutionMerged, true
	}
	return "", false
}

// DetectConflict reports whether the server copy is strictly newer than the
// version the local edit was based on.
func DetectConflict(localUpdatedAt, serverUpdatedAt time.Time) bool {
	return serverUpdatedAt.After(localUpdatedAt)
}

// FindConflictFields returns the sorted names of fields whose values differ.
// Metadata fields are ignored. A field present only on the server counts when
// its value is not null.
func FindConflictFields(local, server map[string]any) []string {
	fields := make([]string, 0)
	for key, localValue := range local {
		if _, skip := metadataFields[key]; skip {
			continue
		}
		if !valuesEqual(localValue, server[key]) {
			fields = append(fields, key)
		}
	}
	for key, serverValue := range server {
		if _, skip := metadataFields[key]; skip {
			continue
		}
		if _, seen := local[key]; seen {
			continue
		}
		if serverValue != nil {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	return fields
}

// ClassifyConflict reports whether any of the fields is business critical for
// the entity type.
func ClassifyConflict(entityType string, fields []string) bool {
	critical, ok := criticalFields[entityType]
	if !ok {
		return false
	}
	for _, field := range fields {
		if _, hit := critical[field]; hit {
			return true
		}
	}
	return false
}

// CriticalFields returns the critical field names for an entity type.
func CriticalFields(entityType string) []string {
	names := make([]string, 0, len(criticalFields[entityType]))
	for name := range criticalFields[entityType] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConflictData is the input of ResolveConflict.
type ConflictData struct {
	EntityType      string
	EntityID        string
	LocalData       map[string]any
	ServerData      map[string]any
	LocalUpdatedAt  time.Time
	ServerUpdatedAt time.Time
}

// Result describes the outcome of ResolveConflict. Resolution and
// ResolvedData are set only when the conflict was resolved automatically.
type Result struct {
	HasConflict  bool
	Critical     bool
	Fields       []string
	Resolution   Resolution
	ResolvedData map[string]any
}

// Resolved reports whether the conflict was settled without review.
func (r Result) Resolved() bool {
	return r.HasConflict && r.Resolution != ""
}

// ResolveConflict decides how a detected divergence is handled. Timestamps
// that do not conflict, or conflicting timestamps with identical fields, are
// not conflicts. Critical divergences are returned unresolved. Everything
// else resolves to the server copy.
func ResolveConflict(data ConflictData) Result {
	if !DetectConflict(data.LocalUpdatedAt, data.ServerUpdatedAt) {
		return Result{}
	}
	fields := FindConflictFields(data.LocalData, data.ServerData)
	if len(fields) == 0 {
		return Result{}
	}
	if ClassifyConflict(data.EntityType, fields) {
		return Result{HasConflict: true, Critical: true, Fields: fields}
	}
	return Result{
		HasConflict:  true,
		Fields:       fields,
		Resolution:   ResolutionServer,
		ResolvedData: ResolveWithLastWriteWins(data.ServerData),
	}
}

// ResolveWithLastWriteWins returns a shallow copy of the server data.
func ResolveWithLastWriteWins(serverData map[string]any) map[string]any {
	resolved := make(map[string]any, len(serverData))
	for key, value := range serverData {
		resolved[key] = value
	}
	return resolved
}

// ParseTimestamp reads a version stamp. Strings are RFC 3339; numbers are
// unix milliseconds.
func ParseTimestamp(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, trimmed)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	case time.Time:
		return typed.UTC(), !typed.IsZero()
	}
	if millis, ok := toFloat(value); ok {
		return time.UnixMilli(int64(millis)).UTC(), true
	}
	return time.Time{}, false
}

func valuesEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if leftNumber, ok := toFloat(left); ok {
		rightNumber, ok := toFloat(right)
		return ok && leftNumber == rightNumber
	}
	switch leftTyped := left.(type) {
	case map[string]any:
		rightTyped, ok := right.(map[string]any)
		if !ok || len(leftTyped) != len(rightTyped) {
			return false
		}
		for key, value := range leftTyped {
			other, present := rightTyped[key]
			if !present || !valuesEqual(value, other) {
				return false
			}
		}
		return true
	case []any:
		rightTyped, ok := right.([]any)
		if !ok || len(leftTyped) != len(rightTyped) {
			return false
		}
		for index := range leftTyped {
			if !valuesEqual(leftTyped[index], rightTyped[index]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(left, right)
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	}
	return 0, false
}
