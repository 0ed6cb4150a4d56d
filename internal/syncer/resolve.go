package syncer

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/conflicts"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/entitycache"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	"go.uber.org/zap"
)

var (
	// ErrMergedDataRequired indicates a merged resolution without data.
	ErrMergedDataRequired = errors.New("syncer: merged resolution requires data")
	// ErrMutationGone indicates that the held mutation is no longer queued.
	ErrMutationGone = errors.New("syncer: conflicted mutation is no longer queued")
)

// ResolveConflict finalizes a conflict held for review. Accepting the server
// copy discards the mutation; keeping the local or merged data re-arms it
// against the server version and requests a new pass.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID uint, resolution conflicts.Resolution, merged map[string]any) (conflicts.Entry, error) {
	if _, ok := conflicts.ParseResolution(string(resolution)); !ok {
		return conflicts.Entry{}, newServiceError(opResolve, "invalid_resolution", conflicts.ErrInvalidResolution)
	}
	if resolution == conflicts.ResolutionMerged && len(merged) == 0 {
		return conflicts.Entry{}, newServiceError(opResolve, "missing_merged_data", ErrMergedDataRequired)
	}

	record, err := o.log.Get(ctx, conflictID)
	if err != nil {
		return conflicts.Entry{}, newServiceError(opResolve, "conflict_lookup_failed", err)
	}
	if record.Resolved() {
		return conflicts.Entry{}, newServiceError(opResolve, "already_resolved", conflicts.ErrAlreadyResolved)
	}

	mutation, err := o.store.GetByIdempotencyKey(ctx, record.IdempotencyKey)
	mutationQueued := err == nil
	if err != nil && !errors.Is(err, queue.ErrEntryNotFound) {
		return conflicts.Entry{}, newServiceError(opResolve, "mutation_lookup_failed", err)
	}
	serverStamp := stampString(record.ServerData[conflicts.UpdatedAtField])

	var resolvedData map[string]any
	switch resolution {
	case conflicts.ResolutionServer:
		resolvedData = conflicts.ResolveWithLastWriteWins(record.ServerData)
		entityID := record.EntityID
		if id, ok := record.ServerData[fieldID].(string); ok && id != "" {
			entityID = id
		}
		if entityID != "" {
			if err := o.cache.Put(ctx, entitycache.Record{
				EntityType: record.EntityType,
				EntityID:   entityID,
				UpdatedAt:  serverStamp,
				Payload:    resolvedData,
			}); err != nil {
				o.logError(opResolve, "cache_write_failed", err, zap.Uint("conflict_id", conflictID))
			}
		}
		if mutationQueued {
			if err := o.store.Remove(ctx, mutation.ID); err != nil {
				return conflicts.Entry{}, newServiceError(opResolve, "mutation_remove_failed", err)
			}
		}
	default:
		if !mutationQueued {
			return conflicts.Entry{}, newServiceError(opResolve, "mutation_gone", ErrMutationGone)
		}
		payload := mutation.Payload
		if resolution == conflicts.ResolutionMerged {
			payload = queue.Payload(merged)
		}
		if _, err := o.store.Rearm(ctx, mutation.ID, payload, serverStamp); err != nil {
			return conflicts.Entry{}, newServiceError(opResolve, "mutation_rearm_failed", err)
		}
		resolvedData = payload.Clone()
	}

	resolved, err := o.log.AttachResolution(ctx, conflictID, resolution, resolvedData)
	if err != nil {
		return conflicts.Entry{}, newServiceError(opResolve, "attach_failed", err)
	}
	o.logger.Info("conflict resolved",
		zap.Uint("conflict_id", conflictID),
		zap.String("resolution", string(resolution)),
		zap.Bool("mutation_queued", mutationQueued))
	o.publisher.Publish(events.Event{
		Type:           events.TypeSyncRequested,
		ConflictID:     conflictID,
		IdempotencyKey: record.IdempotencyKey,
		EntityType:     record.EntityType,
		EntityID:       record.EntityID,
		Reason:         "conflict_resolved",
	})
	return resolved, nil
}
