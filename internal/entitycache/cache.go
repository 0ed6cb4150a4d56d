// Package entitycache keeps the last known server copy of each synced entity.
// The version stamps stored here feed optimistic concurrency on updates.
package entitycache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/MarcoPoloResearchLab/stockpile/offline/internal/jsoncodec"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotCached indicates that no cached copy exists.
var ErrNotCached = errors.New("entitycache: not cached")

var errMissingDatabase = errors.New("entitycache: database handle is required")

// Record is the cached server copy of one entity.
type Record struct {
	EntityType     string         `gorm:"column:entity_type;primaryKey;size:64;not null" json:"entity_type"`
	EntityID       string         `gorm:"column:entity_id;primaryKey;size:190;not null" json:"entity_id"`
	UpdatedAt      string         `gorm:"column:updated_at;size:64" json:"updated_at,omitempty"`
	Payload        map[string]any `gorm:"column:payload;type:text;serializer:gojson" json:"payload,omitempty"`
	SourceKey      string         `gorm:"column:source_key;size:64;index:idx_entity_cache_source_key" json:"source_key,omitempty"`
	CachedAtMillis int64          `gorm:"column:cached_at_ms;not null" json:"cached_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "entity_cache"
}

// Config describes the dependencies of a Cache.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Cache reads and writes cached entity copies.
type Cache struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New validates the configuration and returns a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Lookup returns the cached copy of an entity.
func (c *Cache) Lookup(ctx context.Context, entityType, entityID string) (Record, error) {
	var record Record
	err := c.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotCached
	}
	if err != nil {
		c.logger.Error("entity cache lookup failed", zap.String("entity_type", entityType), zap.String("entity_id", entityID), zap.Error(err))
		return Record{}, fmt.Errorf("entitycache: lookup: %w", err)
	}
	return record, nil
}

// Put stores or replaces the cached copy.
func (c *Cache) Put(ctx context.Context, record Record) error {
	record.EntityType = strings.TrimSpace(record.EntityType)
	record.EntityID = strings.TrimSpace(record.EntityID)
	if record.EntityType == "" || record.EntityID == "" {
		return fmt.Errorf("entitycache: put: entity type and id are required")
	}
	record.CachedAtMillis = c.clock().UTC().UnixMilli()
	// A later copy without a source key keeps the one recorded by the create.
	updated := []string{"updated_at", "payload", "cached_at_ms"}
	if record.SourceKey != "" {
		updated = append(updated, "source_key")
	}
	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns(updated),
		}).
		Create(&record).Error
	if err != nil {
		c.logger.Error("entity cache write failed", zap.String("entity_type", record.EntityType), zap.String("entity_id", record.EntityID), zap.Error(err))
		return fmt.Errorf("entitycache: put: %w", err)
	}
	return nil
}

// ResolveKey returns the server id assigned to the create that carried the
// given idempotency key.
func (c *Cache) ResolveKey(ctx context.Context, idempotencyKey string) (string, error) {
	var record Record
	err := c.db.WithContext(ctx).
		Where("source_key = ?", idempotencyKey).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotCached
	}
	if err != nil {
		c.logger.Error("entity cache key lookup failed", zap.String("idempotency_key", idempotencyKey), zap.Error(err))
		return "", fmt.Errorf("entitycache: resolve key: %w", err)
	}
	return record.EntityID, nil
}
