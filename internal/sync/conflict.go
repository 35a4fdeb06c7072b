package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"inventory-sync/internal/conflict"
	"inventory-sync/internal/logger"
	"inventory-sync/internal/store"
)

// ConflictManager detects conflicts during uploads, resolves them with the
// collection's configured resolution and keeps an audit record of each.
type ConflictManager struct {
	engine *conflict.Engine
	store  store.ConflictStore
	count  atomic.Int64
}

func NewConflictManager(engine *conflict.Engine, store store.ConflictStore) *ConflictManager {
	return &ConflictManager{
		engine: engine,
		store:  store,
	}
}

func (cm *ConflictManager) Engine() *conflict.Engine {
	return cm.engine
}

// Handle compares both versions and, if they differ, resolves them with r.
// It returns nil, nil when there is nothing to resolve.
func (cm *ConflictManager) Handle(ctx context.Context, entityType conflict.EntityType, entityID string, local, remote conflict.Version, hasAncestor bool, r conflict.Resolution) (*conflict.Result, error) {
	c, err := cm.engine.Detect(entityType, entityID, local, remote, hasAncestor)
	if err != nil {
		return nil, fmt.Errorf("failed to detect conflict on %s/%s: %w", entityType, entityID, err)
	}
	if c == nil {
		return nil, nil
	}
	cm.count.Add(1)

	if err := cm.RecordConflict(ctx, c); err != nil {
		return nil, err
	}
	return cm.Resolve(ctx, c, r)
}

// RecordConflict stores an unresolved audit record of c.
func (cm *ConflictManager) RecordConflict(ctx context.Context, c *conflict.Conflict) error {
	if cm.store == nil {
		return nil
	}
	rec := &store.Conflict{
		ID:           c.ID,
		EntityType:   string(c.EntityType),
		EntityID:     c.EntityID,
		LocalData:    c.Local.Payload,
		RemoteData:   c.Remote.Payload,
		ConflictType: string(c.Type),
		DetectedAt:   c.DetectedAt,
	}
	if err := cm.store.CreateConflict(ctx, rec); err != nil {
		return fmt.Errorf("failed to record conflict %s: %w", c.ID, err)
	}
	return nil
}

// Resolve applies r to c and marks the audit record resolved. A conflict
// that was never recorded is resolved all the same.
func (cm *ConflictManager) Resolve(ctx context.Context, c *conflict.Conflict, r conflict.Resolution) (*conflict.Result, error) {
	res, err := cm.engine.Resolve(c, r)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("entity_type", string(c.EntityType)),
		zap.String("entity_id", c.EntityID),
		zap.String("type", string(c.Type)),
		zap.String("resolution", r.String()),
	)

	if cm.store == nil {
		return res, nil
	}
	err = cm.store.ResolveConflict(ctx, c.ID, r.String(), res.Payload)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to record resolution of %s: %w", c.ID, err)
	}
	return res, nil
}

// TakeCount returns the number of conflicts detected since the last call.
func (cm *ConflictManager) TakeCount() int {
	return int(cm.count.Swap(0))
}
