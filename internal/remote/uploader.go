// Package remote implements the queue action and collection uploaders that
// talk to the cloud database.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"inventory-sync/internal/config"
	"inventory-sync/internal/conflict"
	"inventory-sync/internal/database"
	"inventory-sync/internal/logger"
)

// ErrRemoteMoved is returned when the remote row changed again while a
// conflict on it was being resolved. The row stays dirty and is retried by
// the next cycle.
var ErrRemoteMoved = errors.New("remote row changed during upload")

// ConflictHandler resolves a diverged entity. It returns nil, nil when both
// versions turn out to be equal.
type ConflictHandler interface {
	Handle(ctx context.Context, entityType conflict.EntityType, entityID string, local, remote conflict.Version, hasAncestor bool, r conflict.Resolution) (*conflict.Result, error)
}

// TableUploader pushes the dirty rows of one local collection table to the
// matching cloud table using optimistic versioning.
type TableUploader struct {
	local      *database.Database
	cloud      *database.Database
	table      string
	entityType conflict.EntityType
	resolution conflict.Resolution
	conflicts  ConflictHandler
	deviceID   string
	now        func() time.Time
}

func NewTableUploader(local, cloud *database.Database, table string, entityType conflict.EntityType, resolution conflict.Resolution, conflicts ConflictHandler, deviceID string) *TableUploader {
	return &TableUploader{
		local:      local,
		cloud:      cloud,
		table:      table,
		entityType: entityType,
		resolution: resolution,
		conflicts:  conflicts,
		deviceID:   deviceID,
		now:        time.Now,
	}
}

// ResolutionFor builds the resolution configured for a collection.
func ResolutionFor(col config.CollectionConfig) (conflict.Resolution, error) {
	fields := make([]conflict.FieldResolution, 0, len(col.FieldRules))
	for _, r := range col.FieldRules {
		fields = append(fields, conflict.FieldResolution{
			FieldName: r.Field,
			Rule:      conflict.FieldRule(r.Rule),
			Separator: r.Separator,
		})
	}
	return conflict.ParseResolution(col.ConflictResolution, fields)
}

// Upload pushes every dirty row, oldest edit first, and stops at the first
// row that cannot be pushed.
func (u *TableUploader) Upload(ctx context.Context) error {
	dirty, err := u.local.ListDirty(ctx, u.table)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	logger.Log.Debug("Pushing dirty rows", zap.String("table", u.table), zap.Int("rows", len(dirty)))
	for _, e := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.push(ctx, e); err != nil {
			return fmt.Errorf("%s/%s: %w", u.table, e.ID, err)
		}
	}
	return nil
}

func (u *TableUploader) push(ctx context.Context, e *database.Entity) error {
	remote, err := u.cloud.GetEntity(ctx, u.table, e.ID)
	if err != nil {
		return err
	}

	if remote == nil {
		next := *e
		next.Version = e.Version + 1
		next.Dirty = false
		if err := u.cloud.InsertEntity(ctx, u.table, &next); err != nil {
			return err
		}
		return u.local.MarkSynced(ctx, u.table, e.ID, next.Version, e.Payload, e.Deleted, e.ModifiedAt)
	}

	if remote.Version == e.Version {
		next := *e
		next.Version = e.Version + 1
		next.Dirty = false
		ok, err := u.cloud.UpdateEntityIfVersion(ctx, u.table, &next, e.Version)
		if err != nil {
			return err
		}
		if ok {
			return u.local.MarkSynced(ctx, u.table, e.ID, next.Version, e.Payload, e.Deleted, e.ModifiedAt)
		}

		// someone else got there first
		if remote, err = u.cloud.GetEntity(ctx, u.table, e.ID); err != nil {
			return err
		}
		if remote == nil {
			return ErrRemoteMoved
		}
	}

	return u.resolve(ctx, e, remote)
}

// resolve settles a local row whose base version is behind the remote.
func (u *TableUploader) resolve(ctx context.Context, local, remote *database.Entity) error {
	res, err := u.conflicts.Handle(ctx, u.entityType, local.ID,
		versionOf(local), versionOf(remote), local.Version > 0, u.resolution)
	if err != nil {
		return err
	}

	payload := remote.Payload
	if remote.Deleted {
		payload = nil
	}
	if res != nil {
		payload = res.Payload
	}
	deleted := len(payload) == 0 || string(payload) == "null"
	if deleted {
		payload = nil
	}

	next := &database.Entity{
		ID:         local.ID,
		Payload:    payload,
		Version:    remote.Version + 1,
		ModifiedAt: u.now().UTC(),
		ModifiedBy: u.deviceID,
		DeviceID:   u.deviceID,
		Deleted:    deleted,
	}
	ok, err := u.cloud.UpdateEntityIfVersion(ctx, u.table, next, remote.Version)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRemoteMoved
	}
	return u.local.MarkSynced(ctx, u.table, local.ID, next.Version, payload, deleted, local.ModifiedAt)
}

// versionOf describes a row for conflict detection; deleted rows are
// tombstones whatever payload they still carry.
func versionOf(e *database.Entity) conflict.Version {
	v := conflict.Version{
		Payload:    e.Payload,
		ModifiedAt: e.ModifiedAt,
		ModifiedBy: e.ModifiedBy,
		DeviceID:   e.DeviceID,
	}
	if e.Deleted {
		v.Payload = nil
	}
	return v
}
