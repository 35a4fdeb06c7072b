package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ErrInvalidTable is returned for table names that are not plain identifiers.
var ErrInvalidTable = errors.New("invalid table name")

// Entity is one row of a synchronised collection table. Version is the last
// version agreed with the remote; Dirty marks local edits made on top of it.
type Entity struct {
	ID         string
	Payload    json.RawMessage
	Version    int64
	ModifiedAt time.Time
	ModifiedBy string
	DeviceID   string
	Deleted    bool
	Dirty      bool
}

// entityRow stores timestamps as unix nanoseconds so the same SQL works on
// MySQL and SQLite.
type entityRow struct {
	ID         string `db:"id"`
	Payload    string `db:"payload"`
	Version    int64  `db:"version"`
	ModifiedAt int64  `db:"modified_at"`
	ModifiedBy string `db:"modified_by"`
	DeviceID   string `db:"device_id"`
	Deleted    bool   `db:"deleted"`
	Dirty      bool   `db:"dirty"`
}

func (r entityRow) entity() *Entity {
	e := &Entity{
		ID:         r.ID,
		Version:    r.Version,
		ModifiedAt: time.Unix(0, r.ModifiedAt).UTC(),
		ModifiedBy: r.ModifiedBy,
		DeviceID:   r.DeviceID,
		Deleted:    r.Deleted,
		Dirty:      r.Dirty,
	}
	if r.Payload != "" {
		e.Payload = json.RawMessage(r.Payload)
	}
	return e
}

func rowOf(e *Entity) entityRow {
	return entityRow{
		ID:         e.ID,
		Payload:    string(e.Payload),
		Version:    e.Version,
		ModifiedAt: e.ModifiedAt.UnixNano(),
		ModifiedBy: e.ModifiedBy,
		DeviceID:   e.DeviceID,
		Deleted:    e.Deleted,
		Dirty:      e.Dirty,
	}
}

func checkTable(table string) error {
	if !identPattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return nil
}

const entityColumns = `id, payload, version, modified_at, modified_by, device_id, deleted, dirty`

// EnsureEntityTable creates a collection table if it does not exist.
func (d *Database) EnsureEntityTable(ctx context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	payloadType := "TEXT"
	if d.Driver == DriverMySQL {
		payloadType = "MEDIUMTEXT"
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		payload %s NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		modified_at BIGINT NOT NULL,
		modified_by VARCHAR(255) NOT NULL DEFAULT '',
		device_id VARCHAR(255) NOT NULL DEFAULT '',
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		dirty BOOLEAN NOT NULL DEFAULT FALSE
	)`, table, payloadType)

	if _, err := d.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// ListDirty returns locally modified rows, oldest modification first.
func (d *Database) ListDirty(ctx context.Context, table string) ([]*Entity, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE dirty = ? ORDER BY modified_at, id`, entityColumns, table)

	var rows []entityRow
	if err := d.DB.SelectContext(ctx, &rows, query, true); err != nil {
		return nil, fmt.Errorf("failed to list dirty rows of %s: %w", table, err)
	}

	entities := make([]*Entity, 0, len(rows))
	for _, r := range rows {
		entities = append(entities, r.entity())
	}
	return entities, nil
}

// GetEntity returns nil, nil when the row does not exist.
func (d *Database) GetEntity(ctx context.Context, table, id string) (*Entity, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entityColumns, table)

	var row entityRow
	err := d.DB.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	return row.entity(), nil
}

func (d *Database) InsertEntity(ctx context.Context, table string, e *Entity) error {
	return insertEntity(ctx, d.DB, table, e)
}

func insertEntity(ctx context.Context, ex sqlx.ExtContext, table string, e *Entity) error {
	if err := checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (:id, :payload, :version, :modified_at, :modified_by, :device_id, :deleted, :dirty)`,
		table, entityColumns)

	if _, err := sqlx.NamedExecContext(ctx, ex, query, rowOf(e)); err != nil {
		return fmt.Errorf("failed to insert %s/%s: %w", table, e.ID, err)
	}
	return nil
}

// UpdateEntityIfVersion overwrites the row only while its stored version still
// equals expected. It reports false when the version moved on (a stale write).
func (d *Database) UpdateEntityIfVersion(ctx context.Context, table string, e *Entity, expected int64) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET payload = ?, version = ?, modified_at = ?, modified_by = ?, device_id = ?, deleted = ?, dirty = ?
		WHERE id = ? AND version = ?`, table)

	r := rowOf(e)
	res, err := d.DB.ExecContext(ctx, query,
		r.Payload, r.Version, r.ModifiedAt, r.ModifiedBy, r.DeviceID, r.Deleted, r.Dirty,
		r.ID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update %s/%s: %w", table, e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PutEntity inserts or replaces a local row and marks it dirty.
func (d *Database) PutEntity(ctx context.Context, table string, e *Entity) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return d.ExecTx(ctx, func(tx *sqlx.Tx) error {
		var version int64
		err := tx.GetContext(ctx, &version, fmt.Sprintf(`SELECT version FROM %s WHERE id = ?`, table), e.ID)
		if errors.Is(err, sql.ErrNoRows) {
			row := *e
			row.Dirty = true
			return insertEntity(ctx, tx, table, &row)
		}
		if err != nil {
			return err
		}

		r := rowOf(e)
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET payload = ?, modified_at = ?, modified_by = ?, device_id = ?, deleted = ?, dirty = ? WHERE id = ?`, table),
			r.Payload, r.ModifiedAt, r.ModifiedBy, r.DeviceID, r.Deleted, true, r.ID)
		return err
	})
}

// MarkSynced records that the remote now holds version for the row. The
// payload is replaced and the dirty flag cleared only if the row was not
// edited again after seenModifiedAt; a newer local edit stays dirty on top
// of the new version.
func (d *Database) MarkSynced(ctx context.Context, table, id string, version int64, payload json.RawMessage, deleted bool, seenModifiedAt time.Time) error {
	if err := checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET
		version = ?,
		payload = CASE WHEN modified_at = ? THEN ? ELSE payload END,
		deleted = CASE WHEN modified_at = ? THEN ? ELSE deleted END,
		dirty = CASE WHEN modified_at = ? THEN ? ELSE dirty END
		WHERE id = ?`, table)

	seen := seenModifiedAt.UnixNano()
	_, err := d.DB.ExecContext(ctx, query,
		version,
		seen, string(payload),
		seen, deleted,
		seen, false,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s synced: %w", table, id, err)
	}
	return nil
}
