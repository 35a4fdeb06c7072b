package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"inventory-sync/internal/database"
	"inventory-sync/internal/logger"
)

// ErrNotFound is returned by updates addressed to a row that does not exist.
var ErrNotFound = errors.New("not found")

// SQLStore keeps queue entries, conflicts and sync history in MySQL or SQLite.
// Timestamps are stored as unix nanoseconds.
type SQLStore struct {
	db *database.Database
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the state tables if they are missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	text := "TEXT"
	if s.db.Driver == database.DriverMySQL {
		text = "MEDIUMTEXT"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			payload ` + text + ` NOT NULL,
			status VARCHAR(16) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			last_retry_at BIGINT NULL,
			error_message ` + text + ` NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			entity_type VARCHAR(32) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			local_data ` + text + ` NULL,
			remote_data ` + text + ` NULL,
			conflict_type VARCHAR(16) NOT NULL,
			detected_at BIGINT NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolution VARCHAR(64) NULL,
			resolved_at BIGINT NULL,
			resolved_data ` + text + ` NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NULL,
			collections ` + text + ` NULL,
			conflicts_detected INT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			error_message ` + text + ` NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate state store: %w", err)
		}
	}

	logger.Log.Debug("State store migrated", zap.String("driver", s.db.Driver))
	return nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func rawOf(s sql.NullString) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}

// upsert builds a dialect specific insert-or-update on the id primary key.
func (s *SQLStore) upsert(table string, columns []string) string {
	query := fmt.Sprintf("INSERT INTO %s (", table)
	values := ""
	update := ""
	for i, c := range columns {
		if i > 0 {
			query += ", "
			values += ", "
		}
		query += c
		values += ":" + c
		if c == "id" {
			continue
		}
		if update != "" {
			update += ", "
		}
		if s.db.Driver == database.DriverMySQL {
			update += fmt.Sprintf("%s = VALUES(%s)", c, c)
		} else {
			update += fmt.Sprintf("%s = excluded.%s", c, c)
		}
	}
	query += ") VALUES (" + values + ")"

	if s.db.Driver == database.DriverMySQL {
		return query + " ON DUPLICATE KEY UPDATE " + update
	}
	return query + " ON CONFLICT(id) DO UPDATE SET " + update
}

// Queue

type queueRow struct {
	ID           string         `db:"id"`
	Payload      string         `db:"payload"`
	Status       string         `db:"status"`
	RetryCount   int            `db:"retry_count"`
	LastRetryAt  sql.NullInt64  `db:"last_retry_at"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
}

var queueColumns = []string{"id", "payload", "status", "retry_count", "last_retry_at", "error_message", "created_at", "updated_at"}

func (r queueRow) entry() *QueueEntry {
	return &QueueEntry{
		ID:           r.ID,
		Payload:      r.Payload,
		Status:       QueueStatus(r.Status),
		RetryCount:   r.RetryCount,
		LastRetryAt:  timePtr(r.LastRetryAt),
		ErrorMessage: r.ErrorMessage.String,
		CreatedAt:    fromNanos(r.CreatedAt),
		UpdatedAt:    fromNanos(r.UpdatedAt),
	}
}

func queueEntries(rows []queueRow) []*QueueEntry {
	entries := make([]*QueueEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.entry())
	}
	return entries
}

func (s *SQLStore) FetchPending(ctx context.Context) ([]*QueueEntry, error) {
	query := `SELECT id, payload, status, retry_count, last_retry_at, error_message, created_at, updated_at
			  FROM queue_entries WHERE status IN (?, ?) ORDER BY created_at, id`

	var rows []queueRow
	if err := s.db.DB.SelectContext(ctx, &rows, query, QueueStatusPending, QueueStatusProcessing); err != nil {
		return nil, fmt.Errorf("failed to fetch pending entries: %w", err)
	}
	return queueEntries(rows), nil
}

func (s *SQLStore) ListEntries(ctx context.Context) ([]*QueueEntry, error) {
	query := `SELECT id, payload, status, retry_count, last_retry_at, error_message, created_at, updated_at
			  FROM queue_entries ORDER BY created_at, id`

	var rows []queueRow
	if err := s.db.DB.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	return queueEntries(rows), nil
}

func (s *SQLStore) Fetch(ctx context.Context, id string) (*QueueEntry, error) {
	query := `SELECT id, payload, status, retry_count, last_retry_at, error_message, created_at, updated_at
			  FROM queue_entries WHERE id = ?`

	var row queueRow
	err := s.db.DB.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entry %s: %w", id, err)
	}
	return row.entry(), nil
}

func (s *SQLStore) Upsert(ctx context.Context, entry *QueueEntry) error {
	row := queueRow{
		ID:           entry.ID,
		Payload:      entry.Payload,
		Status:       string(entry.Status),
		RetryCount:   entry.RetryCount,
		LastRetryAt:  nullNanos(entry.LastRetryAt),
		ErrorMessage: nullString(entry.ErrorMessage),
		CreatedAt:    nanos(entry.CreatedAt),
		UpdatedAt:    nanos(entry.UpdatedAt),
	}

	if _, err := s.db.DB.NamedExecContext(ctx, s.upsert("queue_entries", queueColumns), row); err != nil {
		return fmt.Errorf("failed to upsert entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *SQLStore) ClearCompleted(ctx context.Context) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM queue_entries WHERE status = ?`, QueueStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed entries: %w", err)
	}
	return res.RowsAffected()
}

// Conflicts

type conflictRow struct {
	ID           string         `db:"id"`
	EntityType   string         `db:"entity_type"`
	EntityID     string         `db:"entity_id"`
	LocalData    sql.NullString `db:"local_data"`
	RemoteData   sql.NullString `db:"remote_data"`
	ConflictType string         `db:"conflict_type"`
	DetectedAt   int64          `db:"detected_at"`
	Resolved     bool           `db:"resolved"`
	Resolution   sql.NullString `db:"resolution"`
	ResolvedAt   sql.NullInt64  `db:"resolved_at"`
	ResolvedData sql.NullString `db:"resolved_data"`
}

func (r conflictRow) conflict() *Conflict {
	return &Conflict{
		ID:           r.ID,
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		LocalData:    rawOf(r.LocalData),
		RemoteData:   rawOf(r.RemoteData),
		ConflictType: r.ConflictType,
		DetectedAt:   fromNanos(r.DetectedAt),
		Resolved:     r.Resolved,
		Resolution:   r.Resolution.String,
		ResolvedAt:   timePtr(r.ResolvedAt),
		ResolvedData: rawOf(r.ResolvedData),
	}
}

const conflictSelect = `SELECT id, entity_type, entity_id, local_data, remote_data, conflict_type, detected_at,
			  resolved, resolution, resolved_at, resolved_data FROM conflicts`

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (id, entity_type, entity_id, local_data, remote_data, conflict_type, detected_at, resolved, resolution, resolved_at, resolved_data)
			  VALUES (:id, :entity_type, :entity_id, :local_data, :remote_data, :conflict_type, :detected_at, :resolved, :resolution, :resolved_at, :resolved_data)`

	row := conflictRow{
		ID:           conflict.ID,
		EntityType:   conflict.EntityType,
		EntityID:     conflict.EntityID,
		LocalData:    nullBytes(conflict.LocalData),
		RemoteData:   nullBytes(conflict.RemoteData),
		ConflictType: conflict.ConflictType,
		DetectedAt:   nanos(conflict.DetectedAt),
		Resolved:     conflict.Resolved,
		Resolution:   nullString(conflict.Resolution),
		ResolvedAt:   nullNanos(conflict.ResolvedAt),
		ResolvedData: nullBytes(conflict.ResolvedData),
	}

	if _, err := s.db.DB.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create conflict %s: %w", conflict.ID, err)
	}
	return nil
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	var row conflictRow
	err := s.db.DB.GetContext(ctx, &row, conflictSelect+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return row.conflict(), nil
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	var rows []conflictRow
	err := s.db.DB.SelectContext(ctx, &rows,
		conflictSelect+` WHERE resolved = ? ORDER BY detected_at DESC, id LIMIT ? OFFSET ?`,
		resolved, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	conflicts := make([]*Conflict, 0, len(rows))
	for _, r := range rows {
		conflicts = append(conflicts, r.conflict())
	}
	return conflicts, nil
}

func (s *SQLStore) ResolveConflict(ctx context.Context, id string, resolution string, resolvedData []byte) error {
	query := `UPDATE conflicts SET resolved = ?, resolution = ?, resolved_at = ?, resolved_data = ? WHERE id = ?`

	res, err := s.db.DB.ExecContext(ctx, query, true, resolution, time.Now().UnixNano(), nullBytes(resolvedData), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

// History

type historyRow struct {
	ID                string         `db:"id"`
	StartedAt         int64          `db:"started_at"`
	CompletedAt       sql.NullInt64  `db:"completed_at"`
	Collections       sql.NullString `db:"collections"`
	ConflictsDetected int            `db:"conflicts_detected"`
	Status            string         `db:"status"`
	ErrorMessage      sql.NullString `db:"error_message"`
}

var historyColumns = []string{"id", "started_at", "completed_at", "collections", "conflicts_detected", "status", "error_message"}

func historyRowOf(h *SyncHistory) historyRow {
	return historyRow{
		ID:                h.ID,
		StartedAt:         nanos(h.StartedAt),
		CompletedAt:       nullNanos(h.CompletedAt),
		Collections:       nullString(h.Collections),
		ConflictsDetected: h.ConflictsDetected,
		Status:            h.Status,
		ErrorMessage:      nullString(h.ErrorMessage),
	}
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, collections, conflicts_detected, status, error_message)
			  VALUES (:id, :started_at, :completed_at, :collections, :conflicts_detected, :status, :error_message)`

	if _, err := s.db.DB.NamedExecContext(ctx, query, historyRowOf(history)); err != nil {
		return fmt.Errorf("failed to create sync history: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	if _, err := s.db.DB.NamedExecContext(ctx, s.upsert("sync_history", historyColumns), historyRowOf(history)); err != nil {
		return fmt.Errorf("failed to update sync history %s: %w", history.ID, err)
	}
	return nil
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, collections, conflicts_detected, status, error_message
			  FROM sync_history ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	var rows []historyRow
	if err := s.db.DB.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to get sync history: %w", err)
	}

	history := make([]*SyncHistory, 0, len(rows))
	for _, r := range rows {
		history = append(history, &SyncHistory{
			ID:                r.ID,
			StartedAt:         fromNanos(r.StartedAt),
			CompletedAt:       timePtr(r.CompletedAt),
			Collections:       r.Collections.String,
			ConflictsDetected: r.ConflictsDetected,
			Status:            r.Status,
			ErrorMessage:      r.ErrorMessage.String,
		})
	}
	return history, nil
}

var _ Store = (*SQLStore)(nil)
