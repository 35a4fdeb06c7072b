package sync

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the observable sync state. CompletedAt is set when Status is
// completed; LastSyncAt survives later cycles and holds the last success.
type State struct {
	Status      Status    `json:"status"`
	Progress    float64   `json:"progress"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastSyncAt  time.Time `json:"last_sync_at,omitempty"`
}

// Uploader pushes one collection's local changes to the remote.
type Uploader interface {
	Upload(ctx context.Context) error
}

type UploaderFunc func(ctx context.Context) error

func (f UploaderFunc) Upload(ctx context.Context) error {
	return f(ctx)
}

type Collection struct {
	Name     string
	Uploader Uploader
}

// Authenticator gates periodic cycles: while unauthenticated a cycle only
// tries to sign in.
type Authenticator interface {
	Authenticated() bool
	Authenticate(ctx context.Context) error
}

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ChangeEvent is a row change observed on a synchronised table.
type ChangeEvent struct {
	Type   EventType
	Schema string
	Table  string
	Rows   int
	At     time.Time
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s.%s (%d rows)", e.Type, e.Schema, e.Table, e.Rows)
}
