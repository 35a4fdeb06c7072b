// Package sync orchestrates upload cycles across the registered collections.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inventory-sync/internal/logger"
	"inventory-sync/internal/observe"
	"inventory-sync/internal/store"
)

var (
	ErrSyncInProgress = errors.New("sync is already running")
	ErrClosed         = errors.New("sync manager closed")
)

type ManagerOption func(*Manager)

func WithAuthenticator(a Authenticator) ManagerOption {
	return func(m *Manager) { m.auth = a }
}

// WithHistory records every cycle in h.
func WithHistory(h store.HistoryStore) ManagerOption {
	return func(m *Manager) { m.history = h }
}

// WithConflicts attributes the conflicts cm handles during a cycle to that
// cycle's history row.
func WithConflicts(cm *ConflictManager) ManagerOption {
	return func(m *Manager) { m.conflicts = cm }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

type Manager struct {
	collections []Collection
	auth        Authenticator
	history     store.HistoryStore
	conflicts   *ConflictManager
	now         func() time.Time
	state       *observe.Value[State]

	mu        sync.Mutex
	current   *run
	scheduler *scheduler
	closed    bool
	wg        sync.WaitGroup
}

func NewManager(collections []Collection, opts ...ManagerOption) *Manager {
	m := &Manager{
		collections: append([]Collection(nil), collections...),
		now:         time.Now,
		state:       observe.NewValue(State{Status: StatusIdle}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Collections() []string {
	names := make([]string, 0, len(m.collections))
	for _, c := range m.collections {
		names = append(names, c.Name)
	}
	return names
}

func (m *Manager) State() State {
	return m.state.Get()
}

// Subscribe yields the current state and every later one.
func (m *Manager) Subscribe() (<-chan State, func()) {
	return m.state.Subscribe()
}

// SyncNow uploads every collection in registration order. It returns
// ErrSyncInProgress without doing anything while another cycle is syncing.
// A run cancelled by StopSync that is still unwinding is waited for first.
func (m *Manager) SyncNow(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Get().Status == StatusSyncing {
		m.mu.Unlock()
		return ErrSyncInProgress
	}

	prev := m.current
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.current = r
	m.state.Update(func(s State) State {
		return State{Status: StatusSyncing, LastSyncAt: s.LastSyncAt}
	})
	m.mu.Unlock()

	defer close(r.done)
	defer cancel()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	hist := m.startHistory(runCtx)
	err := m.upload(runCtx, r)
	return m.finish(runCtx, r, hist, err)
}

func (m *Manager) upload(ctx context.Context, r *run) error {
	n := len(m.collections)
	for i, c := range m.collections {
		if err := ctx.Err(); err != nil {
			return err
		}

		logger.Log.Debug("Uploading collection", zap.String("collection", c.Name))
		if err := c.Uploader.Upload(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("collection %s: %w", c.Name, err)
		}

		progress := float64(i+1) / float64(n+1)
		m.setIfCurrent(r, func(s State) State {
			s.Progress = progress
			return s
		})
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, r *run, hist *store.SyncHistory, err error) error {
	now := m.now()
	cancelled := err != nil && ctx.Err() != nil

	switch {
	case err == nil:
		m.setIfCurrent(r, func(State) State {
			return State{Status: StatusCompleted, Progress: 1, CompletedAt: now, LastSyncAt: now}
		})
		logger.Log.Info("Sync completed", zap.Int("collections", len(m.collections)))
	case cancelled:
		m.setIfCurrent(r, func(s State) State {
			return State{Status: StatusIdle, LastSyncAt: s.LastSyncAt}
		})
		logger.Log.Info("Sync cancelled")
	default:
		m.setIfCurrent(r, func(s State) State {
			return State{Status: StatusFailed, Progress: s.Progress, Error: err.Error(), LastSyncAt: s.LastSyncAt}
		})
		logger.Log.Error("Sync failed", zap.Error(err))
	}

	m.mu.Lock()
	if m.current == r {
		m.current = nil
	}
	m.mu.Unlock()

	m.finishHistory(hist, now, err, cancelled)
	return err
}

// setIfCurrent applies fn unless r has been superseded or stopped.
func (m *Manager) setIfCurrent(r *run, fn func(State) State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != r || r.stopped {
		return
	}
	m.state.Update(fn)
}

func (m *Manager) startHistory(ctx context.Context) *store.SyncHistory {
	if m.conflicts != nil {
		m.conflicts.TakeCount()
	}
	if m.history == nil {
		return nil
	}

	h := &store.SyncHistory{
		ID:          uuid.NewString(),
		StartedAt:   m.now(),
		Collections: strings.Join(m.Collections(), ","),
		Status:      string(StatusSyncing),
	}
	if err := m.history.CreateSyncHistory(ctx, h); err != nil {
		logger.Log.Warn("Failed to record sync start", zap.Error(err))
		return nil
	}
	return h
}

func (m *Manager) finishHistory(h *store.SyncHistory, now time.Time, err error, cancelled bool) {
	if h == nil {
		return
	}

	h.CompletedAt = &now
	if m.conflicts != nil {
		h.ConflictsDetected = m.conflicts.TakeCount()
	}
	switch {
	case err == nil:
		h.Status = string(StatusCompleted)
	case cancelled:
		h.Status = "cancelled"
	default:
		h.Status = string(StatusFailed)
		h.ErrorMessage = err.Error()
	}

	// the run context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.history.UpdateSyncHistory(ctx, h); err != nil {
		logger.Log.Warn("Failed to record sync result", zap.Error(err))
	}
}

// TriggerSync starts a cycle in the background.
func (m *Manager) TriggerSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logger.Log.Debug("Triggered sync ended with error", zap.Error(err))
		}
	}()
}

// StartPeriodicSync runs a cycle every interval and one immediately. A
// previous schedule is replaced.
func (m *Manager) StartPeriodicSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sync interval %s", interval)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()

	if old != nil {
		old.stop()
	}

	s, err := newScheduler(ctx, interval, m.cycle)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.stop()
		return ErrClosed
	}
	m.scheduler = s
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.cycle(s.ctx)
	}()
	return nil
}

// cycle is one scheduled tick.
func (m *Manager) cycle(ctx context.Context) {
	if m.auth != nil && !m.auth.Authenticated() {
		logger.Log.Info("Not authenticated, signing in instead of syncing")
		if err := m.auth.Authenticate(ctx); err != nil {
			logger.Log.Warn("Authentication failed", zap.Error(err))
		}
		return
	}

	err := m.SyncNow(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		logger.Log.Info("Sync already running, skipping scheduled run")
	case errors.Is(err, context.Canceled):
	default:
		logger.Log.Warn("Scheduled sync failed", zap.Error(err))
	}
}

// StopSync cancels the schedule and any running cycle and resets the state
// to idle. It is safe to call repeatedly.
func (m *Manager) StopSync() {
	m.mu.Lock()
	s := m.scheduler
	m.scheduler = nil
	if m.current != nil {
		m.current.stopped = true
		m.current.cancel()
	}
	m.state.Update(func(prev State) State {
		return State{Status: StatusIdle, LastSyncAt: prev.LastSyncAt}
	})
	m.mu.Unlock()

	if s != nil {
		s.stop()
	}
}

// Close stops syncing and waits for background cycles.
func (m *Manager) Close() {
	m.StopSync()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()
}
