// Package queue persists operations made while offline and replays them
// against the remote once connectivity returns.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"inventory-sync/internal/connectivity"
	"inventory-sync/internal/logger"
	"inventory-sync/internal/observe"
	"inventory-sync/internal/store"
)

const (
	MsgMaxRetriesExceeded = "Maximum retries exceeded"
	MsgNotFound           = "No product information found"
)

var (
	ErrEntryNotFound = errors.New("queue entry not found")
	ErrNotRetryable  = errors.New("queue entry cannot be retried")
	ErrClosed        = errors.New("queue closed")
)

// Result is the outcome of a successful attempt. Found is false when the
// remote answered well-formed but had nothing for the payload.
type Result struct {
	Found bool
}

// Action performs the remote side of one queued operation. It may be called
// again for the same payload after a failure.
type Action interface {
	Attempt(ctx context.Context, payload string) (Result, error)
}

type ActionFunc func(ctx context.Context, payload string) (Result, error)

func (f ActionFunc) Attempt(ctx context.Context, payload string) (Result, error) {
	return f(ctx, payload)
}

type Policy struct {
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, RetryDelay: 30 * time.Second}
}

// Snapshot is the observable view: every entry that is not completed, in
// insertion order, with counts.
type Snapshot struct {
	Entries []*store.QueueEntry `json:"entries"`
	Pending int                 `json:"pending"`
	Failed  int                 `json:"failed"`
}

// DrainResult summarises one Drain call.
type DrainResult struct {
	Skipped   bool  `json:"skipped"`
	Attempted int   `json:"attempted"`
	Completed int   `json:"completed"`
	Retrying  int   `json:"retrying"`
	Failed    int   `json:"failed"`
	Deferred  int   `json:"deferred"`
	Err       error `json:"-"`
}

type Option func(*Queue)

func WithPolicy(p Policy) Option {
	return func(q *Queue) { q.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRetention purges completed entries every interval once Start is called.
func WithRetention(interval time.Duration) Option {
	return func(q *Queue) { q.retention = interval }
}

type Queue struct {
	store     store.QueueStore
	action    Action
	monitor   connectivity.Monitor
	policy    Policy
	now       func() time.Time
	retention time.Duration

	draining  atomic.Bool
	state     *observe.Value[Snapshot]
	refreshMu sync.Mutex
	cron      *cron.Cron

	mu          sync.Mutex
	lastCreated time.Time
	closed      bool
	started     bool
	done        chan struct{}
	wg          sync.WaitGroup
}

func New(s store.QueueStore, action Action, monitor connectivity.Monitor, opts ...Option) *Queue {
	q := &Queue{
		store:   s,
		action:  action,
		monitor: monitor,
		policy:  DefaultPolicy(),
		now:     time.Now,
		state:   observe.NewValue(Snapshot{}),
		cron:    cron.New(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue persists a new pending entry. When online a drain is started in
// the background; the caller does not wait for it.
func (q *Queue) Enqueue(ctx context.Context, payload string) (*store.QueueEntry, error) {
	now := q.now()
	entry := &store.QueueEntry{
		ID:        uuid.NewString(),
		Payload:   payload,
		Status:    store.QueueStatusPending,
		CreatedAt: q.nextCreatedAt(now),
		UpdatedAt: now,
	}

	if err := q.store.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}
	q.refresh(ctx)

	logger.Log.Debug("Operation queued", zap.String("id", entry.ID))

	if q.monitor.IsConnected() {
		q.goDrain()
	}
	return entry.Clone(), nil
}

// nextCreatedAt keeps CreatedAt strictly increasing so that ordering by it
// matches insertion order even when the clock stalls.
func (q *Queue) nextCreatedAt(now time.Time) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !now.After(q.lastCreated) {
		now = q.lastCreated.Add(time.Microsecond)
	}
	q.lastCreated = now
	return now
}

// Drain attempts every pending entry once, in insertion order. It is a no-op
// while offline or while another drain is running.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	if !q.monitor.IsConnected() {
		return DrainResult{Skipped: true}
	}
	if !q.draining.CompareAndSwap(false, true) {
		logger.Log.Debug("Drain already in progress")
		return DrainResult{Skipped: true}
	}
	defer q.draining.Store(false)

	var res DrainResult
	entries, err := q.store.FetchPending(ctx)
	if err != nil {
		logger.Log.Error("Failed to fetch pending entries", zap.Error(err))
		res.Err = err
		return res
	}

	for _, e := range entries {
		q.process(ctx, e, &res)
	}
	q.refresh(ctx)

	if res.Attempted > 0 || res.Failed > 0 {
		logger.Log.Info("Queue drained",
			zap.Int("attempted", res.Attempted),
			zap.Int("completed", res.Completed),
			zap.Int("retrying", res.Retrying),
			zap.Int("failed", res.Failed),
			zap.Int("deferred", res.Deferred),
		)
	}
	return res
}

func (q *Queue) process(ctx context.Context, e *store.QueueEntry, res *DrainResult) {
	now := q.now()

	if e.RetryCount >= q.policy.MaxRetries {
		e.Status = store.QueueStatusFailed
		e.ErrorMessage = MsgMaxRetriesExceeded
		e.UpdatedAt = now
		if q.persist(ctx, e) {
			res.Failed++
		}
		logger.Log.Warn("Queue entry failed permanently", zap.String("id", e.ID), zap.Int("retries", e.RetryCount))
		return
	}

	if e.LastRetryAt != nil && now.Sub(*e.LastRetryAt) < q.policy.RetryDelay {
		res.Deferred++
		return
	}

	e.Status = store.QueueStatusProcessing
	e.UpdatedAt = now
	if !q.persist(ctx, e) {
		return
	}
	q.refresh(ctx)

	res.Attempted++
	result, err := q.action.Attempt(ctx, e.Payload)
	now = q.now()
	e.UpdatedAt = now

	if err != nil {
		e.Status = store.QueueStatusPending
		e.RetryCount++
		e.LastRetryAt = &now
		e.ErrorMessage = err.Error()
		res.Retrying++
		logger.Log.Info("Queue entry attempt failed",
			zap.String("id", e.ID),
			zap.Int("retry_count", e.RetryCount),
			zap.Error(err),
		)
	} else {
		e.Status = store.QueueStatusCompleted
		e.ErrorMessage = ""
		if !result.Found {
			e.ErrorMessage = MsgNotFound
		}
		res.Completed++
	}
	q.persist(ctx, e)
}

func (q *Queue) persist(ctx context.Context, e *store.QueueEntry) bool {
	if err := q.store.Upsert(ctx, e); err != nil {
		logger.Log.Error("Failed to persist queue entry", zap.String("id", e.ID), zap.Error(err))
		return false
	}
	return true
}

// Retry resets a failed or stalled entry and drains the queue synchronously.
func (q *Queue) Retry(ctx context.Context, id string) error {
	e, err := q.store.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	switch e.Status {
	case store.QueueStatusCompleted, store.QueueStatusProcessing:
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, e.Status)
	}

	e.Status = store.QueueStatusPending
	e.RetryCount = 0
	e.ErrorMessage = ""
	e.LastRetryAt = nil
	e.UpdatedAt = q.now()
	if err := q.store.Upsert(ctx, e); err != nil {
		return fmt.Errorf("failed to reset entry %s: %w", id, err)
	}
	q.refresh(ctx)

	q.Drain(ctx)
	return nil
}

func (q *Queue) ClearCompleted(ctx context.Context) (int64, error) {
	n, err := q.store.ClearCompleted(ctx)
	if err != nil {
		return 0, err
	}
	q.refresh(ctx)
	return n, nil
}

// Start watches the connectivity monitor and drains once per offline to
// online transition. Entries left over from a previous run are drained right
// away when already online.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.wg.Add(1)
	q.mu.Unlock()

	q.refresh(ctx)

	if q.retention > 0 {
		q.cron.Schedule(cron.Every(q.retention), cron.FuncJob(q.purge))
		q.cron.Start()
	}

	ch, unsubscribe := q.monitor.Subscribe()
	go func() {
		defer q.wg.Done()
		defer unsubscribe()

		if _, ok := <-ch; !ok {
			return
		}
		seen := q.monitor.Reconnects()
		if q.monitor.IsConnected() {
			q.Drain(ctx)
		}

		// The channel only carries the latest state, so a flap during a
		// drain shows up as a moved reconnect count rather than a false.
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				n := q.monitor.Reconnects()
				if n == seen || !q.monitor.IsConnected() {
					continue
				}
				seen = n
				logger.Log.Info("Back online, draining queue")
				q.Drain(ctx)
			}
		}
	}()
	return nil
}

func (q *Queue) purge() {
	n, err := q.ClearCompleted(context.Background())
	if err != nil {
		logger.Log.Error("Failed to purge completed entries", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Log.Info("Purged completed entries", zap.Int64("count", n))
	}
}

func (q *Queue) goDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.Drain(context.Background())
	}()
}

func (q *Queue) Snapshot() Snapshot {
	return q.state.Get()
}

// Subscribe yields the current snapshot and every later one.
func (q *Queue) Subscribe() (<-chan Snapshot, func()) {
	return q.state.Subscribe()
}

// Close stops the connectivity watcher and the retention job and waits for
// background drains to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	<-q.cron.Stop().Done()
	q.wg.Wait()
}

func (q *Queue) refresh(ctx context.Context) {
	q.refreshMu.Lock()
	defer q.refreshMu.Unlock()

	entries, err := q.store.ListEntries(ctx)
	if err != nil {
		logger.Log.Error("Failed to refresh queue state", zap.Error(err))
		return
	}

	snap := Snapshot{Entries: make([]*store.QueueEntry, 0, len(entries))}
	var newest time.Time
	for _, e := range entries {
		if e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
		switch e.Status {
		case store.QueueStatusCompleted:
			continue
		case store.QueueStatusPending:
			snap.Pending++
		case store.QueueStatusFailed:
			snap.Failed++
		}
		snap.Entries = append(snap.Entries, e)
	}

	q.mu.Lock()
	if newest.After(q.lastCreated) {
		q.lastCreated = newest
	}
	q.mu.Unlock()

	q.state.Set(snap)
}
