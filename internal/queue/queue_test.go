package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-sync/internal/connectivity"
	"inventory-sync/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedAction fails while fail is set and counts attempts.
type scriptedAction struct {
	calls atomic.Int32
	fail  atomic.Bool
	found bool
}

func (a *scriptedAction) Attempt(ctx context.Context, payload string) (Result, error) {
	a.calls.Add(1)
	if a.fail.Load() {
		return Result{}, errors.New("lookup service unavailable")
	}
	return Result{Found: a.found}, nil
}

func newTestQueue(t *testing.T, online bool, action Action) (*Queue, *store.MemoryStore, *connectivity.Status, *fakeClock) {
	t.Helper()
	s := store.NewMemoryStore()
	status := connectivity.NewStatus(online)
	clock := newFakeClock()
	q := New(s, action, status, WithClock(clock.Now), WithPolicy(Policy{MaxRetries: 3, RetryDelay: 30 * time.Second}))
	t.Cleanup(q.Close)
	return q, s, status, clock
}

func fetch(t *testing.T, s store.QueueStore, id string) *store.QueueEntry {
	t.Helper()
	e, err := s.Fetch(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func TestEnqueueOffline(t *testing.T) {
	action := &scriptedAction{found: true}
	q, s, _, _ := newTestQueue(t, false, action)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, "barcode-1")
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "barcode-2")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, b.CreatedAt.After(a.CreatedAt), "created_at strictly increases with a frozen clock")
	assert.Equal(t, store.QueueStatusPending, a.Status)
	assert.Equal(t, 0, a.RetryCount)

	snap := q.Snapshot()
	assert.Equal(t, 2, snap.Pending)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, a.ID, snap.Entries[0].ID)

	res := q.Drain(ctx)
	assert.True(t, res.Skipped)
	assert.EqualValues(t, 0, action.calls.Load())
	assert.Equal(t, store.QueueStatusPending, fetch(t, s, a.ID).Status)
}

func TestDrainProcessesInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	action := ActionFunc(func(ctx context.Context, payload string) (Result, error) {
		mu.Lock()
		seen = append(seen, payload)
		mu.Unlock()
		return Result{Found: true}, nil
	})
	q, s, status, _ := newTestQueue(t, false, action)
	ctx := context.Background()

	for _, p := range []string{"b-1", "b-2", "b-3"} {
		_, err := q.Enqueue(ctx, p)
		require.NoError(t, err)
	}

	status.Set(true)
	res := q.Drain(ctx)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, []string{"b-1", "b-2", "b-3"}, seen)

	all, err := s.ListEntries(ctx)
	require.NoError(t, err)
	for _, e := range all {
		assert.Equal(t, store.QueueStatusCompleted, e.Status)
		assert.Empty(t, e.ErrorMessage)
	}

	snap := q.Snapshot()
	assert.Empty(t, snap.Entries)
	assert.Equal(t, 0, snap.Pending)
}

func TestDrainNotFoundCompletes(t *testing.T) {
	action := &scriptedAction{found: false}
	q, s, status, _ := newTestQueue(t, false, action)
	ctx := context.Background()

	e, err := q.Enqueue(ctx, "0000000000000")
	require.NoError(t, err)

	status.Set(true)
	q.Drain(ctx)

	got := fetch(t, s, e.ID)
	assert.Equal(t, store.QueueStatusCompleted, got.Status)
	assert.Equal(t, MsgNotFound, got.ErrorMessage)
	assert.Equal(t, 0, got.RetryCount)
}

func TestRetryScenario(t *testing.T) {
	action := &scriptedAction{found: true}
	action.fail.Store(true)
	q, s, status, clock := newTestQueue(t, false, action)
	ctx := context.Background()

	e, err := q.Enqueue(ctx, "barcode-123")
	require.NoError(t, err)
	status.Set(true)

	for k := 1; k <= 3; k++ {
		res := q.Drain(ctx)
		assert.Equal(t, 1, res.Retrying)

		got := fetch(t, s, e.ID)
		assert.Equal(t, store.QueueStatusPending, got.Status)
		assert.Equal(t, k, got.RetryCount)
		assert.Equal(t, "lookup service unavailable", got.ErrorMessage)
		require.NotNil(t, got.LastRetryAt)

		// still inside the retry delay: nothing is attempted
		res = q.Drain(ctx)
		assert.Equal(t, 1, res.Deferred)
		assert.EqualValues(t, k, action.calls.Load())

		clock.Advance(31 * time.Second)
	}

	res := q.Drain(ctx)
	assert.Equal(t, 1, res.Failed)
	assert.EqualValues(t, 3, action.calls.Load(), "exhausted entries are not attempted")

	got := fetch(t, s, e.ID)
	assert.Equal(t, store.QueueStatusFailed, got.Status)
	assert.Equal(t, MsgMaxRetriesExceeded, got.ErrorMessage)
	assert.Equal(t, 1, q.Snapshot().Failed)

	// never retried automatically
	clock.Advance(time.Hour)
	q.Drain(ctx)
	assert.EqualValues(t, 3, action.calls.Load())

	action.fail.Store(false)
	require.NoError(t, q.Retry(ctx, e.ID))

	got = fetch(t, s, e.ID)
	assert.Equal(t, store.QueueStatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.LastRetryAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 0, q.Snapshot().Failed)
}

func TestRetryErrors(t *testing.T) {
	action := &scriptedAction{found: true}
	q, _, status, _ := newTestQueue(t, false, action)
	ctx := context.Background()

	err := q.Retry(ctx, "missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	e, err := q.Enqueue(ctx, "barcode-9")
	require.NoError(t, err)
	status.Set(true)
	q.Drain(ctx)

	err = q.Retry(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestOneFailureDoesNotAbortDrain(t *testing.T) {
	action := ActionFunc(func(ctx context.Context, payload string) (Result, error) {
		if payload == "bad" {
			return Result{}, errors.New("boom")
		}
		return Result{Found: true}, nil
	})
	q, s, status, _ := newTestQueue(t, false, action)
	ctx := context.Background()

	bad, _ := q.Enqueue(ctx, "bad")
	good, _ := q.Enqueue(ctx, "good")
	status.Set(true)

	res := q.Drain(ctx)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, store.QueueStatusPending, fetch(t, s, bad.ID).Status)
	assert.Equal(t, store.QueueStatusCompleted, fetch(t, s, good.ID).Status)
}

func TestDrainIsNoOpWhileDraining(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	action := ActionFunc(func(ctx context.Context, payload string) (Result, error) {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return Result{Found: true}, nil
	})
	q, _, status, _ := newTestQueue(t, false, action)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "slow")
	require.NoError(t, err)
	status.Set(true)

	done := make(chan DrainResult, 1)
	go func() { done <- q.Drain(ctx) }()
	<-entered

	res := q.Drain(ctx)
	assert.True(t, res.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Completed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestProcessingEntryResumes(t *testing.T) {
	action := &scriptedAction{found: true}
	q, s, status, clock := newTestQueue(t, true, action)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &store.QueueEntry{
		ID:        "left-behind",
		Payload:   "barcode-7",
		Status:    store.QueueStatusProcessing,
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	}))
	status.Set(true)

	res := q.Drain(ctx)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, store.QueueStatusCompleted, fetch(t, s, "left-behind").Status)
}

func TestConnectivityTransitionDrainsOnce(t *testing.T) {
	action := &scriptedAction{found: true}
	action.fail.Store(true)
	q, _, status, _ := newTestQueue(t, false, action)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, "barcode-1")
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	status.Set(true)
	require.Eventually(t, func() bool { return action.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// repeating the same state is not a transition
	status.Set(true)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, action.calls.Load())
}

func TestReconnectDuringDrainIsNotLost(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	action := ActionFunc(func(ctx context.Context, payload string) (Result, error) {
		if payload == "barcode-a" {
			started <- struct{}{}
			<-release
		}
		return Result{Found: true}, nil
	})
	q, s, status, _ := newTestQueue(t, false, action)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, "barcode-a")
	require.NoError(t, err)
	status.Set(true)
	require.NoError(t, q.Start(ctx))
	<-started

	// flap while the watcher is stuck draining a
	status.Set(false)
	b, err := q.Enqueue(ctx, "barcode-b")
	require.NoError(t, err)
	status.Set(true)
	close(release)

	require.Eventually(t, func() bool {
		return fetch(t, s, a.ID).Status == store.QueueStatusCompleted &&
			fetch(t, s, b.ID).Status == store.QueueStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartWithRetentionPurgesCompleted(t *testing.T) {
	action := &scriptedAction{found: true}
	s := store.NewMemoryStore()
	status := connectivity.NewStatus(false)
	q := New(s, action, status, WithRetention(time.Second))
	t.Cleanup(q.Close)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "barcode-r")
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Start(ctx))

	status.Set(true)
	require.Eventually(t, func() bool {
		all, err := s.ListEntries(ctx)
		return err == nil && len(all) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, action.calls.Load())
}

func TestEnqueueOnlineDrainsInBackground(t *testing.T) {
	action := &scriptedAction{found: true}
	q, s, _, _ := newTestQueue(t, true, action)
	ctx := context.Background()

	e, err := q.Enqueue(ctx, "barcode-5")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.Fetch(ctx, e.ID)
		return err == nil && got != nil && got.Status == store.QueueStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClearCompleted(t *testing.T) {
	action := &scriptedAction{found: true}
	q, s, status, _ := newTestQueue(t, false, action)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "a")
	_, _ = q.Enqueue(ctx, "b")
	status.Set(true)
	q.Drain(ctx)
	_, _ = q.Enqueue(ctx, "c") // drained in the background; wait for it below

	require.Eventually(t, func() bool {
		all, _ := s.ListEntries(ctx)
		for _, e := range all {
			if e.Status != store.QueueStatusCompleted {
				return false
			}
		}
		return len(all) == 3
	}, 2*time.Second, 5*time.Millisecond)

	n, err := q.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	all, err := s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubscribeSeesUpdates(t *testing.T) {
	action := &scriptedAction{found: true}
	q, _, _, _ := newTestQueue(t, false, action)

	ch, unsubscribe := q.Subscribe()
	defer unsubscribe()

	initial := <-ch
	assert.Equal(t, 0, initial.Pending)

	_, err := q.Enqueue(context.Background(), "barcode-1")
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, 1, snap.Pending)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
}
