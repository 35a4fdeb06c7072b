package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"inventory-sync/internal/logger"
)

// Debouncer batches change events and calls trigger once no new event has
// arrived for the quiet period.
type Debouncer struct {
	events  <-chan ChangeEvent
	quiet   time.Duration
	trigger func()

	batch []ChangeEvent
}

func NewDebouncer(events <-chan ChangeEvent, quiet time.Duration, trigger func()) *Debouncer {
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	return &Debouncer{
		events:  events,
		quiet:   quiet,
		trigger: trigger,
	}
}

// Run consumes events until ctx is done or the channel is closed. A batch
// still waiting when the channel closes is flushed.
func (d *Debouncer) Run(ctx context.Context) {
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-d.events:
			if !ok {
				d.flush()
				return
			}
			d.batch = append(d.batch, event)
			fire = time.After(d.quiet)

		case <-fire:
			fire = nil
			d.flush()

		case <-ctx.Done():
			return
		}
	}
}

func (d *Debouncer) flush() {
	if len(d.batch) == 0 {
		return
	}

	rows := make(map[string]int)
	for _, e := range d.batch {
		rows[e.Table] += e.Rows
	}
	logger.Log.Debug("Local changes settled, triggering sync",
		zap.Int("events", len(d.batch)),
		zap.Any("rows", rows),
	)

	d.batch = d.batch[:0]
	d.trigger()
}
