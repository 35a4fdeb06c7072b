package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"inventory-sync/internal/logger"
)

type scheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// newScheduler registers job to run every interval. Jobs receive a context
// that is cancelled by stop.
func newScheduler(ctx context.Context, interval time.Duration, job func(ctx context.Context)) (*scheduler, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &scheduler{
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		job(ctx)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule sync: %w", err)
	}
	s.entryID = id

	logger.Log.Info("Starting periodic sync", zap.Duration("interval", interval))
	s.cron.Start()
	return s, nil
}

// stop removes the job and waits for a running one to return.
func (s *scheduler) stop() {
	s.cancel()
	s.cron.Remove(s.entryID)
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped periodic sync")
}
