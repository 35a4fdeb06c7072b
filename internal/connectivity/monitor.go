// Package connectivity reports whether the remote side is reachable.
package connectivity

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"inventory-sync/internal/logger"
	"inventory-sync/internal/observe"
)

// Monitor is the read side consumed by the offline queue.
type Monitor interface {
	IsConnected() bool
	// Subscribe yields the current state followed by every change. Readers
	// may miss intermediate states; compare Reconnects to detect a flap.
	Subscribe() (<-chan bool, func())
	// Reconnects counts offline to online transitions so far.
	Reconnects() uint64
}

// Status is a Monitor whose state is pushed by the host, either directly
// through Set or by a Prober.
type Status struct {
	value      *observe.Value[bool]
	reconnects atomic.Uint64
}

func NewStatus(connected bool) *Status {
	return &Status{value: observe.NewValue(connected)}
}

func (s *Status) IsConnected() bool {
	return s.value.Get()
}

func (s *Status) Subscribe() (<-chan bool, func()) {
	return s.value.Subscribe()
}

func (s *Status) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Set records the connectivity state. Repeating the current state is a no-op
// so subscribers only see transitions.
func (s *Status) Set(connected bool) {
	changed := false
	s.value.Update(func(prev bool) bool {
		changed = prev != connected
		if changed && connected {
			// bumped before subscribers are notified
			s.reconnects.Add(1)
		}
		return connected
	})
	if changed {
		logger.Log.Info("Connectivity changed", zap.Bool("connected", connected))
	}
}

// CheckFunc reports nil when the remote is reachable.
type CheckFunc func(ctx context.Context) error

// Prober periodically runs a CheckFunc and feeds the result into a Status.
type Prober struct {
	status   *Status
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
}

func NewProber(status *Status, check CheckFunc, interval time.Duration) *Prober {
	timeout := interval / 2
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Prober{
		status:   status,
		check:    check,
		interval: interval,
		timeout:  timeout,
	}
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(probeCtx)
	if err != nil && ctx.Err() == nil {
		logger.Log.Debug("Connectivity probe failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return
	}
	p.status.Set(err == nil)
}
