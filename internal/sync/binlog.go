package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"inventory-sync/internal/config"
	"inventory-sync/internal/logger"
)

// ChangeListener tails the local database binlog and reports row changes on
// the synchronised tables.
type ChangeListener struct {
	cfg    config.DatabaseConnection
	canal  *canal.Canal
	events chan ChangeEvent
	ctx    context.Context
	cancel context.CancelFunc
	tables map[string]bool
	done   chan struct{}
	stop   sync.Once
}

func NewChangeListener(cfg config.DatabaseConnection, tables []string, serverID uint32) (*ChangeListener, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to watch")
	}

	tableMap := make(map[string]bool, len(tables))
	tableRegex := make([]string, 0, len(tables))
	for _, t := range tables {
		tableMap[t] = true
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", cfg.Database, t))
	}

	user, password := cfg.ReplicationUser, cfg.ReplicationPassword
	if user == "" {
		user, password = cfg.User, cfg.Password
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     user,
		Password: password,
		Flavor:   "mysql",
		ServerID: serverID,
		Dump: canal.DumpConfig{
			ExecutionPath: "",
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	l := newChangeListener(cfg, tableMap)
	l.canal = c
	c.SetEventHandler(&eventHandler{listener: l})
	return l, nil
}

func newChangeListener(cfg config.DatabaseConnection, tables map[string]bool) *ChangeListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChangeListener{
		cfg:    cfg,
		events: make(chan ChangeEvent, 1024),
		ctx:    ctx,
		cancel: cancel,
		tables: tables,
	}
}

// Start follows the binlog from the current master position. Changes made
// while the listener was down are picked up by the next periodic cycle.
func (l *ChangeListener) Start() error {
	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read binlog position: %w", err)
	}
	logger.Log.Info("Starting change listener",
		zap.String("host", l.cfg.Host),
		zap.String("file", pos.Name),
		zap.Uint32("pos", pos.Pos),
	)

	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		if err := l.canal.RunFrom(pos); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes the Events channel once the binlog reader has exited. Later
// calls do nothing.
func (l *ChangeListener) Stop() {
	l.stop.Do(func() {
		l.cancel()
		if l.canal != nil {
			l.canal.Close()
		}
		if l.done != nil {
			<-l.done
		}
		close(l.events)
		logger.Log.Info("Stopped change listener")
	})
}

func (l *ChangeListener) Events() <-chan ChangeEvent {
	return l.events
}

// publish blocks while the buffer is full so the binlog reader is slowed
// down rather than events dropped.
func (l *ChangeListener) publish(e ChangeEvent) error {
	if !l.tables[e.Table] {
		return nil
	}
	select {
	case l.events <- e:
		return nil
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *ChangeListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	var eventType EventType
	switch e.Action {
	case canal.InsertAction:
		eventType = Insert
	case canal.UpdateAction:
		eventType = Update
	case canal.DeleteAction:
		eventType = Delete
	default:
		return nil
	}

	at := time.Now()
	if e.Header != nil && e.Header.Timestamp > 0 {
		at = time.Unix(int64(e.Header.Timestamp), 0)
	}

	rows := len(e.Rows)
	if eventType == Update {
		// before and after images
		rows /= 2
	}

	return h.listener.publish(ChangeEvent{
		Type:   eventType,
		Schema: e.Table.Schema,
		Table:  e.Table.Name,
		Rows:   rows,
		At:     at,
	})
}

func (h *eventHandler) String() string {
	return "ChangeEventHandler"
}
