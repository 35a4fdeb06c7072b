package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"inventory-sync/internal/config"
	"inventory-sync/internal/database"
	"inventory-sync/internal/logger"
)

// Open builds the state store selected by cfg.Type and migrates it.
func Open(ctx context.Context, cfg config.StateStorage) (Store, error) {
	var (
		db  *database.Database
		err error
	)

	switch cfg.Type {
	case "memory":
		logger.Log.Warn("Using in-memory state store; queue and conflicts will not survive a restart")
		return NewMemoryStore(), nil
	case "sqlite":
		db, err = database.OpenSQLite(cfg.FilePath)
		if err != nil {
			return nil, err
		}
	case "mysql":
		db, err = database.Open(database.DriverMySQL, database.MySQLDSN(cfg.Connection()))
		if err != nil {
			return nil, err
		}
		db.DB.SetMaxOpenConns(10)
		db.DB.SetMaxIdleConns(5)
		if err := db.WaitForPing(ctx, 30, time.Second); err != nil {
			db.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown state storage type %q", cfg.Type)
	}

	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	logger.Log.Info("State store ready", zap.String("type", cfg.Type))
	return s, nil
}
