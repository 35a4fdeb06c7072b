package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"inventory-sync/internal/config"
	"inventory-sync/internal/logger"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

type Database struct {
	DB     *sqlx.DB
	Driver string
}

// NewDatabase connects to a MySQL server and verifies the connection.
func NewDatabase(cfg config.DatabaseConnection) (*Database, error) {
	d, err := Open(DriverMySQL, MySQLDSN(cfg))
	if err != nil {
		return nil, err
	}

	if err := d.DB.Ping(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection pool settings
	d.DB.SetMaxOpenConns(20)
	d.DB.SetMaxIdleConns(10)
	d.DB.SetConnMaxLifetime(time.Hour)

	logger.Log.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return d, nil
}

// MySQLDSN builds the driver DSN. clientFoundRows makes UPDATE report matched
// rows, which the optimistic version checks rely on.
func MySQLDSN(cfg config.DatabaseConnection) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&clientFoundRows=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(path string) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	d, err := Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway
	d.DB.SetMaxOpenConns(1)
	return d, nil
}

// Open creates a handle without contacting the server.
func Open(driver, dsn string) (*Database, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	return &Database{DB: db, Driver: driver}, nil
}

// WaitForPing retries Ping until the server answers or attempts run out.
func (d *Database) WaitForPing(ctx context.Context, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = d.DB.PingContext(ctx); err == nil {
			return nil
		}
		logger.Log.Info("Waiting for database...", zap.Error(err), zap.Int("attempt", i+1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to ping database after %d attempts: %w", attempts, err)
}

func (d *Database) Ping(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
