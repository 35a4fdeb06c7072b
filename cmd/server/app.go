package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"inventory-sync/internal/auth"
	"inventory-sync/internal/config"
	"inventory-sync/internal/conflict"
	"inventory-sync/internal/connectivity"
	"inventory-sync/internal/database"
	"inventory-sync/internal/logger"
	"inventory-sync/internal/queue"
	"inventory-sync/internal/remote"
	"inventory-sync/internal/store"
	invsync "inventory-sync/internal/sync"
)

// app holds the long-lived services shared by the commands.
type app struct {
	cfg       *config.Config
	deviceID  string
	store     store.Store
	local     *database.Database
	cloud     *database.Database
	status    *connectivity.Status
	queue     *queue.Queue
	conflicts *invsync.ConflictManager
	sync      *invsync.Manager
	signer    *auth.Signer
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, deviceID: deviceID(cfg)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = store.Open(ctx, cfg.StateStorage); err != nil {
		return nil, fmt.Errorf("failed to init state store: %w", err)
	}

	if a.local, err = database.NewDatabase(cfg.Databases.Local); err != nil {
		return nil, fmt.Errorf("failed to connect to local database: %w", err)
	}
	// The cloud is allowed to be unreachable; the prober reports when it is.
	if a.cloud, err = database.Open(database.DriverMySQL, database.MySQLDSN(cfg.Databases.Cloud)); err != nil {
		return nil, err
	}

	tables := []string{itemsTable(cfg)}
	for _, col := range cfg.Sync.Collections {
		tables = append(tables, col.Name)
	}
	for _, table := range tables {
		if err = a.local.EnsureEntityTable(ctx, table); err != nil {
			return nil, err
		}
	}

	a.status = connectivity.NewStatus(false)

	lookup := remote.NewBarcodeLookup(a.cloud, a.local, itemsTable(cfg), a.deviceID)
	a.queue = queue.New(a.store, lookup, a.status,
		queue.WithPolicy(queue.Policy{
			MaxRetries: cfg.Queue.MaxRetries,
			RetryDelay: cfg.Queue.GetRetryDelay(),
		}),
		queue.WithRetention(cfg.Queue.GetRetention()),
	)

	history, err := conflict.NewHistory(conflict.DefaultHistorySize)
	if err != nil {
		return nil, err
	}
	engine := conflict.NewEngine(conflict.WithResolvedBy(a.deviceID), conflict.WithHistory(history))
	a.conflicts = invsync.NewConflictManager(engine, a.store)

	collections := make([]invsync.Collection, 0, len(cfg.Sync.Collections))
	for _, col := range cfg.Sync.Collections {
		resolution, err := remote.ResolutionFor(col)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", col.Name, err)
		}
		entityType := conflict.EntityType(col.EntityType)
		if entityType == "" {
			entityType = conflict.EntityItem
		}
		collections = append(collections, invsync.Collection{
			Name:     col.Name,
			Uploader: remote.NewTableUploader(a.local, a.cloud, col.Name, entityType, resolution, a.conflicts, a.deviceID),
		})
	}

	opts := []invsync.ManagerOption{invsync.WithHistory(a.store), invsync.WithConflicts(a.conflicts)}
	if cfg.Auth.Secret != "" {
		if a.signer, err = auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.GetTokenTTL()); err != nil {
			return nil, err
		}
		authenticator := auth.NewTokenAuthenticator(auth.SignerLogin(a.signer, a.deviceID))
		opts = append(opts, invsync.WithAuthenticator(authenticator))
	}
	a.sync = invsync.NewManager(collections, opts...)

	logger.Log.Info("Services ready",
		zap.String("device_id", a.deviceID),
		zap.Int("collections", len(collections)),
	)
	return a, nil
}

// probe records the cloud's reachability once.
func (a *app) probe(ctx context.Context) {
	a.status.Set(a.cloud.Ping(ctx) == nil)
}

func (a *app) close() {
	if a.sync != nil {
		a.sync.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.cloud != nil {
		a.cloud.Close()
	}
	if a.local != nil {
		a.local.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func deviceID(cfg *config.Config) string {
	if cfg.Sync.DeviceID != "" {
		return cfg.Sync.DeviceID
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown-device"
	}
	return host
}

// itemsTable is where scanned products are filed.
func itemsTable(cfg *config.Config) string {
	for _, col := range cfg.Sync.Collections {
		if col.EntityType == string(conflict.EntityItem) {
			return col.Name
		}
	}
	return "items"
}
