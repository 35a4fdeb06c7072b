package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inventory-sync/internal/api"
	"inventory-sync/internal/auth"
	"inventory-sync/internal/config"
	"inventory-sync/internal/connectivity"
	"inventory-sync/internal/logger"
	invsync "inventory-sync/internal/sync"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.Log.Info("Starting inventory sync service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	eg, egCtx := errgroup.WithContext(ctx)

	prober := connectivity.NewProber(a.status, a.cloud.Ping, cfg.Connectivity.GetProbeInterval())
	eg.Go(func() error {
		return prober.Run(egCtx)
	})

	if err := a.queue.Start(egCtx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	if err := a.sync.StartPeriodicSync(egCtx, cfg.Sync.GetInterval()); err != nil {
		return fmt.Errorf("failed to start periodic sync: %w", err)
	}

	eg.Go(func() error {
		syncOnReconnect(egCtx, a.status, a.sync)
		return nil
	})

	if cfg.Sync.Realtime {
		if err := startRealtime(egCtx, eg, cfg, a.sync); err != nil {
			return err
		}
	}

	var signer *auth.Signer
	if cfg.Auth.Required {
		signer = a.signer
	}
	handler := api.NewHandler(api.Options{
		Queue:        a.queue,
		Sync:         a.sync,
		Conflicts:    a.conflicts,
		Store:        a.store,
		Connectivity: a.status,
		Signer:       signer,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	eg.Go(func() error {
		logger.Log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		logger.Log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	a.sync.StopSync()
	logger.Log.Info("Stopped")
	return err
}

// syncOnReconnect starts a cycle whenever the cloud comes back, so edits
// made offline go up without waiting for the next tick.
func syncOnReconnect(ctx context.Context, status *connectivity.Status, m *invsync.Manager) {
	ch, unsubscribe := status.Subscribe()
	defer unsubscribe()

	<-ch
	seen := status.Reconnects()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			n := status.Reconnects()
			if n != seen && status.IsConnected() {
				seen = n
				m.TriggerSync()
			}
		}
	}
}

func startRealtime(ctx context.Context, eg *errgroup.Group, cfg *config.Config, m *invsync.Manager) error {
	tables := make([]string, 0, len(cfg.Sync.Collections))
	for _, col := range cfg.Sync.Collections {
		tables = append(tables, col.Name)
	}

	listener, err := invsync.NewChangeListener(cfg.Databases.Local, tables, cfg.Sync.ServerID)
	if err != nil {
		return err
	}
	if err := listener.Start(); err != nil {
		return err
	}

	debouncer := invsync.NewDebouncer(listener.Events(), cfg.Sync.GetDebounce(), m.TriggerSync)
	eg.Go(func() error {
		debouncer.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		listener.Stop()
		return nil
	})
	return nil
}
