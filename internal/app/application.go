package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"shadowboard/internal/api"
	"shadowboard/internal/config"
	"shadowboard/internal/database"
	"shadowboard/internal/gateway"
	"shadowboard/internal/lease"
	"shadowboard/internal/lifecycle"
	"shadowboard/internal/mirror"
	"shadowboard/internal/presence"
	"shadowboard/internal/store"
	dbpkg "shadowboard/pkg/database"
)

// Application owns every component and their startup/shutdown ordering.
// Construction wires the dependency graph bottom-up; Stop tears it down in
// reverse.
type Application struct {
	cfg *config.Config

	backend  *database.Manager
	store    *store.Store
	registry *presence.Registry
	leases   *lease.Manager
	mirror   *mirror.Manager
	gateway  *gateway.Handler
	server   *http.Server
}

// NewApplication builds the full component graph. The database is opened and
// migrated here so a broken backend fails fast at startup.
func NewApplication(cfg *config.Config) (*Application, error) {
	dbCfg := dbpkg.DefaultConfig()
	dbCfg.DatabasePath = cfg.Database.Path
	dbCfg.MaxConnections = cfg.Database.MaxConnections
	dbCfg.WriteRetryDelay = cfg.Database.WriteRetryDelay

	backend, err := database.NewManager(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	migrator := dbpkg.NewMigrationManager(backend.GetDB())
	if err := migrator.ApplyMigrations(); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	validator := dbpkg.NewSchemaValidator(backend.GetDB())
	if err := validator.ValidateTablesExist(); err != nil {
		backend.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	st := store.NewStore(backend, cfg.Sync.FeedBuffer)

	registry := presence.NewRegistry(presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		TimeoutFactor:     cfg.Presence.TimeoutFactor,
		SweepInterval:     cfg.Presence.SweepInterval,
		AllowSupersede:    cfg.Presence.AllowSupersede,
	})

	leases := lease.NewManager(registry, backend)
	registry.Observe(leases)

	mirrorMgr := mirror.NewManager(st, leases, mirror.Config{
		StalenessThreshold: cfg.Sync.StalenessThreshold,
		FeedBuffer:         cfg.Sync.FeedBuffer,
	})
	// Feed teardown must run before clients hear about the revocation.
	leases.ObserveRevocations(mirrorMgr.OnLeaseRevoked)

	controller := lifecycle.NewController(registry, st, leases, mirrorMgr, lifecycle.RetryConfig{
		Attempts:  cfg.Sync.RetryAttempts,
		BaseDelay: cfg.Sync.RetryBaseDelay,
	})

	gw := gateway.NewHandler(controller, gateway.Config{
		PingInterval: cfg.Gateway.PingInterval,
		PongTimeout:  cfg.Gateway.PongTimeout,
		WriteLimit:   cfg.Gateway.WriteLimit,
	})
	leases.ObserveRevocations(gw.OnLeaseRevoked)

	apiServer := api.NewServer(registry, st, leases, backend, mirrorMgr, gw)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	mux.Handle("/", apiServer)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		cfg:      cfg,
		backend:  backend,
		store:    st,
		registry: registry,
		leases:   leases,
		mirror:   mirrorMgr,
		gateway:  gw,
		server:   server,
	}, nil
}

// Start begins the presence sweeper and serves HTTP until the listener
// fails or Stop is called.
func (a *Application) Start(ctx context.Context) error {
	if err := a.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence registry: %w", err)
	}

	log.Printf("app: listening on %s", a.cfg.Addr())
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop shuts the system down in reverse dependency order: stop accepting
// traffic, drop clients, close feeds, stop the sweeper, then release the
// store and database.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("HTTP shutdown failed: %w", err)
	}

	a.gateway.CloseAll()
	a.mirror.CloseAll()
	_ = a.registry.Stop()
	_ = a.store.Close()

	if err := a.backend.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("database close failed: %w", err)
	}

	log.Printf("app: shutdown complete")
	return firstErr
}
