// Package app wires the studverse server runtime: config, logging, HTTP
// routes, and the realtime chat gateways.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Purna998/studverse-chatapplication/cmd/internal/auth"
	"github.com/Purna998/studverse-chatapplication/cmd/internal/chatapi"
	"github.com/Purna998/studverse-chatapplication/cmd/internal/presence"
	"github.com/Purna998/studverse-chatapplication/cmd/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the studverse server runtime: it owns HTTP server wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws      *realtime.WSGateway
	groupWS *realtime.GroupWSGateway

	chat     *chatapi.Handler
	presence *presence.Handler

	metricsHandler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("app: SV_JWT_SECRET is required")
	}
	tokens := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTLeeway)

	st, dbPool, dbEnabled, deps, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(metricsReg)

	registry := realtime.NewRegistry(log)

	ws := realtime.NewWSGateway(log, registry, deps.messages, tokens, deps.profiles, metrics)
	groupWS := realtime.NewGroupWSGateway(log, registry, deps.messages, tokens, deps.members, metrics)

	chat, err := chatapi.NewHandler(log, deps.messages, registry, tokens)
	if err != nil {
		return nil, err
	}

	var presenceHandler *presence.Handler
	if deps.presence != nil {
		presenceHandler, err = presence.NewHandler(log, deps.presence, tokens)
		if err != nil {
			return nil, err
		}
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		ws:        ws,
		groupWS:   groupWS,
		chat:      chat,
		presence:  presenceHandler,
		metricsHandler: promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{
			Registry: metricsReg,
		}),
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.groupWS, a.chat, a.presence, a.metricsHandler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// storeDeps carries the domain stores newStore resolved for the chosen mode.
type storeDeps struct {
	messages realtime.MessageStore
	profiles realtime.ProfileStore
	members  realtime.MembershipStore
	presence presence.Store
}

// newStore decides between Postgres-backed persistence and in-memory dev
// stores. Presence queries need real profile rows, so presence stays nil in
// in-memory mode and its routes are simply not registered.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, storeDeps, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, storeDeps{
			messages: realtime.NewInMemoryStore(),
			profiles: realtime.StaticProfiles{},
			members:  realtime.NewInMemoryMembership(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, storeDeps{}, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns the pool lifecycle
	// - PostgresStore.Close() is a no-op
	msgStore, err := realtime.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, storeDeps{}, err
	}

	members, err := realtime.NewPostgresMembershipStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, storeDeps{}, err
	}

	presenceStore, err := presence.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, storeDeps{}, err
	}

	deps := storeDeps{
		messages: msgStore,
		profiles: msgStore,
		members:  members,
		presence: presenceStore,
	}
	return dbStore{pool: pool, msgStore: msgStore}, pool, true, deps, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore realtime.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
