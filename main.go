package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matchboard/remote/internal/code"
	"matchboard/remote/internal/config"
	"matchboard/remote/internal/heartbeat"
	httpapi "matchboard/remote/internal/http"
	"matchboard/remote/internal/identity"
	"matchboard/remote/internal/logging"
	"matchboard/remote/internal/membership"
	"matchboard/remote/internal/reconnect"
	"matchboard/remote/internal/registry"
	"matchboard/remote/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("logger initialisation failed", logging.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		logger.Fatal("registry backend unavailable", logging.Error(err))
	}
	defer closeStore()

	identities, err := identity.Open(cfg.IdentityPath, cfg.IdentityFlushInterval, logger)
	if err != nil {
		logger.Fatal("identity store unavailable", logging.Error(err))
	}
	defer identities.Close()

	members := membership.NewService(membership.Options{
		Store:       store,
		Generator:   code.NewGenerator(cfg.CodeLength),
		CodeTTL:     cfg.CodeTTL,
		MaxAttempts: cfg.CodeMaxAttempts,
		Logger:      logger,
	})
	reconnects := reconnect.NewService(reconnect.Options{
		Store:       store,
		Identities:  identities,
		Membership:  members,
		PrecacheTTL: cfg.PrecacheTTL,
		BindingTTL:  cfg.CodeTTL,
		GroupExpiry: cfg.GroupExpiry,
		Logger:      logger,
	})

	sessions := session.NewRegistry()
	hub := NewHub(cfg, members, reconnects, sessions, logger)

	monitor := heartbeat.NewMonitor(heartbeat.Options{
		Registry:      sessions,
		PingInterval:  cfg.PingInterval,
		SweepInterval: cfg.SweepInterval,
		PongTimeout:   cfg.PongTimeout,
		Logger:        logger,
	})
	go monitor.Run(ctx)

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:         logger,
		Readiness:      hub,
		Stats:          hub.Stats,
		Evictions:      monitor.Evictions,
		IdentityCounts: identities.Counts,
		Precache:       reconnects,
		Broadcast:      hub.BroadcastEnvelope,
		BroadcastLimit: httpapi.NewSlidingWindowLimiter(cfg.BroadcastRateWindow, cfg.BroadcastRateLimit, nil),
	})

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.HandleFunc("/ws/board", hub.ServeScoreboard)
	mux.HandleFunc("/ws/control", hub.ServeControl)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("remote broker listening",
		logging.String("addr", cfg.Address),
		logging.String("registry", cfg.RegistryBackend))
	if cfg.TLSCertPath != "" {
		err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		hub.SetStartupError(err)
		logger.Fatal("server terminated", logging.Error(err))
	}
	logger.Info("remote broker stopped")
}

func openRegistry(ctx context.Context, cfg *config.Config) (registry.Store, func(), error) {
	switch cfg.RegistryBackend {
	case "redis":
		store, err := registry.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return registry.NewMemoryStore(), func() {}, nil
	}
}
