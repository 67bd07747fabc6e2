package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appcfg "github.com/park285/cheese-lobby/internal/config"
	"github.com/park285/cheese-lobby/internal/identity"
	"github.com/park285/cheese-lobby/internal/lobby"
	"github.com/park285/cheese-lobby/internal/obslog"
	"github.com/park285/cheese-lobby/internal/records"
	"github.com/park285/cheese-lobby/internal/server"
	"github.com/park285/cheese-lobby/internal/transport"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.Named("main")

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := lobby.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}
	defer rdb.Close()
	store := lobby.NewRedisStore(rdb, cfg.Policy.LobbyTTL)

	rec, err := openRecords(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		log.Fatalf("records init error: %v", err)
	}
	defer rec.Close()

	ids, err := newIdentityProvider(cfg)
	if err != nil {
		log.Fatalf("identity init error: %v", err)
	}

	hubOpts := []transport.HubOption{}
	if cfg.NATSURL != "" {
		relay, err := transport.NewNATSRelay(cfg.NATSURL, cfg.InstanceID, obslog.Named("relay"))
		if err != nil {
			log.Fatalf("nats init error: %v", err)
		}
		hubOpts = append(hubOpts, transport.WithRelay(relay))
	}
	hub, err := transport.NewHub(hubOpts...)
	if err != nil {
		log.Fatalf("hub init error: %v", err)
	}

	co, err := lobby.NewCoordinator(store, rec, hub, lobby.ConfigFromPolicy(cfg.Policy))
	if err != nil {
		log.Fatalf("coordinator init error: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(co, hub, ids, server.WithAllowedOrigins(cfg.AllowedOrigins)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server_listen", zap.String("addr", cfg.ListenAddr), zap.String("instance_id", cfg.InstanceID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_listen_failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// hijacked WebSocket connections are not tracked by Shutdown; the hub closes them
	_ = hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_failed", zap.Error(err))
	}
	co.Close()
}

func openRecords(ctx context.Context, databaseURL string, logger *zap.Logger) (records.Store, error) {
	if databaseURL == "" {
		logger.Warn("records_in_memory", zap.String("reason", "DATABASE_URL not set"))
		return records.NewMemoryStore(), nil
	}
	rec, err := records.NewPostgresStore(databaseURL)
	if err != nil {
		return nil, err
	}
	if err := records.Migrate(ctx, rec); err != nil {
		_ = rec.Close()
		return nil, err
	}
	return rec, nil
}

func newIdentityProvider(cfg *appcfg.AppConfig) (*identity.Provider, error) {
	opts := []identity.Option{identity.WithGuests(cfg.AllowGuests)}
	if cfg.JWTSecret != "" {
		v, err := identity.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, identity.WithTokenVerifier(v))
	}
	if cfg.GuestSecret != "" {
		v, err := identity.NewTokenVerifier(cfg.GuestSecret, "cheese-lobby-guest")
		if err != nil {
			return nil, err
		}
		opts = append(opts, identity.WithGuestTokens(v))
	}
	if cfg.IdentityServiceURL != "" {
		opts = append(opts, identity.WithSessionLookup(identity.NewRemoteClient(cfg.IdentityServiceURL)))
	}
	return identity.NewProvider(opts...), nil
}
