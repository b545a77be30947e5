package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"realcast-live/internal/api"
	"realcast-live/internal/auth"
	"realcast-live/internal/chat"
	"realcast-live/internal/config"
	"realcast-live/internal/events"
	"realcast-live/internal/hub"
	"realcast-live/internal/keys"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
	"realcast-live/internal/redisconn"
	"realcast-live/internal/server"
	"realcast-live/internal/serverutil"
	"realcast-live/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil); err != nil {
		fmt.Fprintln(os.Stderr, "realcast:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, ready chan<- struct{}) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	a, err := buildApp(ctx, cfg, logger, metrics.Default())
	if err != nil {
		return err
	}
	a.start(ctx)

	logger.Info("realcast hub starting", newStartupSummary(cfg).LogArgs()...)
	runErr := serverutil.Run(ctx, serverutil.Config{
		Server:          a.server.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.HTTP.TLSCert, KeyFile: cfg.HTTP.TLSKey},
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Drain: func(ctx context.Context) error {
			a.shutdown(ctx)
			return nil
		},
		DrainTimeout: cfg.Hub.DrainTimeout + cfg.Hub.ForceTimeout + 5*time.Second,
		Ready:        ready,
		Logger:       logger,
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}
	logger.Info("server stopped")
	return runErr
}

// app holds the wired components of one daemon instance.
type app struct {
	logger     *slog.Logger
	hub        *hub.Hub
	keys       *keys.Manager
	authority  *auth.Authority
	dispatcher *events.Dispatcher
	gateway    *chat.Gateway
	server     *server.Server
	handler    *api.Handler
	audit      storage.AuditLog

	revocations   revocationPurger
	purgeInterval time.Duration
	stopPurge     func()

	// closers release stores in reverse construction order.
	closers []func(context.Context) error
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return redisconn.Ping(ctx, p.client, 0)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (_ *app, err error) {
	a := &app{logger: logger, purgeInterval: cfg.Tokens.PurgeInterval, stopPurge: func() {}}
	defer func() {
		if err != nil {
			a.closeStores(context.Background())
		}
	}()

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled() {
		redisClient, err = redisconn.NewClient(cfg.Redis.Conn())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return redisClient.Close() })
		if err := redisconn.Ping(ctx, redisClient, cfg.Redis.Timeout); err != nil {
			return nil, err
		}
	}

	var revocations auth.RevocationStore = auth.NewMemoryRevocationStore()
	if cfg.Tokens.Revocations == "postgres" {
		store, err := auth.NewPostgresRevocationStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open revocation store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("prepare revocation store: %w", err)
		}
		revocations = store
	}
	a.authority, err = auth.NewAuthority([]byte(cfg.Tokens.Secret),
		auth.WithRevocationStore(revocations),
		auth.WithIssuer(cfg.Tokens.Issuer),
		auth.WithDefaultTTL(cfg.Tokens.DefaultTTL),
	)
	if err != nil {
		return nil, err
	}
	a.revocations = a.authority

	var vault keys.Vault = keys.NewMemoryVault()
	if cfg.Keys.Vault == "redis" {
		masterKey, err := cfg.Keys.MasterKeyBytes()
		if err != nil {
			return nil, err
		}
		vault, err = keys.NewRedisVault(keys.RedisVaultConfig{Client: redisClient, Prefix: cfg.Keys.VaultPrefix, MasterKey: masterKey})
		if err != nil {
			return nil, err
		}
	}
	a.keys, err = keys.NewManager(keys.Config{
		Verifier:         a.authority,
		Vault:            vault,
		Logger:           logger,
		Metrics:          recorder,
		GraceWindow:      cfg.Keys.GraceWindow,
		RotationInterval: cfg.Keys.RotationInterval,
		MaxKeyAge:        cfg.Keys.MaxKeyAge,
		DrainInterval:    cfg.Keys.DrainInterval,
	})
	if err != nil {
		return nil, err
	}

	a.hub, err = hub.New(hub.Config{
		Keys:     a.keys,
		Verifier: a.authority,
		Logger:   logger,
		Metrics:  recorder,
		DefaultPolicy: hub.Policy{
			SlowMode:             cfg.Hub.Policy.SlowMode,
			Moderators:           cfg.Hub.Policy.Moderators,
			MaxMessageLength:     cfg.Hub.Policy.MaxMessageLength,
			MaxMessagesPerWindow: cfg.Hub.Policy.MaxMessagesPerWindow,
			RateWindow:           cfg.Hub.Policy.RateWindow,
			HistorySize:          cfg.Hub.Policy.HistorySize,
		},
		QueueSize:       cfg.Hub.QueueSize,
		LivenessTimeout: cfg.Hub.LivenessTimeout,
		SweepInterval:   cfg.Hub.SweepInterval,
		DrainTimeout:    cfg.Hub.DrainTimeout,
		ForceTimeout:    cfg.Hub.ForceTimeout,
	})
	if err != nil {
		return nil, err
	}

	switch cfg.Audit.Driver {
	case "memory":
		a.audit = storage.NewMemoryAuditLog()
	case "postgres":
		auditLog, err := storage.NewPostgresAuditLog(ctx, cfg.Postgres.DSN,
			storage.WithPostgresPoolLimits(cfg.Postgres.MaxConns, cfg.Postgres.MinConns),
			storage.WithPostgresAcquireTimeout(cfg.Postgres.AcquireTimeout),
			storage.WithPostgresApplicationName(cfg.Postgres.AppName),
		)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.closers = append(a.closers, auditLog.Close)
		if err := auditLog.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate audit log: %w", err)
		}
		a.audit = auditLog
	}

	sinks, overflow, err := buildSinks(cfg, logger, redisClient, a)
	if err != nil {
		return nil, err
	}
	a.dispatcher = events.NewDispatcher(events.DispatcherConfig{
		Logger:   logger,
		Metrics:  recorder,
		Sinks:    sinks,
		Overflow: overflow,
		Buffer:   cfg.Events.Buffer,
		Timeout:  cfg.Events.Timeout,
	})
	if len(sinks) > 0 {
		a.hub.On(events.KindAll, a.dispatcher.Listener())
	}

	a.handler = api.NewHandler(a.hub, a.keys, a.authority, cfg.Control.Token)
	a.handler.Audit = a.audit
	a.handler.Health["tokens"] = a.authority
	if redisClient != nil {
		a.handler.Health["redis"] = redisPinger{client: redisClient}
	}
	if pinger, ok := a.audit.(api.Pinger); ok {
		a.handler.Health["audit"] = pinger
	}

	corsCfg := server.CORSConfig{ControlOrigins: cfg.CORS.ControlOrigins, ViewerOrigins: cfg.CORS.ViewerOrigins}
	checkOrigin, err := server.NewOriginChecker(corsCfg)
	if err != nil {
		return nil, err
	}
	a.gateway = chat.NewGateway(chat.GatewayConfig{
		Hub:          a.hub,
		Logger:       logger,
		PingInterval: cfg.Gateway.PingInterval,
		PongWait:     cfg.Gateway.PongWait,
		WriteWait:    cfg.Gateway.WriteWait,
		MaxFrameSize: cfg.Gateway.MaxFrameSize,
		CheckOrigin:  checkOrigin,
	})

	rateCfg := server.RateLimitConfig{
		GlobalRPS:         cfg.RateLimit.GlobalRPS,
		GlobalBurst:       cfg.RateLimit.GlobalBurst,
		PerIPRPS:          cfg.RateLimit.PerIPRPS,
		PerIPBurst:        cfg.RateLimit.PerIPBurst,
		ConnectLimit:      cfg.RateLimit.ConnectLimit,
		ConnectWindow:     cfg.RateLimit.ConnectWindow,
		TrustForwardedFor: cfg.RateLimit.TrustForwarded,
	}
	if redisClient != nil {
		rateCfg.Store = server.NewRedisWindowStore(redisClient, cfg.Redis.Timeout)
	}
	a.server, err = server.New(a.handler, a.gateway, server.Config{
		Addr:      cfg.HTTP.Addr,
		TLS:       server.TLSConfig{CertFile: cfg.HTTP.TLSCert, KeyFile: cfg.HTTP.TLSKey},
		RateLimit: rateCfg,
		CORS:      corsCfg,
		Security:  server.SecurityConfig{StrictTransportSecurity: cfg.Security.StrictTransportSecurity},
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildSinks returns the dispatcher sinks and the durable subset that takes
// events inline when the dispatcher buffer is full.
func buildSinks(cfg config.Config, logger *slog.Logger, redisClient redis.UniversalClient, a *app) (sinks, overflow []events.Sink, err error) {
	if endpoints := cfg.Events.Webhook.AllEndpoints(); len(endpoints) > 0 {
		hooks := make([]events.Endpoint, 0, len(endpoints))
		for _, endpoint := range endpoints {
			kinds := make([]events.Kind, 0, len(endpoint.Kinds))
			for _, kind := range endpoint.Kinds {
				kinds = append(kinds, events.Kind(kind))
			}
			hooks = append(hooks, events.Endpoint{URL: endpoint.URL, Secret: endpoint.Secret, Kinds: kinds})
		}
		sinks = append(sinks, events.NewWebhookSink(events.WebhookConfig{
			Endpoints:  hooks,
			Logger:     logger,
			MaxRetries: cfg.Events.Webhook.MaxRetries,
		}))
	}
	if cfg.Events.Kafka.Enabled() {
		sink, err := events.NewKafkaSink(events.KafkaConfig{Brokers: cfg.Events.Kafka.Brokers, Topic: cfg.Events.Kafka.Topic, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error {
			sink.Close()
			return nil
		})
		sinks = append(sinks, sink)
	}
	if cfg.Events.RedisStream.Enabled {
		sink, err := events.NewRedisStreamSink(events.RedisStreamConfig{Client: redisClient, Stream: cfg.Events.RedisStream.Stream, MaxLen: cfg.Events.RedisStream.MaxLen})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		overflow = append(overflow, sink)
	}
	if a.audit != nil {
		sink := storage.NewAuditSink(a.audit)
		sinks = append(sinks, sink)
		overflow = append(overflow, sink)
	}
	return sinks, overflow, nil
}

func (a *app) start(ctx context.Context) {
	a.dispatcher.Start(context.WithoutCancel(ctx))
	a.hub.Start(ctx)
	a.stopPurge = startRevocationPurgeWorker(ctx, a.logger, a.revocations, a.purgeInterval)
}

// shutdown closes channels first so viewers receive a closed frame, then
// flushes events and destroys key material before releasing the stores.
func (a *app) shutdown(ctx context.Context) {
	a.stopPurge()
	if err := a.hub.Shutdown(ctx); err != nil {
		a.logger.Warn("hub shutdown incomplete", "error", err)
	}
	if err := a.gateway.Wait(ctx); err != nil {
		a.logger.Warn("viewer sockets still open at shutdown", "error", err)
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn("event dispatcher did not drain", "error", err)
	}
	if err := a.keys.Close(ctx); err != nil {
		a.logger.Warn("key manager shutdown incomplete", "error", err)
	}
	a.closeStores(ctx)
}

func (a *app) closeStores(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn("failed to close stores", "error", err)
	}
}
