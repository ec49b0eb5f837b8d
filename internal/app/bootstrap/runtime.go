package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	cacheadapter "github.com/viralforge/guardian-activation/internal/adapters/cache"
	eventadapter "github.com/viralforge/guardian-activation/internal/adapters/events"
	grpcadapter "github.com/viralforge/guardian-activation/internal/adapters/grpc"
	httpadapter "github.com/viralforge/guardian-activation/internal/adapters/http"
	"github.com/viralforge/guardian-activation/internal/adapters/memory"
	"github.com/viralforge/guardian-activation/internal/adapters/postgres"
	"github.com/viralforge/guardian-activation/internal/adapters/schema"
	"github.com/viralforge/guardian-activation/internal/adapters/security"
	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/observability"
	"github.com/viralforge/guardian-activation/internal/ports"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	outbox     *eventadapter.OutboxWorker
	scheduler  *eventadapter.EvaluationScheduler
	cleanup    []func(context.Context)
}

// NewRuntime wires every adapter. On error the resources opened so far are released.
func NewRuntime(ctx context.Context, configPath string) (rt *Runtime, err error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With("service", cfg.ServiceID)
	slog.SetDefault(logger)
	logger.Info("bootstrapping guardian activation service",
		"operation", "bootstrap",
		"outcome", "start",
		"storage", cfg.Storage,
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
	)

	rt = &Runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.close(context.Background())
			rt = nil
		}
	}()

	telemetry, err := observability.New(ctx, observability.Config{
		ServiceName:    cfg.ServiceID,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
		MetricInterval: cfg.MetricsInterval,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.onClose(func(ctx context.Context) { _ = telemetry.Shutdown(ctx) })

	store, guardians, ready, err := rt.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	var (
		limiter   ports.RateLimiter = memory.NewRateLimiter()
		cycleLock ports.CycleLock   = memory.NewCycleLock()
	)
	if cfg.RedisURL != "" {
		redisClient, err := cacheadapter.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.onClose(func(context.Context) { _ = redisClient.Close() })
		limiter = cacheadapter.NewRedisRateLimiter(redisClient)
		cycleLock = cacheadapter.NewRedisCycleLock(redisClient)
	} else {
		logger.Warn("redis not configured; rate limits and cycle locks are process local", "operation", "bootstrap", "outcome", "degraded")
	}

	notifier, publisher, err := rt.openMessaging()
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("init jwt verifier: %w", err)
	}
	ruleValidator, err := schema.NewRuleDocumentValidator()
	if err != nil {
		return nil, fmt.Errorf("init rule validator: %w", err)
	}

	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			QuorumWindow:     cfg.QuorumWindow,
			RequestTokenTTL:  cfg.RequestTokenTTL,
			GrantTTL:         cfg.GrantTTL,
			SubmissionLimit:  cfg.SubmissionLimit,
			SubmissionWindow: cfg.SubmissionWindow,
			CycleLockTTL:     cfg.CycleLockTTL,
		},
		Store:         store,
		Guardians:     guardians,
		Notifier:      notifier,
		Random:        security.NewCryptoRandom(),
		Hasher:        security.NewBcryptHasher(bcryptCost(cfg.BcryptCost)),
		RateLimiter:   limiter,
		CycleLock:     cycleLock,
		RuleValidator: ruleValidator,
		Metrics:       observability.Default(),
		Logger:        logger,
	})

	trustedProxies, err := httpadapter.ParseTrustedProxies(cfg.HTTPTrustedProxies)
	if err != nil {
		return nil, err
	}
	rt.httpServer = &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpadapter.NewRouter(httpadapter.NewHandler(svc, ready), httpadapter.RouterConfig{
			Verifier:          verifier,
			RequestsPerSecond: cfg.HTTPRateLimitPerSecond,
			Burst:             cfg.HTTPRateLimitBurst,
			TrustedProxies:    trustedProxies,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	rt.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(grpcadapter.AuthInterceptor(verifier)))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(rt.grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcadapter.Register(rt.grpcServer, grpcadapter.NewGrantValidationServer(svc))

	rt.outbox = eventadapter.NewOutboxWorker(
		logger,
		store.Repositories().Outbox,
		publisher,
		cfg.OutboxPollInterval,
		cfg.OutboxBatchSize,
		cfg.OutboxClaimTTL,
		cfg.OutboxMaxRetries,
	)
	rt.scheduler = eventadapter.NewEvaluationScheduler(logger, svc, cfg.EvaluationInterval)

	logger.Info("guardian activation service bootstrapped", "operation", "bootstrap", "outcome", "success")
	return rt, nil
}

func (r *Runtime) openStorage(ctx context.Context) (ports.Store, ports.GuardianDirectory, func(context.Context) error, error) {
	if r.cfg.Storage == StorageMemory {
		r.logger.Warn("using in-memory storage; state is lost on restart", "operation", "bootstrap", "outcome", "degraded")
		return memory.NewStore(), memory.NewDirectory(r.cfg.Guardians...), nil, nil
	}

	db, err := postgres.Connect(ctx, r.cfg.DatabaseURL, postgres.PoolConfig{
		MaxConns:        r.cfg.MaxDBConns,
		ConnMaxIdleTime: r.cfg.DBConnMaxIdleTime,
		ConnMaxLifetime: r.cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("gorm sql db: %w", err)
	}
	r.onClose(func(context.Context) { _ = sqlDB.Close() })

	if err := postgres.RunMigrations(ctx, db); err != nil {
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return postgres.NewStore(db), postgres.NewDirectory(db), sqlDB.PingContext, nil
}

func (r *Runtime) openMessaging() (ports.Notifier, ports.EventPublisher, error) {
	if len(r.cfg.KafkaBrokers) == 0 {
		return eventadapter.NewLoggingNotifier(r.logger), eventadapter.NewLoggingPublisher(r.logger), nil
	}
	notifier, err := eventadapter.NewKafkaNotifier(r.cfg.KafkaBrokers, r.cfg.NotificationTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka notifier: %w", err)
	}
	r.onClose(func(context.Context) { _ = notifier.Close() })
	publisher, err := eventadapter.NewKafkaPublisher(r.cfg.KafkaBrokers, r.cfg.EventTopics)
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka publisher: %w", err)
	}
	r.onClose(func(context.Context) { _ = publisher.Close() })
	return notifier, publisher, nil
}

func newVerifier(cfg Config) (*security.JWTVerifier, error) {
	var opts []security.VerifierOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, security.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, security.WithAudience(cfg.JWTAudience))
	}
	if cfg.JWTPublicKeyPEM != "" {
		return security.NewRSAVerifier(cfg.JWTPublicKeyPEM, opts...)
	}
	return security.NewHMACVerifier(cfg.JWTSecret, opts...)
}

func bcryptCost(cost int) int {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return cost
}

func (r *Runtime) onClose(fn func(context.Context)) {
	r.cleanup = append(r.cleanup, fn)
}

// close releases resources in reverse acquisition order.
func (r *Runtime) close(ctx context.Context) {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i](ctx)
	}
	r.cleanup = nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		r.close(context.Background())
		return fmt.Errorf("listen gRPC: %w", err)
	}
	r.grpcLis = lis

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "operation", "serve_http", "outcome", "start", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "operation", "serve_grpc", "outcome", "start", "addr", r.grpcLis.Addr().String())
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received", "operation", "shutdown", "outcome", "start")
	case runErr = <-errCh:
		r.logger.Error("server failure", "operation", "serve", "outcome", "failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.close(shutdownCtx)
	return runErr
}

// RunWorker drives the outbox publisher and the evaluation scheduler until
// the context is cancelled or either loop fails.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.cfg.Storage == StorageMemory {
		r.logger.Warn("worker running against in-memory storage sees only its own state", "operation", "run_worker", "outcome", "degraded")
	}

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("outbox worker started", "operation", "run_outbox", "outcome", "start")
		errCh <- r.outbox.Run(ctx)
	}()
	go func() {
		r.logger.Info("evaluation scheduler started", "operation", "run_scheduler", "outcome", "start", "interval", r.cfg.EvaluationInterval.String())
		errCh <- r.scheduler.Run(ctx)
	}()

	var runErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
		}
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	r.close(shutdownCtx)
	return runErr
}
