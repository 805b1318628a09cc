// Command careshield-server starts the compliance gRPC server.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/careshield/internal/archive"
	"github.com/and161185/careshield/internal/audit"
	"github.com/and161185/careshield/internal/authz"
	"github.com/and161185/careshield/internal/config"
	"github.com/and161185/careshield/internal/crypto/fieldcrypt"
	"github.com/and161185/careshield/internal/limiter"
	"github.com/and161185/careshield/internal/metrics"
	"github.com/and161185/careshield/internal/migrate"
	"github.com/and161185/careshield/internal/records"
	"github.com/and161185/careshield/internal/repository/postgres"
	grpcserver "github.com/and161185/careshield/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and serves the compliance API.
func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, os.Args[1:])
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	// DB pool
	db, err := postgres.New(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()
	rls := postgres.NewPropagator(db, logger)

	// Authorization store
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis", zap.Error(err))
	}

	// Field encryption
	fields := records.DefaultRegistry()
	if cfg.RegistryPath != "" {
		if fields, err = fieldcrypt.LoadRegistryFile(cfg.RegistryPath); err != nil {
			logger.Fatal("field registry", zap.Error(err))
		}
	}
	logger.Info("field registry", zap.Strings("entities", fields.EntityTypes()))
	master, _ := cfg.Master()
	cipher, err := fieldcrypt.NewAEADCipher(master)
	if err != nil {
		logger.Fatal("field cipher", zap.Error(err))
	}
	engine := fieldcrypt.NewEngine(cipher, fields)
	policy := fieldcrypt.FailRecord
	if cfg.RedactOnRead {
		policy = fieldcrypt.RedactField
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Services
	roles := authz.NewRegistry(postgres.NewRoleRepo(rls), authz.NewRedisStore(rdb), logger)
	recorder := audit.NewRecorder(postgres.NewAuditRepo(rls), logger, m, audit.RecorderOptions{
		QueueSize: cfg.AuditQueue,
		Workers:   cfg.AuditWorkers,
	})
	deps := audit.Deps{
		Logs:     postgres.NewAuditRepo(rls),
		Resets:   postgres.NewPasswordResetRepo(rls),
		Authz:    roles,
		Recorder: recorder,
		Lockout:  limiter.NewPGLockout(db.Pool, cfg.LockoutWindow, cfg.LockoutMaxFails, cfg.LockoutBlock),
		Metrics:  m,
		Log:      logger,
	}
	if cfg.ExportInterval > 0 {
		deps.Throttle = limiter.NewThrottle(cfg.ExportInterval, cfg.ExportBurst)
	}
	if cfg.Archive.Enabled() {
		arc, err := archive.NewS3(ctx, cfg.Archive.Options())
		if err != nil {
			logger.Fatal("archive", zap.Error(err))
		}
		deps.Archive = arc
	}
	auditSvc := audit.NewService(deps)
	placements := records.NewService(postgres.NewPlacementRepo(rls), engine, roles, recorder, records.Options{
		Policy:  policy,
		Metrics: m,
		Log:     logger,
	})

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.MetricsUnary(m),
			grpcserver.AuthUnary([]byte(cfg.JWTKey), "/grpc.health.v1.Health/Check"),
			grpcserver.LoggingUnary(logger),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled, use only behind a terminating proxy")
	}
	s := grpc.NewServer(opts...)
	grpcserver.Register(s, grpcserver.New(auditSvc, roles, placements, logger))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	go watchDB(ctx, rls, hs, logger)
	if cfg.Dev {
		reflection.Register(s)
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- s.Serve(lis)
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// Wait for stop
	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// graceful shutdown
	hs.Shutdown()
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("audit recorder close", zap.Error(err))
	}

	logger.Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// watchDB mirrors database reachability into the health service.
func watchDB(ctx context.Context, rls *postgres.Propagator, hs *health.Server, log *zap.Logger) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rls.Ping(pctx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			log.Warn("database check failed", zap.Error(err))
		}
		hs.SetServingStatus("", status)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
