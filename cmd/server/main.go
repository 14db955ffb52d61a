package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/admin"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/audit"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/auth"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/authorizer"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/config"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/cooldown"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/credentials"
	devicegrpc "github.com/Bala333sr/IntelliAttend-sub000/internal/grpc"
	internalhttp "github.com/Bala333sr/IntelliAttend-sub000/internal/http"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/jobs"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/lockout"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/logging"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/login"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/metrics"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/presence"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/registry"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository/memory"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/switchrequest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	m := metrics.New(prometheus.DefaultRegisterer)
	limiter, ipLimiter := openLimiters(ctx, cfg, logger)

	recorder := audit.NewRecorder(store, logger, m)
	reg := registry.New()
	requests := switchrequest.New()
	authz := authorizer.New(cooldown.New(cfg.DeviceSwitchCooldown), reg, requests, m.Activation)
	verifier, err := credentials.NewVerifier(store)
	if err != nil {
		logger.Fatal("credential verifier init failed", zap.Error(err))
	}
	gate := presence.FailClosed(presence.NewCampusGate(presence.CampusConfig{
		SSIDs:             cfg.CampusWiFiSSIDs,
		BSSIDs:            cfg.CampusWiFiBSSIDs,
		Geofence:          cfg.CampusGeofence,
		Latitude:          cfg.CampusLatitude,
		Longitude:         cfg.CampusLongitude,
		RadiusMeters:      cfg.CampusRadiusMeters,
		MaxAccuracyMeters: cfg.GPSMaxAccuracyMeters,
	}), cfg.PresenceTimeout, logger)

	orchestrator := login.NewOrchestrator(login.Deps{
		Store:       store,
		Credentials: verifier,
		Presence:    gate,
		Limiter:     limiter,
		IPLimiter:   ipLimiter,
		Tokens:      auth.Issuer{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, TTL: cfg.AccessTokenTTL},
		Registry:    reg,
		Requests:    requests,
		Authorizer:  authz,
		Audit:       recorder,
		Metrics:     m,
		Log:         logger,
	})
	adminService := admin.NewService(admin.Deps{
		Store:      store,
		Registry:   reg,
		Requests:   requests,
		Authorizer: authz,
		Audit:      recorder,
		Metrics:    m,
		Log:        logger,
	})

	server := internalhttp.NewServer(cfg, orchestrator, adminService, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serviceAuthInterceptor, err := devicegrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken)
	if err != nil {
		logger.Fatal("grpc service auth init failed", zap.Error(err))
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(serviceAuthInterceptor))
	devicegrpc.RegisterDeviceTrustQueryServer(grpcServer, devicegrpc.NewDeviceTrustServer(orchestrator, logger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(devicegrpc.DeviceTrustServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	jobs.StartRequestExpiryJob(ctx, cfg, adminService, logger)

	go func() {
		logger.Info("device auth http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen error", zap.Error(err))
		}
		logger.Info("device auth grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal("grpc server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.Store, func()) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}
	}
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	store := repository.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	return store, pool.Close
}

// openLimiters returns the per-email and per-IP limiters. Redis is preferred
// so lockouts hold across instances; without it the limiters are per process.
// A non-positive LOGIN_IP_MAX_FAILURES disables the IP limiter.
func openLimiters(ctx context.Context, cfg config.Config, logger *zap.Logger) (lockout.Limiter, lockout.Limiter) {
	policy := lockout.Policy{
		MaxFailures: cfg.LoginMaxFailures,
		Window:      cfg.LoginFailureWindow,
		Lockout:     cfg.LoginLockout,
	}
	ipPolicy := policy
	ipPolicy.MaxFailures = cfg.LoginIPMaxFailures
	if cfg.RedisAddr == "" {
		logger.Warn("redis not configured; login lockout is per instance")
		if cfg.LoginIPMaxFailures <= 0 {
			return lockout.NewMemoryLimiter(policy, nil), nil
		}
		return lockout.NewMemoryLimiter(policy, nil), lockout.NewMemoryLimiter(ipPolicy, nil)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.Error(err))
	}
	go func() {
		<-ctx.Done()
		if err := client.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()
	if cfg.LoginIPMaxFailures <= 0 {
		return lockout.NewRedisLimiter(client, policy), nil
	}
	return lockout.NewRedisLimiter(client, policy), lockout.NewRedisLimiter(client, ipPolicy)
}
