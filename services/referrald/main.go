package referrald

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cgdao/gateway/middleware"
	"cgdao/native/referral"
	"cgdao/observability"
	"cgdao/observability/logging"
	telemetry "cgdao/observability/otel"
	"cgdao/services/referrald/cache"
	"cgdao/services/referrald/storage"
	"cgdao/services/referrald/wallet"
)

// Main initialises and runs the referral daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/referrald/config.yaml", "path to referrald configuration (.yaml or .toml)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CGDAO_ENV"))
	logger := logging.Setup("referrald", env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("referrald", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Environment != "" {
		env = cfg.Environment
	}

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var (
		balances cache.BalanceCache
		pending  cache.PendingLedger
	)
	if cfg.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		balances = cache.NewRedisBalanceCache(client, cfg.Redis.Prefix)
		pending = cache.NewRedisPendingLedger(client, cfg.Redis.Prefix)
	} else {
		logger.Warn("redis not configured; treasury snapshots and reservations are process local")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	evm, err := wallet.DialEVMClient(ctx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial evm: %w", err)
	}
	defer evm.Close()
	distributor, err := wallet.NewERC20Wallet(evm, wallet.ERC20Config{
		Token:         cfg.Chain.Token,
		ChainID:       big.NewInt(cfg.Chain.ChainID),
		PrivateKeyHex: cfg.Chain.Key,
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval.Duration,
		GasLimit:      cfg.Chain.GasLimit,
	})
	if err != nil {
		return fmt.Errorf("init distributor wallet: %w", err)
	}

	schedule, err := cfg.Schedule.Build()
	if err != nil {
		return fmt.Errorf("build schedule: %w", err)
	}
	poolCap, err := cfg.Treasury.Cap()
	if err != nil {
		return err
	}

	metrics := observability.Referral()
	treasury := NewTreasuryGate(distributor, store, TreasuryOptions{
		PoolCap:        poolCap,
		BalanceTTL:     cfg.Treasury.BalanceTTL.Duration,
		ReservationTTL: cfg.Treasury.ReservationTTL.Duration,
		Balances:       balances,
		Pending:        pending,
		Metrics:        metrics,
		Logger:         logger,
	})
	tracker := NewTracker(store, TrackerOptions{
		CodePrefix:   cfg.Tracking.CodePrefix,
		CookieWindow: cfg.Tracking.CookieWindow.Duration,
		Hasher:       NewIPHasher(cfg.Tracking.IPSalt),
		Metrics:      observability.Tracking(),
		Logger:       logger,
	})
	executor, err := NewExecutor(store, treasury, schedule,
		WithWallet(distributor),
		WithRegistrar(tracker),
		WithMetrics(metrics),
		WithLogger(logger),
		WithTransferTimeout(cfg.Distribution.TransferTimeout.Duration),
		WithClaimTTL(cfg.Distribution.ClaimTTL.Duration),
	)
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	if cfg.PauseOnStart {
		executor.Pause()
	}

	server := NewServer(ServerConfig{
		Executor: executor,
		Tracker:  tracker,
		Treasury: treasury,
		Store:    store,
		Auth: middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.Ops.JWTSecret,
			Issuer:     cfg.Ops.Issuer,
			Audience:   cfg.Ops.Audience,
		},
		OpsScope: cfg.Ops.Scope,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.HTTP.AllowedOrigins,
			AllowCredentials: len(cfg.HTTP.AllowedOrigins) > 0,
		},
		RateLimits:  rateLimits(cfg.HTTP.RateLimits),
		Cookies:     CookieConfig{Domain: cfg.Tracking.CookieDomain, Secure: cfg.Tracking.CookieSecure},
		LogRequests: cfg.HTTP.LogRequests,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Distribution.TransferTimeout.Duration*time.Duration(referral.MaxLevels+1) + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("referrald listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("distributor", distributor.Address()),
			slog.String("env", env))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func rateLimits(in map[string]RateLimit) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(in))
	for route, limit := range in {
		out[route] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	return out
}
