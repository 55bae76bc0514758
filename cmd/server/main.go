// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"key-vault-service/config"
	"key-vault-service/internal/encryption"
	"key-vault-service/internal/handler"
	"key-vault-service/internal/infra"
	"key-vault-service/internal/metrics"
	"key-vault-service/internal/ratelimit"
	"key-vault-service/internal/repository"
	"key-vault-service/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel))
	slog.Info("configuration loaded", "config", cfg)

	// DB初期化
	db, err := infra.NewDB(cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("failed to get database handle", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	guard, closeGuard, err := newGuard(ctx, cfg)
	if err != nil {
		slog.Error("failed to init key guard", "backend", cfg.GuardBackend, "error", err)
		os.Exit(1)
	}
	defer closeGuard()

	engine, err := encryption.NewEngine(encryption.EngineConfig{
		MinRSAKeySize: cfg.MinRSAKeySize,
		MaxRSAKeySize: cfg.MaxRSAKeySize,
	})
	if err != nil {
		slog.Error("failed to init encryption engine", "error", err)
		os.Exit(1)
	}

	reg := metrics.NewRegistry()

	limiter, err := newLimiter(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to init rate limiter", "backend", cfg.RateLimitBackend, "error", err)
		os.Exit(1)
	}

	// DI
	keys := usecase.NewKeyService(
		repository.NewKeyRepository(db),
		guard,
		engine,
		usecase.NewKeyCache(cfg.KeyCacheSize, cfg.KeyCacheTTL),
		reg,
		usecase.KeyServiceConfig{
			RotationInterval:         cfg.KeyRotationInterval,
			BlockDecryptOnExpiredKey: cfg.BlockDecryptOnExpiredKey,
		},
	)
	vault := usecase.NewVaultService(keys, repository.NewRecordRepository(db), engine, usecase.VaultConfig{
		MaxPayloadBytes: int64(cfg.MaxPayloadBytes),
	})
	audit := usecase.NewAuditService(repository.NewAuditRepository(db), reg, cfg.AuditWriteTimeout)
	coord := usecase.NewCoordinator(keys, vault, audit, engine, limiter, reg, infra.Tracer(), usecase.CoordinatorConfig{
		OperationTimeout:      cfg.OperationTimeout,
		MaxEncryptionAttempts: cfg.MaxEncryptionAttempts,
		MaxPayloadBytes:       int64(cfg.MaxPayloadBytes),
	})

	router := handler.NewRouter(handler.RouterConfig{
		Keys:        handler.NewKeyHandler(coord),
		Crypto:      handler.NewCryptoHandler(coord, int64(cfg.MaxPayloadBytes)),
		Audit:       handler.NewAuditHandler(coord),
		Metrics:     reg,
		MetricsPage: reg.Handler(),
		Health:      sqlDB.PingContext,
		ServiceName: cfg.OtelServiceName,
		Tracing:     cfg.OtelEnabled,
	})

	// 期限切れ鍵の掃除
	go usecase.NewKeySweeper(keys, cfg.SweepInterval).Run(ctx)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// newGuard は設定に応じて鍵素材の保護バックエンドを生成する。
func newGuard(ctx context.Context, cfg *config.Config) (usecase.MaterialGuard, func(), error) {
	if cfg.GuardBackend == config.GuardBackendKMS {
		client, err := infra.NewKMSClient(ctx, cfg.KMSKeyName, cfg.KMSMaxQPS)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {
			if err := client.Close(); err != nil {
				slog.Error("failed to close KMS client", "error", err)
			}
		}, nil
	}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, nil, err
	}
	guard, err := infra.NewLocalGuard(masterKey)
	if err != nil {
		return nil, nil, err
	}
	return guard, func() {}, nil
}

// newLimiter はテナント・操作クラスごとのレート制限を生成する。
func newLimiter(ctx context.Context, cfg *config.Config, reg *metrics.Registry) (*ratelimit.Limiter, error) {
	var store ratelimit.Store
	switch cfg.RateLimitBackend {
	case config.RateLimitBackendRedis:
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store = ratelimit.NewRedisStore(client)
	default:
		mem := ratelimit.NewMemoryStore()
		go mem.RunCleanup(ctx, cfg.RateLimitWindow)
		store = mem
	}

	limiter, err := ratelimit.NewLimiter(store, map[ratelimit.Class]ratelimit.Config{
		ratelimit.ClassKeyManagement: {RequestsPerWindow: cfg.KeyManagementLimit, WindowDuration: cfg.RateLimitWindow},
		ratelimit.ClassCrypto:        {RequestsPerWindow: cfg.CryptoLimit, WindowDuration: cfg.RateLimitWindow},
		ratelimit.ClassGeneric:       {RequestsPerWindow: cfg.GenericLimit, WindowDuration: cfg.RateLimitWindow},
	})
	if err != nil {
		return nil, err
	}
	limiter.OnDeny(func(tenantID string, class ratelimit.Class) {
		reg.RecordRateLimited(string(class))
	})
	return limiter, nil
}
