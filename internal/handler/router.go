package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"key-vault-service/internal/middleware"
	"key-vault-service/pkg/httputil"
)

// HealthChecker は依存先の疎通を確認する。
type HealthChecker func(ctx context.Context) error

// RouterConfig はルーターの構成要素。
type RouterConfig struct {
	Keys        *KeyHandler
	Crypto      *CryptoHandler
	Audit       *AuditHandler
	Metrics     middleware.HTTPRecorder
	MetricsPage http.Handler
	Health      HealthChecker
	ServiceName string
	Tracing     bool
}

// NewRouter はルーターを生成する。
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if cfg.Tracing {
		r.Use(middleware.Tracing(cfg.ServiceName))
	}
	r.Use(middleware.RequestLogger)
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", healthz(cfg.Health))
	if cfg.MetricsPage != nil {
		r.Handle("/metrics", cfg.MetricsPage)
	}

	// ルート定義
	r.Route("/v1/tenants/{tenant_id}", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/", cfg.Keys.CreateKey)
			r.Get("/", cfg.Keys.ListKeys)
			r.Post("/{key_id}/rotate", cfg.Keys.RotateKey)
			r.Post("/{key_id}/revoke", cfg.Keys.RevokeKey)
			r.Post("/{key_id}/reset-attempts", cfg.Keys.ResetAttempts)
		})

		r.Post("/encrypt", cfg.Crypto.Encrypt)
		r.Post("/decrypt", cfg.Crypto.Decrypt)
		r.Post("/hash", cfg.Crypto.Hash)
		r.Post("/hmac", cfg.Crypto.HMAC)
		r.Post("/hmac/verify", cfg.Crypto.VerifyHMAC)

		r.Get("/audit", cfg.Audit.QueryLog)
		r.Get("/audit/statistics", cfg.Audit.Statistics)
	})

	return r
}

func healthz(check HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				slog.WarnContext(ctx, "health check failed", "error", err)
				httputil.Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "service unavailable")
				return
			}
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
