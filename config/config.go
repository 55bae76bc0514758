// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// 鍵保護のバックエンド。
const (
	GuardBackendLocal = "local"
	GuardBackendKMS   = "kms"
)

// レート制限ストアのバックエンド。
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// OTLPエクスポーターのプロトコル。
const (
	OtelExporterGRPC = "grpc"
	OtelExporterHTTP = "http"
)

// MinMasterKeyBytes はマスターキーの最小長。
const MinMasterKeyBytes = 32

const (
	DefaultPort                  = "8080"
	DefaultLogLevel              = "INFO"
	DefaultOtelServiceName       = "key-vault-service"
	DefaultOtelSamplingRate      = 1.0
	DefaultMinRSAKeySize         = 1024
	DefaultMaxRSAKeySize         = 4096
	DefaultKeyRotationInterval   = 90 * 24 * time.Hour
	DefaultMaxPayloadBytes       = 10 * 1024 * 1024
	DefaultOperationTimeout      = 30 * time.Second
	DefaultMaxEncryptionAttempts = 5
	DefaultSweepInterval         = 5 * time.Minute
	DefaultKeyCacheSize          = 1024
	DefaultKeyCacheTTL           = 5 * time.Minute
	DefaultRateLimitWindow       = time.Minute
	DefaultKeyManagementLimit    = 60
	DefaultCryptoLimit           = 600
	DefaultGenericLimit          = 1200
	DefaultAuditWriteTimeout     = 5 * time.Second
)

// 設定検証エラー。
var (
	ErrMissingDatabaseURL   = errors.New("DATABASE_URL is required")
	ErrMissingMasterKey     = errors.New("MASTER_KEY is required when GUARD_BACKEND=local")
	ErrInvalidMasterKey     = errors.New("MASTER_KEY must be base64 or hex encoded and at least 32 bytes")
	ErrMissingKMSKeyName    = errors.New("KMS_KEY_NAME is required when GUARD_BACKEND=kms")
	ErrInvalidGuardBackend  = errors.New("GUARD_BACKEND must be local or kms")
	ErrInvalidRSAKeyBounds  = errors.New("RSA key size bounds are invalid")
	ErrInvalidRateLimit     = errors.New("rate limit settings are invalid")
	ErrMissingRedisURL      = errors.New("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
	ErrInvalidRateBackend   = errors.New("RATE_LIMIT_BACKEND must be memory or redis")
	ErrInvalidPositiveValue = errors.New("value must be positive")
	ErrInvalidOtelExporter  = errors.New("OTEL_EXPORTER must be grpc or http")
	ErrInvalidSamplingRate  = errors.New("OTEL_SAMPLING_RATE must be between 0 and 1")
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	GoogleCloudProject string
	LogLevel           string

	// OpenTelemetry
	OtelEnabled      bool
	OtelExporter     string
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64

	// 鍵素材の保護
	GuardBackend string
	KMSKeyName   string
	KMSMaxQPS    float64
	MasterKey    string

	// 鍵ポリシー
	MinRSAKeySize       int
	MaxRSAKeySize       int
	KeyRotationInterval time.Duration
	// BlockDecryptOnExpiredKey は期限切れ鍵での復号を拒否するかどうか。
	// 期限切れ鍵は復号を止めるという記述と、失効済みの鍵と同じく復号だけは許すという記述が食い違っている。
	// 既定のfalseは後者に従い、ローテーション済みやソフト失効の鍵と同様に復号を許す。
	// trueにすると期限切れ鍵での復号はKEY_EXPIREDになる。暗号化は設定にかかわらず拒否する。
	BlockDecryptOnExpiredKey bool

	MaxPayloadBytes       int
	OperationTimeout      time.Duration
	MaxEncryptionAttempts int

	SweepInterval time.Duration
	KeyCacheSize  int
	KeyCacheTTL   time.Duration

	// レート制限
	RateLimitBackend   string
	RedisURL           string
	RateLimitWindow    time.Duration
	KeyManagementLimit int
	CryptoLimit        int
	GenericLimit       int

	AuditWriteTimeout time.Duration
}

// Load はYAMLファイル（任意）と環境変数から設定を読み込む。環境変数が優先される。
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	l := &loader{k: k}
	cfg := &Config{
		Port:               l.string("PORT", "port", DefaultPort),
		DatabaseURL:        l.string("DATABASE_URL", "database_url", ""),
		GoogleCloudProject: l.string("GOOGLE_CLOUD_PROJECT", "google_cloud_project", ""),
		LogLevel:           l.string("LOG_LEVEL", "log_level", DefaultLogLevel),

		OtelEnabled:      l.bool("OTEL_ENABLED", "otel.enabled", false),
		OtelExporter:     strings.ToLower(l.string("OTEL_EXPORTER", "otel.exporter", OtelExporterGRPC)),
		OtelEndpoint:     l.string("OTEL_EXPORTER_OTLP_ENDPOINT", "otel.endpoint", ""),
		OtelInsecure:     l.bool("OTEL_EXPORTER_OTLP_INSECURE", "otel.insecure", false),
		OtelServiceName:  l.string("OTEL_SERVICE_NAME", "otel.service_name", DefaultOtelServiceName),
		OtelSamplingRate: l.float("OTEL_SAMPLING_RATE", "otel.sampling_rate", DefaultOtelSamplingRate),

		GuardBackend: strings.ToLower(l.string("GUARD_BACKEND", "guard.backend", GuardBackendLocal)),
		KMSKeyName:   l.string("KMS_KEY_NAME", "guard.kms_key_name", ""),
		KMSMaxQPS:    l.float("KMS_MAX_QPS", "guard.kms_max_qps", 0),
		MasterKey:    l.string("MASTER_KEY", "guard.master_key", ""),

		MinRSAKeySize:            l.int("MIN_RSA_KEY_SIZE", "keys.min_rsa_key_size", DefaultMinRSAKeySize),
		MaxRSAKeySize:            l.int("MAX_RSA_KEY_SIZE", "keys.max_rsa_key_size", DefaultMaxRSAKeySize),
		KeyRotationInterval:      l.duration("KEY_ROTATION_INTERVAL", "keys.rotation_interval", DefaultKeyRotationInterval),
		BlockDecryptOnExpiredKey: l.bool("BLOCK_DECRYPT_ON_EXPIRED_KEY", "keys.block_decrypt_on_expired", false),

		MaxPayloadBytes:       l.int("MAX_PAYLOAD_BYTES", "vault.max_payload_bytes", DefaultMaxPayloadBytes),
		OperationTimeout:      l.duration("OPERATION_TIMEOUT", "vault.operation_timeout", DefaultOperationTimeout),
		MaxEncryptionAttempts: l.int("MAX_ENCRYPTION_ATTEMPTS", "vault.max_encryption_attempts", DefaultMaxEncryptionAttempts),

		SweepInterval: l.duration("SWEEP_INTERVAL", "keys.sweep_interval", DefaultSweepInterval),
		KeyCacheSize:  l.int("KEY_CACHE_SIZE", "keys.cache_size", DefaultKeyCacheSize),
		KeyCacheTTL:   l.duration("KEY_CACHE_TTL", "keys.cache_ttl", DefaultKeyCacheTTL),

		RateLimitBackend:   strings.ToLower(l.string("RATE_LIMIT_BACKEND", "rate_limit.backend", RateLimitBackendMemory)),
		RedisURL:           l.string("REDIS_URL", "rate_limit.redis_url", ""),
		RateLimitWindow:    l.duration("RATE_LIMIT_WINDOW", "rate_limit.window", DefaultRateLimitWindow),
		KeyManagementLimit: l.int("RATE_LIMIT_KEY_MANAGEMENT", "rate_limit.key_management", DefaultKeyManagementLimit),
		CryptoLimit:        l.int("RATE_LIMIT_CRYPTO", "rate_limit.crypto", DefaultCryptoLimit),
		GenericLimit:       l.int("RATE_LIMIT_GENERIC", "rate_limit.generic", DefaultGenericLimit),

		AuditWriteTimeout: l.duration("AUDIT_WRITE_TIMEOUT", "audit.write_timeout", DefaultAuditWriteTimeout),
	}

	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	switch c.GuardBackend {
	case GuardBackendLocal:
		if c.MasterKey == "" {
			errs = append(errs, ErrMissingMasterKey)
		} else if key, err := c.MasterKeyBytes(); err != nil {
			errs = append(errs, err)
		} else {
			clear(key)
		}
	case GuardBackendKMS:
		if c.KMSKeyName == "" {
			errs = append(errs, ErrMissingKMSKeyName)
		}
		if c.KMSMaxQPS < 0 {
			errs = append(errs, fmt.Errorf("KMS_MAX_QPS: %w", ErrInvalidPositiveValue))
		}
	default:
		errs = append(errs, ErrInvalidGuardBackend)
	}

	if c.OtelEnabled {
		if c.OtelExporter != OtelExporterGRPC && c.OtelExporter != OtelExporterHTTP {
			errs = append(errs, ErrInvalidOtelExporter)
		}
		if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
			errs = append(errs, ErrInvalidSamplingRate)
		}
	}

	if c.MinRSAKeySize <= 0 || c.MaxRSAKeySize < c.MinRSAKeySize {
		errs = append(errs, fmt.Errorf("%w: min=%d max=%d", ErrInvalidRSAKeyBounds, c.MinRSAKeySize, c.MaxRSAKeySize))
	}

	positive := map[string]int64{
		"KEY_ROTATION_INTERVAL":   int64(c.KeyRotationInterval),
		"MAX_PAYLOAD_BYTES":       int64(c.MaxPayloadBytes),
		"OPERATION_TIMEOUT":       int64(c.OperationTimeout),
		"MAX_ENCRYPTION_ATTEMPTS": int64(c.MaxEncryptionAttempts),
		"SWEEP_INTERVAL":          int64(c.SweepInterval),
		"KEY_CACHE_SIZE":          int64(c.KeyCacheSize),
		"KEY_CACHE_TTL":           int64(c.KeyCacheTTL),
		"AUDIT_WRITE_TIMEOUT":     int64(c.AuditWriteTimeout),
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrInvalidPositiveValue))
		}
	}

	if c.RateLimitWindow <= 0 || c.KeyManagementLimit <= 0 || c.CryptoLimit <= 0 || c.GenericLimit <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	switch c.RateLimitBackend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, ErrMissingRedisURL)
		}
	default:
		errs = append(errs, ErrInvalidRateBackend)
	}

	return errors.Join(errs...)
}

// MasterKeyBytes はbase64またはhexでエンコードされたマスターキーをデコードする。
// 呼び出し側は使用後にゼロクリアすること。
func (c *Config) MasterKeyBytes() ([]byte, error) {
	s := strings.TrimSpace(c.MasterKey)
	if s == "" {
		return nil, ErrMissingMasterKey
	}

	var decoded []byte
	if b, err := hex.DecodeString(s); err == nil {
		decoded = b
	} else if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		decoded = b
	} else if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		decoded = b
	} else {
		return nil, ErrInvalidMasterKey
	}

	if len(decoded) < MinMasterKeyBytes {
		clear(decoded)
		return nil, ErrInvalidMasterKey
	}
	return decoded, nil
}

// LogValue は秘密情報を伏せた設定をslogに渡す。
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("port", c.Port),
		slog.String("database_url", maskDatabaseURL(c.DatabaseURL)),
		slog.String("log_level", c.LogLevel),
		slog.Bool("otel_enabled", c.OtelEnabled),
		slog.String("otel_exporter", c.OtelExporter),
		slog.String("guard_backend", c.GuardBackend),
		slog.String("kms_key_name", c.KMSKeyName),
		slog.Float64("kms_max_qps", c.KMSMaxQPS),
		slog.Bool("master_key_set", c.MasterKey != ""),
		slog.Int("min_rsa_key_size", c.MinRSAKeySize),
		slog.Int("max_rsa_key_size", c.MaxRSAKeySize),
		slog.Duration("key_rotation_interval", c.KeyRotationInterval),
		slog.Bool("block_decrypt_on_expired_key", c.BlockDecryptOnExpiredKey),
		slog.Int("max_payload_bytes", c.MaxPayloadBytes),
		slog.Duration("operation_timeout", c.OperationTimeout),
		slog.Int("max_encryption_attempts", c.MaxEncryptionAttempts),
		slog.String("rate_limit_backend", c.RateLimitBackend),
		slog.String("redis_url", maskDatabaseURL(c.RedisURL)),
	)
}

// loader は環境変数・設定ファイル・デフォルト値の順に値を解決する。
type loader struct {
	k    *koanf.Koanf
	errs []error
}

func (l *loader) raw(envKey, koanfKey string) (string, bool) {
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}
	if l.k.Exists(koanfKey) {
		return l.k.String(koanfKey), true
	}
	return "", false
}

func (l *loader) string(envKey, koanfKey, def string) string {
	if v, ok := l.raw(envKey, koanfKey); ok && v != "" {
		return v
	}
	return def
}

func (l *loader) int(envKey, koanfKey string, def int) int {
	v, ok := l.raw(envKey, koanfKey)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s must be an integer: %w", envKey, err))
		return def
	}
	return i
}

func (l *loader) float(envKey, koanfKey string, def float64) float64 {
	v, ok := l.raw(envKey, koanfKey)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s must be a number: %w", envKey, err))
		return def
	}
	return f
}

func (l *loader) bool(envKey, koanfKey string, def bool) bool {
	v, ok := l.raw(envKey, koanfKey)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		l.errs = append(l.errs, fmt.Errorf("%s must be a boolean, got %q", envKey, v))
		return def
	}
}

// duration はGoの期間表記に加えて日数表記（例: 90d）を受け付ける。
func (l *loader) duration(envKey, koanfKey string, def time.Duration) time.Duration {
	v, ok := l.raw(envKey, koanfKey)
	if !ok {
		return def
	}
	d, err := parseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s must be a duration: %w", envKey, err))
		return def
	}
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// maskDatabaseURL は接続文字列のパスワード部分を伏せる。
func maskDatabaseURL(s string) string {
	if s == "" {
		return ""
	}
	schemeEnd := strings.Index(s, "://")
	rest := s
	if schemeEnd >= 0 {
		rest = s[schemeEnd+3:]
	}
	at := strings.LastIndex(rest, "@")
	if at == -1 {
		return s
	}
	colon := strings.Index(rest[:at], ":")
	if colon == -1 {
		return s
	}
	prefix := s[:len(s)-len(rest)]
	return prefix + rest[:colon] + ":****" + rest[at:]
}
