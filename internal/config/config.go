package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/csai/reqguard/internal/nonce"
	"github.com/csai/reqguard/internal/reject"
	"github.com/csai/reqguard/internal/signature"
)

type Config struct {
	Server        ServerConfig    `yaml:"server" toml:"server"`
	Nonce         NonceConfig     `yaml:"nonce" toml:"nonce"`
	Signature     SignatureConfig `yaml:"signature" toml:"signature"`
	Store         StoreConfig     `yaml:"store" toml:"store"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Observability ObsConfig       `yaml:"observability" toml:"observability"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr" toml:"listen_addr"`
	Version             string `yaml:"version" toml:"version"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds" toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds" toml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"`
	MaxBodyBytes        int64  `yaml:"max_body_bytes" toml:"max_body_bytes"`
	TLSCertFile         string `yaml:"tls_cert_file" toml:"tls_cert_file"`
	TLSKeyFile          string `yaml:"tls_key_file" toml:"tls_key_file"`
}

type NonceConfig struct {
	TTLMs           int64 `yaml:"nonce_ttl_ms" toml:"nonce_ttl_ms"`
	ClockSkewMs     int64 `yaml:"clock_skew_ms" toml:"clock_skew_ms"`
	MaxSize         int   `yaml:"max_size" toml:"max_size"`
	StrictOrdering  bool  `yaml:"strict_ordering" toml:"strict_ordering"`
	NonceBytes      int   `yaml:"nonce_bytes" toml:"nonce_bytes"`
	MinLength       int   `yaml:"min_length" toml:"min_length"`
	MaxLength       int   `yaml:"max_length" toml:"max_length"`
	EvictIntervalMs int64 `yaml:"evict_interval_ms" toml:"evict_interval_ms"`
}

type SignatureConfig struct {
	Algorithm     string         `yaml:"algorithm" toml:"algorithm"`
	SecretKey     string         `yaml:"secret_key" toml:"secret_key"`
	SecretKeyFile string         `yaml:"secret_key_file" toml:"secret_key_file"`
	MaxAgeMs      int64          `yaml:"signature_max_age_ms" toml:"signature_max_age_ms"`
	Clients       []ClientConfig `yaml:"clients" toml:"clients"`
}

// ClientConfig preloads a client public key at startup. PublicKey is hex.
type ClientConfig struct {
	ID        string `yaml:"id" toml:"id"`
	Algorithm string `yaml:"algorithm" toml:"algorithm"`
	PublicKey string `yaml:"public_key" toml:"public_key"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend" toml:"backend"`
	BoltPath      string `yaml:"bolt_path" toml:"bolt_path"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" toml:"redis_prefix"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	GlobalRPS   float64 `yaml:"global_rps" toml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst" toml:"global_burst"`
	PerIPRPS    float64 `yaml:"per_ip_rps" toml:"per_ip_rps"`
	PerIPBurst  int     `yaml:"per_ip_burst" toml:"per_ip_burst"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	MetricsPath string `yaml:"metrics_path" toml:"metrics_path"`
	EnablePprof bool   `yaml:"enable_pprof" toml:"enable_pprof"`
}

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":9000",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  60,
			MaxBodyBytes:        1 << 20,
		},
		Nonce: NonceConfig{
			TTLMs:       nonce.DefaultTTL.Milliseconds(),
			ClockSkewMs: nonce.DefaultClockSkew.Milliseconds(),
			MaxSize:     nonce.DefaultMaxSize,
			NonceBytes:  nonce.DefaultNonceBytes,
			MinLength:   nonce.DefaultMinLength,
			MaxLength:   nonce.DefaultMaxLength,
		},
		Signature: SignatureConfig{
			Algorithm: string(signature.HMACSHA256),
			MaxAgeMs:  signature.DefaultMaxAge.Milliseconds(),
		},
		Store: StoreConfig{
			Backend:     BackendMemory,
			BoltPath:    "/var/lib/reqguard/nonces.db",
			RedisPrefix: "reqguard:nonce",
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalRPS:   100,
			GlobalBurst: 200,
			PerIPRPS:    20,
			PerIPBurst:  40,
		},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("REQGUARD_CONFIG_FILE")
	if configFile != "" {
		if err := loadFile(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if err := loadSecretFile(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return reject.Configf("read config file: %v", err)
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".toml":
		if _, err := toml.Decode(string(b), cfg); err != nil {
			return reject.Configf("parse config toml: %v", err)
		}
	default:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return reject.Configf("parse config yaml: %v", err)
		}
	}
	return nil
}

func loadSecretFile(cfg *Config) error {
	if cfg.Signature.SecretKey != "" || cfg.Signature.SecretKeyFile == "" {
		return nil
	}
	b, err := os.ReadFile(cfg.Signature.SecretKeyFile)
	if err != nil {
		return reject.Configf("read secret key file: %v", err)
	}
	cfg.Signature.SecretKey = strings.TrimSpace(string(b))
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "REQGUARD_LISTEN_ADDR")
	setString(&cfg.Server.Version, "REQGUARD_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "REQGUARD_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "REQGUARD_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "REQGUARD_IDLE_TIMEOUT_SECONDS")
	setInt64(&cfg.Server.MaxBodyBytes, "REQGUARD_MAX_BODY_BYTES")
	setString(&cfg.Server.TLSCertFile, "REQGUARD_TLS_CERT_FILE")
	setString(&cfg.Server.TLSKeyFile, "REQGUARD_TLS_KEY_FILE")

	setInt64(&cfg.Nonce.TTLMs, "REQGUARD_NONCE_TTL_MS")
	setInt64(&cfg.Nonce.ClockSkewMs, "REQGUARD_CLOCK_SKEW_MS")
	setInt(&cfg.Nonce.MaxSize, "REQGUARD_NONCE_MAX_SIZE")
	setBool(&cfg.Nonce.StrictOrdering, "REQGUARD_STRICT_ORDERING")
	setInt(&cfg.Nonce.NonceBytes, "REQGUARD_NONCE_BYTES")
	setInt(&cfg.Nonce.MinLength, "REQGUARD_NONCE_MIN_LENGTH")
	setInt(&cfg.Nonce.MaxLength, "REQGUARD_NONCE_MAX_LENGTH")
	setInt64(&cfg.Nonce.EvictIntervalMs, "REQGUARD_EVICT_INTERVAL_MS")

	setString(&cfg.Signature.Algorithm, "REQGUARD_ALGORITHM")
	setString(&cfg.Signature.SecretKey, "REQGUARD_SECRET_KEY")
	setString(&cfg.Signature.SecretKeyFile, "REQGUARD_SECRET_KEY_FILE")
	setInt64(&cfg.Signature.MaxAgeMs, "REQGUARD_SIGNATURE_MAX_AGE_MS")

	setString(&cfg.Store.Backend, "REQGUARD_STORE_BACKEND")
	setString(&cfg.Store.BoltPath, "REQGUARD_BOLT_PATH")
	setString(&cfg.Store.RedisAddr, "REQGUARD_REDIS_ADDR")
	setString(&cfg.Store.RedisPassword, "REQGUARD_REDIS_PASSWORD")
	setInt(&cfg.Store.RedisDB, "REQGUARD_REDIS_DB")
	setString(&cfg.Store.RedisPrefix, "REQGUARD_REDIS_PREFIX")

	setBool(&cfg.RateLimit.Enabled, "REQGUARD_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "REQGUARD_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "REQGUARD_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerIPRPS, "REQGUARD_RATE_LIMIT_PER_IP_RPS")
	setInt(&cfg.RateLimit.PerIPBurst, "REQGUARD_RATE_LIMIT_PER_IP_BURST")

	setString(&cfg.Observability.LogLevel, "REQGUARD_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "REQGUARD_METRICS_PATH")
	setBool(&cfg.Observability.EnablePprof, "REQGUARD_ENABLE_PPROF")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return reject.Configf("listen addr is required")
	}
	if (cfg.Server.TLSCertFile == "") != (cfg.Server.TLSKeyFile == "") {
		return reject.Configf("tls cert and key must be set together")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return reject.Configf("max body bytes must be > 0")
	}
	if cfg.Nonce.TTLMs <= 0 {
		return reject.Configf("nonce ttl must be > 0")
	}
	if cfg.Nonce.ClockSkewMs < 0 {
		return reject.Configf("clock skew must be >= 0")
	}
	if cfg.Signature.MaxAgeMs <= 0 {
		return reject.Configf("signature max age must be > 0")
	}
	if cfg.Signature.MaxAgeMs > cfg.Nonce.TTLMs {
		// A signature that outlives its nonce record could be replayed
		// after eviction.
		return reject.Configf("signature max age cannot exceed nonce ttl")
	}
	alg, err := signature.ParseAlgorithm(cfg.Signature.Algorithm)
	if err != nil {
		return reject.Configf("signature algorithm: %v", err)
	}
	if !alg.Symmetric() {
		return reject.Configf("server algorithm must be an hmac variant: %s", alg)
	}
	if cfg.Signature.SecretKey == "" {
		return reject.Configf("REQGUARD_SECRET_KEY is required")
	}
	if len(cfg.Signature.SecretKey) < signature.MinSecretBytes {
		return reject.Configf("secret key must be at least %d bytes", signature.MinSecretBytes)
	}
	for i, c := range cfg.Signature.Clients {
		if c.ID == "" {
			return reject.Configf("client %d: id is required", i)
		}
		if _, err := signature.ParseAlgorithm(c.Algorithm); err != nil {
			return reject.Configf("client %s: %v", c.ID, err)
		}
		if _, err := hex.DecodeString(c.PublicKey); err != nil {
			return reject.Configf("client %s: public key is not hex", c.ID)
		}
	}
	switch strings.ToLower(cfg.Store.Backend) {
	case BackendMemory:
	case BackendBolt:
		if cfg.Store.BoltPath == "" {
			return reject.Configf("bolt path is required for the bolt backend")
		}
	case BackendRedis:
		if cfg.Store.RedisAddr == "" {
			return reject.Configf("REQGUARD_REDIS_ADDR is required for the redis backend")
		}
	default:
		return reject.Configf("invalid store backend: %s", cfg.Store.Backend)
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return reject.Configf("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerIPRPS <= 0 || cfg.RateLimit.PerIPBurst <= 0 {
			return reject.Configf("per-ip rate limit values must be > 0")
		}
	}
	return nil
}

// LedgerConfig converts the nonce section. The redis backend expires
// records natively, so the size bound is lifted there.
func (c Config) LedgerConfig() nonce.Config {
	out := nonce.Config{
		TTL:            time.Duration(c.Nonce.TTLMs) * time.Millisecond,
		ClockSkew:      time.Duration(c.Nonce.ClockSkewMs) * time.Millisecond,
		MaxSize:        c.Nonce.MaxSize,
		StrictOrdering: c.Nonce.StrictOrdering,
		NonceBytes:     c.Nonce.NonceBytes,
		MinLength:      c.Nonce.MinLength,
		MaxLength:      c.Nonce.MaxLength,
		EvictInterval:  time.Duration(c.Nonce.EvictIntervalMs) * time.Millisecond,
	}
	if strings.EqualFold(c.Store.Backend, BackendRedis) {
		out.MaxSize = -1
	}
	return out
}

func (c Config) SignerConfig() signature.Config {
	alg, _ := signature.ParseAlgorithm(c.Signature.Algorithm)
	return signature.Config{
		Algorithm: alg,
		SecretKey: []byte(c.Signature.SecretKey),
		MaxAge:    time.Duration(c.Signature.MaxAgeMs) * time.Millisecond,
		ClockSkew: time.Duration(c.Nonce.ClockSkewMs) * time.Millisecond,
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
