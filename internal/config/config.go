package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the bridge server
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
	Proxy     ProxyConfig
	Metrics   MetricsConfig
	Chain     ChainConfig
	Relay     RelayConfig
	Indexer   IndexerConfig
	Badges    BadgesConfig
	Content   ContentConfig
	Cache     CacheConfig
	Retry     RetryConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	IdleTimeout    int // seconds
	RequestTimeout int // seconds
}

// StorageConfig holds ledger storage configuration
type StorageConfig struct {
	Type     string // "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// RateLimitConfig holds per-client rate limiting settings
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	WritesPerMin   int // POST routes; 0 disables the separate write budget
	MaxClients     int
	IdleMinutes    int
}

// ProxyConfig controls whether X-Forwarded-For / X-Real-IP are honoured
type ProxyConfig struct {
	TrustProxy bool
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled     bool
	ServiceName string
}

// ChainConfig describes the network and the two contracts the bridge talks to
type ChainConfig struct {
	RPCURL             string
	ChainID            int64
	RegistryAddress    string
	BadgeAddress       string
	ABIManifest        string
	RegistryABIVersion string
	BadgeABIVersion    string
	MaxMembersCap      uint64
	VerifyDeployment   bool
	CallTimeout        time.Duration
}

// RelayConfig holds the smart-account relay settings
type RelayConfig struct {
	BundlerURL     string
	EntryPoint     string
	SmartAccount   string
	SignerKey      string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	NotFoundGrace  time.Duration
	MaxResubmits   int
	SendAttempts   int
}

// IndexerConfig holds the indexing API client settings
type IndexerConfig struct {
	Endpoint          string
	APIKey            string
	IPFSGateway       string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	DiscoveryAttempts int
}

// BadgesConfig holds badge pipeline settings
type BadgesConfig struct {
	Concurrency      int
	PlaceholderImage string
	ProbeImages      bool
	ProbeTimeout     time.Duration
}

// ContentConfig holds the proposal content store settings
type ContentConfig struct {
	Store         string // "pinata", "s3" or "memory"
	MaxBytes      int
	PinataJWT     string
	PinataAPIURL  string
	PinataGateway string
	S3            S3Config
}

// S3Config holds S3-compatible bucket settings
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Prefix    string
}

// CacheConfig holds metadata cache settings
type CacheConfig struct {
	Type     string // "memory" or "redis"
	RedisURL string
	TTL      time.Duration
	Size     int
}

// RetryConfig holds the default network retry policy
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("PORT", 8080),
			Host:           getEnv("HOST", "0.0.0.0"),
			ReadTimeout:    getEnvInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:   getEnvInt("SERVER_WRITE_TIMEOUT", 120),
			IdleTimeout:    getEnvInt("SERVER_IDLE_TIMEOUT", 120),
			RequestTimeout: getEnvInt("SERVER_REQUEST_TIMEOUT", 90),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "sqlite"),
			Postgres: PostgresConfig{
				URL: getEnv("DATABASE_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "./data/campusbridge.db"),
			},
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMin: getEnvInt("RATE_LIMIT_RPM", 300),
			BurstSize:      getEnvInt("RATE_LIMIT_BURST", 50),
			WritesPerMin:   getEnvInt("RATE_LIMIT_WRITE_RPM", 30),
			MaxClients:     getEnvInt("RATE_LIMIT_MAX_CLIENTS", 10000),
			IdleMinutes:    getEnvInt("RATE_LIMIT_CLEANUP_MINUTES", 10),
		},
		Proxy: ProxyConfig{
			TrustProxy: getEnvBool("TRUST_PROXY", false),
		},
		Metrics: MetricsConfig{
			Enabled:     getEnvBool("METRICS_ENABLED", true),
			ServiceName: getEnv("METRICS_SERVICE_NAME", "campusbridge"),
		},
		Chain: ChainConfig{
			RPCURL:             getEnv("CHAIN_RPC_URL", ""),
			ChainID:            getEnvInt64("CHAIN_ID", 0),
			RegistryAddress:    getEnv("REGISTRY_ADDRESS", ""),
			BadgeAddress:       getEnv("BADGE_ADDRESS", ""),
			ABIManifest:        getEnv("ABI_MANIFEST", ""),
			RegistryABIVersion: getEnv("REGISTRY_ABI_VERSION", ""),
			BadgeABIVersion:    getEnv("BADGE_ABI_VERSION", ""),
			MaxMembersCap:      uint64(getEnvInt("MAX_MEMBERS_CAP", 100)),
			VerifyDeployment:   getEnvBool("CHAIN_VERIFY_DEPLOYMENT", true),
			CallTimeout:        getEnvDuration("CHAIN_CALL_TIMEOUT", 10*time.Second),
		},
		Relay: RelayConfig{
			BundlerURL:     getEnv("BUNDLER_URL", ""),
			EntryPoint:     getEnv("ENTRYPOINT_ADDRESS", "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
			SmartAccount:   getEnv("SMART_ACCOUNT_ADDRESS", ""),
			SignerKey:      getEnv("SIGNER_KEY", ""),
			PollInterval:   getEnvDuration("RELAY_POLL_INTERVAL", 2*time.Second),
			ConfirmTimeout: getEnvDuration("RELAY_CONFIRM_TIMEOUT", 2*time.Minute),
			NotFoundGrace:  getEnvDuration("RELAY_NOT_FOUND_GRACE", 20*time.Second),
			MaxResubmits:   getEnvInt("RELAY_MAX_RESUBMITS", 1),
			SendAttempts:   getEnvInt("RELAY_SEND_ATTEMPTS", 3),
		},
		Indexer: IndexerConfig{
			Endpoint:          getEnv("INDEXER_ENDPOINT", ""),
			APIKey:            getEnv("INDEXER_API_KEY", ""),
			IPFSGateway:       getEnv("IPFS_GATEWAY", "https://ipfs.io"),
			RequestsPerSecond: getEnvFloat("INDEXER_RPS", 5),
			Burst:             getEnvInt("INDEXER_BURST", 5),
			Timeout:           getEnvDuration("INDEXER_TIMEOUT", 10*time.Second),
			DiscoveryAttempts: getEnvInt("INDEXER_DISCOVERY_ATTEMPTS", 5),
		},
		Badges: BadgesConfig{
			Concurrency:      getEnvInt("BADGE_CONCURRENCY", 4),
			PlaceholderImage: getEnv("BADGE_PLACEHOLDER_IMAGE", "https://via.placeholder.com/500"),
			ProbeImages:      getEnvBool("BADGE_PROBE_IMAGES", false),
			ProbeTimeout:     getEnvDuration("BADGE_PROBE_TIMEOUT", 3*time.Second),
		},
		Content: ContentConfig{
			Store:         getEnv("CONTENT_STORE", "memory"),
			MaxBytes:      getEnvInt("CONTENT_MAX_BYTES", 1<<20),
			PinataJWT:     getEnv("PINATA_JWT", ""),
			PinataAPIURL:  getEnv("PINATA_API_URL", "https://api.pinata.cloud"),
			PinataGateway: getEnv("PINATA_GATEWAY", "https://gateway.pinata.cloud"),
			S3: S3Config{
				Endpoint:  getEnv("S3_ENDPOINT", ""),
				Bucket:    getEnv("S3_BUCKET", "campusbridge-proposals"),
				AccessKey: getEnv("S3_ACCESS_KEY", ""),
				SecretKey: getEnv("S3_SECRET_KEY", ""),
				Region:    getEnv("S3_REGION", "us-east-1"),
				UseSSL:    getEnvBool("S3_USE_SSL", true),
				Prefix:    getEnv("S3_PREFIX", "proposals/"),
			},
		},
		Cache: CacheConfig{
			Type:     getEnv("CACHE_TYPE", "memory"),
			RedisURL: getEnv("REDIS_URL", ""),
			TTL:      getEnvDuration("CACHE_TTL", time.Hour),
			Size:     getEnvInt("CACHE_SIZE", 4096),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			InitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", 250*time.Millisecond),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
		},
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "sqlite" {
		cfg.Storage.Type = "postgres"
	}

	// A configured REDIS_URL switches the cache unless told otherwise
	if cfg.Cache.RedisURL != "" && os.Getenv("CACHE_TYPE") == "" {
		cfg.Cache.Type = "redis"
	}

	return cfg, nil
}

// Validate reports every missing or inconsistent required value at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	require("CHAIN_RPC_URL", c.Chain.RPCURL)
	require("REGISTRY_ADDRESS", c.Chain.RegistryAddress)
	require("BADGE_ADDRESS", c.Chain.BadgeAddress)
	require("BUNDLER_URL", c.Relay.BundlerURL)
	require("ENTRYPOINT_ADDRESS", c.Relay.EntryPoint)
	require("SMART_ACCOUNT_ADDRESS", c.Relay.SmartAccount)
	require("SIGNER_KEY", c.Relay.SignerKey)
	require("INDEXER_ENDPOINT", c.Indexer.Endpoint)

	switch c.Storage.Type {
	case "sqlite":
		require("SQLITE_PATH", c.Storage.SQLite.Path)
	case "postgres":
		require("DATABASE_URL", c.Storage.Postgres.URL)
	default:
		errs = append(errs, fmt.Errorf("STORAGE_TYPE %q is not sqlite or postgres", c.Storage.Type))
	}

	switch c.Content.Store {
	case "memory":
	case "pinata":
		require("PINATA_JWT", c.Content.PinataJWT)
	case "s3":
		require("S3_ENDPOINT", c.Content.S3.Endpoint)
		require("S3_BUCKET", c.Content.S3.Bucket)
	default:
		errs = append(errs, fmt.Errorf("CONTENT_STORE %q is not pinata, s3 or memory", c.Content.Store))
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		require("REDIS_URL", c.Cache.RedisURL)
	default:
		errs = append(errs, fmt.Errorf("CACHE_TYPE %q is not memory or redis", c.Cache.Type))
	}

	if c.Content.MaxBytes <= 0 {
		errs = append(errs, errors.New("CONTENT_MAX_BYTES must be positive"))
	}
	if c.Badges.Concurrency <= 0 {
		errs = append(errs, errors.New("BADGE_CONCURRENCY must be positive"))
	}
	if c.Relay.PollInterval <= 0 || c.Relay.ConfirmTimeout < c.Relay.PollInterval {
		errs = append(errs, errors.New("RELAY_CONFIRM_TIMEOUT must be at least RELAY_POLL_INTERVAL"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("2s") or bare seconds ("2")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
