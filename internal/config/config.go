package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the runtime environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config holds all service configuration. Both binaries load the same struct;
// each uses the sections it needs.
type Config struct {
	Environment Environment
	Upload      ServerConfig
	Payment     ServerConfig
	// PaymentServiceURL is where the upload service reaches the payment
	// service's private surface.
	PaymentServiceURL string
	UploadDB    DatabaseConfig
	PaymentDB   DatabaseConfig
	Redis       RedisConfig
	ObjectStore ObjectStoreConfig
	Gateway     GatewayConfig
	Optical     OpticalConfig
	X402        X402Config
	Stripe      StripeConfig
	Pricing     PricingConfig
	Fraud       FraudConfig
	Limits      LimitsConfig
	Workers     WorkersConfig
	RateLimit   RateLimitConfig
	PrivateAuth PrivateAuthConfig
	Signing     SigningConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MinConns int
	MaxConns int
}

// RedisConfig holds cache store configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ObjectStoreConfig holds S3-compatible object store configuration
type ObjectStoreConfig struct {
	Endpoint     string
	Region       string
	RawBucket    string
	BackupBucket string
	PathStyle    bool
}

// GatewayConfig holds storage-network client configuration
type GatewayConfig struct {
	URL              string
	ChunkSize        int64
	MinConfirmations int
	VerifyDeadline   time.Duration
	ConfirmDelay     time.Duration
}

// OpticalConfig holds optical bridge hand-off configuration
type OpticalConfig struct {
	BridgeURLs []string
	AdminKey   string
}

// X402Config holds x402 payment configuration
type X402Config struct {
	CatalogPath          string
	FacilitatorURL       string
	FallbackFacilitator  string
	SettleTimeout        time.Duration
	EnabledNetworks      []string
	ReceivingAddress     string
	OverpaymentThreshold int // percent under declared that triggers a refund
}

// StripeConfig holds Stripe top-up configuration
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// PricingConfig holds the byte→credit oracle configuration
type PricingConfig struct {
	CreditsPerGiB     int64
	MicroUSDCPerMega  int64 // two-step oracle: 10^6 credits → USDC smallest units
	BufferPct         int
	ReservationTTL    time.Duration
	ExpirySweepPeriod time.Duration
}

// FraudConfig holds declared-vs-actual size fraud thresholds
type FraudConfig struct {
	TolerancePct int
	WarningPct   int
	BanCount     int
	BanDays      int
	MajorPct     int
}

// LimitsConfig holds ingest and bundling bounds
type LimitsConfig struct {
	MaxItemBytes      int64
	MaxBundleBytes    int64
	MaxItemsPerBundle int
	CacheMaxItemBytes int64
	InFlightTTL       time.Duration
	MinIngestBPS      int64
	PlanCandidates    int
	ScratchDir        string
	RawRetentionMode  string // "retain" or "delete"
}

// WorkersConfig holds per-label worker pool sizes and the drain timeout
type WorkersConfig struct {
	Concurrency  map[string]int
	GraceTimeout time.Duration
	PlanInterval time.Duration
}

// RateLimitConfig holds rate limiting configuration per scope
type RateLimitConfig struct {
	Enabled bool
	Scopes  map[string]RateScope
}

// RateScope bounds one request family
type RateScope struct {
	Max    int
	Window time.Duration
}

// PrivateAuthConfig holds the shared secret for the upload→payment surface
type PrivateAuthConfig struct {
	SharedSecret string
	TokenTTL     time.Duration
}

// SigningConfig holds the fixed server key that signs bundle envelopes
type SigningConfig struct {
	BundleKeyHex string
}

// Load loads configuration from environment variables
func Load() *Config {
	// Default to production; development is an explicit opt-in.
	env := Environment(getEnv("ENV", "production"))
	if env != EnvDevelopment && env != EnvProduction && env != EnvTest {
		env = EnvProduction
	}

	return &Config{
		Environment: env,
		Upload: ServerConfig{
			Port:         getEnv("UPLOAD_PORT", "8080"),
			ReadTimeout:  getDuration("UPLOAD_READ_TIMEOUT", 15*time.Minute),
			WriteTimeout: getDuration("UPLOAD_WRITE_TIMEOUT", 30*time.Second),
		},
		Payment: ServerConfig{
			Port:         getEnv("PAYMENT_PORT", "8081"),
			ReadTimeout:  getDuration("PAYMENT_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDuration("PAYMENT_WRITE_TIMEOUT", 60*time.Second),
		},
		PaymentServiceURL: getEnv("PAYMENT_SERVICE_URL", "http://localhost:8081"),
		UploadDB:          loadDatabase("UPLOAD_DB", "upload"),
		PaymentDB:         loadDatabase("PAYMENT_DB", "payment"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:     getEnv("OBJECT_STORE_ENDPOINT", ""),
			Region:       getEnv("OBJECT_STORE_REGION", "us-east-1"),
			RawBucket:    getEnv("RAW_BUCKET", "raw-data-items"),
			BackupBucket: getEnv("BACKUP_BUCKET", "bundle-payloads"),
			PathStyle:    getBool("OBJECT_STORE_PATH_STYLE", false),
		},
		Gateway: GatewayConfig{
			URL:              getEnv("GATEWAY_URL", "https://arweave.net"),
			ChunkSize:        getInt64("GATEWAY_CHUNK_SIZE", 256*1024),
			MinConfirmations: getInt("MIN_CONFIRMATIONS", 3),
			VerifyDeadline:   getDuration("VERIFY_DEADLINE_SECS", 24*time.Hour),
			ConfirmDelay:     getDuration("VERIFY_INITIAL_DELAY", 120*time.Second),
		},
		Optical: OpticalConfig{
			BridgeURLs: getEnvSlice("OPTICAL_BRIDGE_URLS", nil),
			AdminKey:   getEnv("OPTICAL_ADMIN_KEY", ""),
		},
		X402: X402Config{
			CatalogPath:          getEnv("X402_NETWORK_CATALOG", ""),
			FacilitatorURL:       getEnv("X402_FACILITATOR_URL", "https://x402.org/facilitator"),
			FallbackFacilitator:  getEnv("X402_FALLBACK_FACILITATOR_URL", ""),
			SettleTimeout:        getDuration("X402_SETTLE_TIMEOUT", 30*time.Second),
			EnabledNetworks:      getEnvSlice("X402_ENABLED_NETWORKS", []string{"base-mainnet"}),
			ReceivingAddress:     getEnv("X402_RECEIVING_ADDRESS", ""),
			OverpaymentThreshold: getInt("X402_OVERPAYMENT_THRESHOLD_PCT", 10),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Pricing: PricingConfig{
			CreditsPerGiB:     getInt64("CREDITS_PER_GIB", 10_000_000_000),
			MicroUSDCPerMega:  getInt64("MICRO_USDC_PER_MEGACREDIT", 8),
			BufferPct:         getInt("PRICING_BUFFER_PCT", 15),
			ReservationTTL:    getDuration("RESERVATION_TTL_SECS", time.Hour),
			ExpirySweepPeriod: getDuration("RESERVATION_SWEEP_PERIOD", time.Minute),
		},
		Fraud: FraudConfig{
			TolerancePct: getInt("FRAUD_TOLERANCE_PCT", 1),
			WarningPct:   getInt("FRAUD_WARNING_PCT", 0),
			BanCount:     getInt("FRAUD_BAN_COUNT", 3),
			BanDays:      getInt("FRAUD_BAN_DAYS", 30),
			MajorPct:     getInt("FRAUD_MAJOR_PCT", 5),
		},
		Limits: LimitsConfig{
			MaxItemBytes:      getInt64("MAX_ITEM_BYTES", 10<<30),
			MaxBundleBytes:    getInt64("MAX_BUNDLE_BYTES", 2<<30),
			MaxItemsPerBundle: getInt("MAX_ITEMS_PER_BUNDLE", 10_000),
			CacheMaxItemBytes: getInt64("CACHE_MAX_ITEM_BYTES", 100<<20),
			InFlightTTL:       getDuration("IN_FLIGHT_TTL_SECS", 10*time.Minute),
			MinIngestBPS:      getInt64("MIN_INGEST_BPS", 100<<10),
			PlanCandidates:    getInt("PLAN_CANDIDATES", 75_000),
			ScratchDir:        getEnv("SCRATCH_DIR", os.TempDir()),
			RawRetentionMode:  getEnv("RAW_RETENTION_MODE", "retain"),
		},
		Workers: WorkersConfig{
			Concurrency:  loadWorkerConcurrency(),
			GraceTimeout: getDuration("GRACE_TIMEOUT", 30*time.Second),
			PlanInterval: getDuration("PLAN_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBool("RATE_LIMIT_ENABLED", true),
			Scopes:  loadRateScopes(),
		},
		PrivateAuth: PrivateAuthConfig{
			SharedSecret: getEnv("PRIVATE_SHARED_SECRET", ""),
			TokenTTL:     getDuration("PRIVATE_TOKEN_TTL", 2*time.Minute),
		},
		Signing: SigningConfig{
			BundleKeyHex: getEnv("BUNDLE_SIGNING_KEY", ""),
		},
	}
}

// defaultWorkerConcurrency matches the per-label pool sizes the pipeline
// expects when no WORKER_CONCURRENCY_* overrides are present.
var defaultWorkerConcurrency = map[string]int{
	"newDataItem":   10,
	"plan":          5,
	"prepare":       4,
	"post":          2,
	"verify":        4,
	"opticalPost":   4,
	"putOffsets":    4,
	"cleanupFs":     2,
	"oversizedItem": 1,
	"unbundleBdi":   2,
	"x402Finalize":  2,
}

func loadWorkerConcurrency() map[string]int {
	out := make(map[string]int, len(defaultWorkerConcurrency))
	for label, def := range defaultWorkerConcurrency {
		key := "WORKER_CONCURRENCY_" + strings.ToUpper(label)
		out[label] = getInt(key, def)
	}
	return out
}

func loadRateScopes() map[string]RateScope {
	return map[string]RateScope{
		"price":   {Max: getInt("RATE_LIMIT_PRICE_MAX", 120), Window: getDuration("RATE_LIMIT_PRICE_WINDOW_MS", time.Minute)},
		"payment": {Max: getInt("RATE_LIMIT_PAYMENT_MAX", 30), Window: getDuration("RATE_LIMIT_PAYMENT_WINDOW_MS", time.Minute)},
		"upload":  {Max: getInt("RATE_LIMIT_UPLOAD_MAX", 60), Window: getDuration("RATE_LIMIT_UPLOAD_WINDOW_MS", time.Minute)},
	}
}

func loadDatabase(prefix, defaultName string) DatabaseConfig {
	return DatabaseConfig{
		Host:     getEnv(prefix+"_HOST", "localhost"),
		Port:     getEnv(prefix+"_PORT", "5432"),
		User:     getEnv(prefix+"_USER", defaultName),
		Password: getEnv(prefix+"_PASSWORD", ""),
		Name:     getEnv(prefix+"_NAME", defaultName),
		SSLMode:  getEnv(prefix+"_SSLMODE", "require"),
		MinConns: getInt(prefix+"_MIN_CONNS", 5),
		MaxConns: getInt(prefix+"_MAX_CONNS", 50),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getDuration accepts either a Go duration string ("90s") or, for the
// *_SECS and *_MS variables the deployment environment historically sets,
// a bare integer in the unit the suffix names.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if strings.HasSuffix(key, "_MS") {
			return time.Duration(n) * time.Millisecond
		}
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// Validate checks that all required configuration is present. In production,
// missing critical values return an error; development falls back to
// insecure defaults.
func (c *Config) Validate() error {
	var errs []string

	if c.PrivateAuth.SharedSecret == "" {
		if c.Environment == EnvProduction {
			errs = append(errs, "PRIVATE_SHARED_SECRET is required in production")
		}
	} else if c.Environment == EnvProduction && len(c.PrivateAuth.SharedSecret) < 32 {
		errs = append(errs, "PRIVATE_SHARED_SECRET must be at least 32 characters in production")
	}

	if c.Environment == EnvProduction {
		if c.UploadDB.Password == "" {
			errs = append(errs, "UPLOAD_DB_PASSWORD is required in production")
		}
		if c.PaymentDB.Password == "" {
			errs = append(errs, "PAYMENT_DB_PASSWORD is required in production")
		}
		if c.Signing.BundleKeyHex == "" {
			errs = append(errs, "BUNDLE_SIGNING_KEY is required in production")
		}
		if c.X402.ReceivingAddress == "" {
			errs = append(errs, "X402_RECEIVING_ADDRESS is required in production")
		}
	}

	if c.Limits.MaxItemBytes <= 0 {
		errs = append(errs, "MAX_ITEM_BYTES must be positive")
	}
	if c.Limits.MaxBundleBytes <= 0 {
		errs = append(errs, "MAX_BUNDLE_BYTES must be positive")
	}
	if c.Limits.MaxItemsPerBundle <= 0 {
		errs = append(errs, "MAX_ITEMS_PER_BUNDLE must be positive")
	}
	if c.Limits.MinIngestBPS <= 0 {
		errs = append(errs, "MIN_INGEST_BPS must be positive")
	}
	if c.Pricing.BufferPct < 0 || c.Pricing.BufferPct > 100 {
		errs = append(errs, "PRICING_BUFFER_PCT must be between 0 and 100")
	}
	if mode := c.Limits.RawRetentionMode; mode != "retain" && mode != "delete" {
		errs = append(errs, fmt.Sprintf("RAW_RETENTION_MODE must be retain or delete, got %q", mode))
	}
	for label, n := range c.Workers.Concurrency {
		if n <= 0 {
			errs = append(errs, fmt.Sprintf("WORKER_CONCURRENCY_%s must be positive", strings.ToUpper(label)))
		}
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// InFlightTTL returns the in-flight lock TTL for an upload of the given
// declared size: max(configured TTL, contentLength/MinIngestBPS × 2).
func (c *Config) InFlightTTL(contentLength int64) time.Duration {
	ttl := c.Limits.InFlightTTL
	if ttl < 10*time.Minute {
		ttl = 10 * time.Minute
	}
	worst := time.Duration(contentLength/c.Limits.MinIngestBPS) * time.Second * 2
	if worst > ttl {
		return worst
	}
	return ttl
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
