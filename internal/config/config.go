package config

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"vote-service/internal/util"
)

type ServerConfig struct {
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers             []string
	SecurityEventsTopic string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	// Index holding denylist documents; empty disables the ES source.
	DenylistIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
	// Base64 KMS-encrypted data key, decrypted once at startup.
	EncryptedDataKey string
}

type EncryptionConfig struct {
	// Hex-encoded 32-byte AES key; ignored when KMS is enabled.
	KeyHex string
}

type HashingConfig struct {
	// Hex-encoded server-secret salt for the dedup hash.
	DedupSaltHex       string
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type OTPConfig struct {
	TTL             time.Duration
	MaxAttempts     int
	CodeLength      int
	RetentionWindow time.Duration
	SweepInterval   time.Duration
}

type RateLimitConfig struct {
	// One challenge request per identity within this window.
	IdentityWindow      time.Duration
	IdentityMaxAttempts int
	OriginWindow        time.Duration
	OriginMaxAttempts   int
	// Backend: "memory" (single instance) or "redis" (shared).
	Backend string
}

type FraudConfig struct {
	MinSignatureLength      int
	OriginVelocityThreshold int
	FingerprintFile         string
	DisposableDomainFile    string
}

type RemediationConfig struct {
	BatchSize           int
	OriginVoteThreshold int
	SequentialDistance  int64
	SampleSize          int
	ReportTable         string
}

type BucketingConfig struct {
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Encryption    EncryptionConfig
	Hashing       HashingConfig
	OTP           OTPConfig
	RateLimit     RateLimitConfig
	Fraud         FraudConfig
	Remediation   RemediationConfig
	Bucketing     BucketingConfig
	Logging       LoggingConfig
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment. A .env file is
// honored when present (development convenience, never required).
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		global = fromEnv()
	})
	return global
}

// Get returns the loaded configuration.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func fromEnv() *Config {
	return &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),

		Server: ServerConfig{
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     util.GetEnvBool("SERVER_AUTO_CERT", false),
			AutoCertDir:  util.GetEnv("SERVER_AUTO_CERT_DIR", "/var/cache/autocert"),
			Domain:       util.GetEnv("SERVER_DOMAIN", ""),
			Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
		},

		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},

		Scylla: ScyllaConfig{
			Nodes:    util.GetEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "votes"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},

		Kafka: KafkaConfig{
			Brokers:             util.GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			SecurityEventsTopic: util.GetEnv("KAFKA_SECURITY_EVENTS_TOPIC", "vote-security-events"),
		},

		Elasticsearch: ElasticsearchConfig{
			URL:           util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:      util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:      util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			DenylistIndex: util.GetEnv("ELASTICSEARCH_DENYLIST_INDEX", ""),
		},

		Clickhouse: ClickhouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "vote_audit"),
		},

		KMS: KMSConfig{
			Enabled:          util.GetEnvBool("KMS_ENABLED", false),
			KeyID:            util.GetEnv("KMS_KEY_ID", ""),
			Region:           util.GetEnv("KMS_REGION", "us-east-1"),
			EncryptedDataKey: util.GetEnv("KMS_ENCRYPTED_DATA_KEY", ""),
		},

		Encryption: EncryptionConfig{
			KeyHex: util.GetEnv("ENCRYPTION_KEY_HEX", ""),
		},

		Hashing: HashingConfig{
			DedupSaltHex:       util.GetEnv("DEDUP_SALT_HEX", ""),
			Argon2MemoryCost:   util.GetEnvInt("ARGON2_MEMORY_COST", 65536),
			Argon2TimeCost:     util.GetEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism:  util.GetEnvInt("ARGON2_PARALLELISM", 4),
			PepperRotationDays: util.GetEnvInt("PEPPER_ROTATION_DAYS", 30),
		},

		OTP: OTPConfig{
			TTL:             util.GetEnvDuration("OTP_TTL", 5*time.Minute),
			MaxAttempts:     util.GetEnvInt("OTP_MAX_ATTEMPTS", 3),
			CodeLength:      util.GetEnvInt("OTP_CODE_LENGTH", 6),
			RetentionWindow: util.GetEnvDuration("OTP_RETENTION_WINDOW", 24*time.Hour),
			SweepInterval:   util.GetEnvDuration("OTP_SWEEP_INTERVAL", 10*time.Minute),
		},

		RateLimit: RateLimitConfig{
			IdentityWindow:      util.GetEnvDuration("RATE_LIMIT_IDENTITY_WINDOW", 2*time.Minute),
			IdentityMaxAttempts: util.GetEnvInt("RATE_LIMIT_IDENTITY_MAX", 1),
			OriginWindow:        util.GetEnvDuration("RATE_LIMIT_ORIGIN_WINDOW", time.Minute),
			OriginMaxAttempts:   util.GetEnvInt("RATE_LIMIT_ORIGIN_MAX", 10),
			Backend:             util.GetEnv("RATE_LIMIT_BACKEND", "memory"),
		},

		Fraud: FraudConfig{
			MinSignatureLength:      util.GetEnvInt("FRAUD_MIN_SIGNATURE_LENGTH", 20),
			OriginVelocityThreshold: util.GetEnvInt("FRAUD_ORIGIN_VELOCITY_THRESHOLD", 10),
			FingerprintFile:         util.GetEnv("FRAUD_FINGERPRINT_FILE", "config/automation_fingerprints.json"),
			DisposableDomainFile:    util.GetEnv("FRAUD_DISPOSABLE_DOMAIN_FILE", "config/disposable_domains.json"),
		},

		Remediation: RemediationConfig{
			BatchSize:           util.GetEnvInt("REMEDIATION_BATCH_SIZE", 500),
			OriginVoteThreshold: util.GetEnvInt("REMEDIATION_ORIGIN_VOTE_THRESHOLD", 1),
			SequentialDistance:  int64(util.GetEnvInt("REMEDIATION_SEQUENTIAL_DISTANCE", 3)),
			SampleSize:          util.GetEnvInt("REMEDIATION_SAMPLE_SIZE", 20),
			ReportTable:         util.GetEnv("REMEDIATION_REPORT_TABLE", "remediation_reports"),
		},

		Bucketing: BucketingConfig{
			EventBuckets: util.GetEnvInt("EVENT_BUCKETS", 16),
		},

		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validate rejects configurations the process must not start with. Key
// material is checked here so a misconfigured deployment fails fast instead
// of running with a weak or absent key.
func (c *Config) Validate() error {
	if !c.KMS.Enabled {
		key, err := hex.DecodeString(c.Encryption.KeyHex)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY_HEX is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
	} else {
		if c.KMS.KeyID == "" || c.KMS.EncryptedDataKey == "" {
			return fmt.Errorf("KMS enabled but KMS_KEY_ID or KMS_ENCRYPTED_DATA_KEY missing")
		}
	}

	salt, err := hex.DecodeString(c.Hashing.DedupSaltHex)
	if err != nil {
		return fmt.Errorf("DEDUP_SALT_HEX is not valid hex: %w", err)
	}
	if len(salt) < 16 {
		return fmt.Errorf("dedup salt must be at least 16 bytes, got %d", len(salt))
	}

	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("OTP code length must be between 4 and 10, got %d", c.OTP.CodeLength)
	}
	if c.OTP.MaxAttempts < 1 {
		return fmt.Errorf("OTP max attempts must be positive")
	}
	if c.Remediation.BatchSize < 1 {
		return fmt.Errorf("remediation batch size must be positive")
	}
	return nil
}
