package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration loaded at startup
type Config struct {
	Environment string

	Server     ServerConfig
	Logging    LoggingConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	KMS        KMSConfig
	Hashing    HashingConfig
	Bucketing  BucketingConfig
	Policy     PolicyConfig
	Recovery   RecoveryConfig
	TOTP       TOTPConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
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
	Brokers    []string
	EventTopic string
	EmailTopic string
	SMSTopic   string
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
}

// HashingConfig tunes argon2id and the pepper scheme. PepperSecret,
// when set, makes pepper versions derivable so digests issued before a
// restart still verify; leaving it empty falls back to in-memory random
// peppers, which only development can afford.
type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
	PepperSecret       string
}

type BucketingConfig struct {
	IdentityBuckets int
	EventBuckets    int
}

// PolicyConfig controls the minimum-factor-diversity rule.
// MinFactorCount is compared against the pre-mutation count of enabled,
// confirmed factors. Personal keys are excluded from that count unless
// CountPersonalKeys is set.
type PolicyConfig struct {
	MinFactorCount    int
	CountPersonalKeys bool
}

// RecoveryConfig controls the account-reset lifecycle.
type RecoveryConfig struct {
	WaitingPeriod time.Duration
	CandidateTTL  time.Duration
	LockTTL       time.Duration
}

type TOTPConfig struct {
	Issuer string
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads configuration from the environment (and .env in
// development) exactly once and caches the result.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		// .env is optional; real deployments inject environment variables
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
				Email:        getEnv("SERVER_ADMIN_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "account_recovery"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    getEnvList("KAFKA_BROKERS", "localhost:9092"),
				EventTopic: getEnv("KAFKA_EVENT_TOPIC", "recovery-events"),
				EmailTopic: getEnv("KAFKA_EMAIL_TOPIC", "notifications-email"),
				SMSTopic:   getEnv("KAFKA_SMS_TOPIC", "notifications-sms"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "audit"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 90),
				PepperSecret:       getEnv("PEPPER_SECRET", ""),
			},
			Bucketing: BucketingConfig{
				IdentityBuckets: getEnvInt("IDENTITY_BUCKETS", 256),
				EventBuckets:    getEnvInt("EVENT_BUCKETS", 64),
			},
			Policy: PolicyConfig{
				MinFactorCount:    getEnvInt("POLICY_MIN_FACTOR_COUNT", 3),
				CountPersonalKeys: getEnvBool("POLICY_COUNT_PERSONAL_KEYS", false),
			},
			Recovery: RecoveryConfig{
				WaitingPeriod: getEnvDuration("RECOVERY_WAITING_PERIOD", 24*time.Hour),
				CandidateTTL:  getEnvDuration("ENROLLMENT_CANDIDATE_TTL", 30*time.Minute),
				LockTTL:       getEnvDuration("IDENTITY_LOCK_TTL", 10*time.Second),
			},
			TOTP: TOTPConfig{
				Issuer: getEnv("TOTP_ISSUER", "account-recovery-service"),
			},
		}
	})

	return globalConfig
}

// Get returns the cached configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
