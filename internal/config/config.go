package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	MaxRetries  int
	DialTimeout int
	Timeout     int
	Prefix      string
}

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	Prefix          string
}

// GatewayConfig points at the card processor. Secret key goes in the
// Authorization header of every call.
type GatewayConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// LateFeeConfig: fixed adds a flat amount, percent a share of the principal.
// Grace is counted in days after the due date.
type LateFeeConfig struct {
	Mode      string
	Amount    decimal.Decimal
	Rate      decimal.Decimal
	GraceDays int
}

// StorageConfig: artifacts (voucher proofs) and generated reports live in
// separate directories because retention differs. Artifacts are the audit
// trail and are never cleaned up; reports expire after RetainDays.
type StorageConfig struct {
	BaseDir      string
	ReportsDir   string
	PublicPrefix string
	BaseURL      string
	RetainDays   int
}

type AppConfig struct {
	Port         string
	Postgres     PostgresConfig
	Redis        RedisConfig
	S3           S3Config
	S3Enabled    bool
	Gateway      GatewayConfig
	LateFee      LateFeeConfig
	Storage      StorageConfig
	ChallengeTTL time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustAtoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		logrus.Fatalf("invalid int value %q: %v", s, err)
	}
	return i
}

func mustBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		logrus.Fatalf("invalid bool value %q: %v", s, err)
	}
	return b
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		logrus.Fatalf("invalid decimal value %q: %v", s, err)
	}
	return d
}

func Load() AppConfig {
	return AppConfig{
		Port: getenv("APP_PORT", "8010"),
		Postgres: PostgresConfig{
			Host:     getenv("PG_HOST", "127.0.0.1"),
			Port:     mustAtoi(getenv("PG_PORT", "5432")),
			User:     getenv("PG_USER", "root"),
			Password: getenv("PG_PASSWORD", "hello-world"),
			DBName:   getenv("PG_DB", "tuitionpay"),
			SSLMode:  getenv("PG_SSLMODE", "disable"),

			MaxOpenConns: mustAtoi(getenv("PG_MAX_OPEN_CONNS", "20")),
			MaxIdleConns: mustAtoi(getenv("PG_MAX_IDLE_CONNS", "5")),
		},
		Redis: RedisConfig{
			Addr:        getenv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    getenv("REDIS_PASSWORD", "hello-world"),
			DB:          mustAtoi(getenv("REDIS_DB", "0")),
			MaxRetries:  mustAtoi(getenv("REDIS_MAX_RETRIES", "5")),
			DialTimeout: mustAtoi(getenv("REDIS_DIAL_TIMEOUT", "10")),
			Timeout:     mustAtoi(getenv("REDIS_TIMEOUT", "5")),
			Prefix:      getenv("REDIS_PREFIX", "tuitionpay_database"),
		},
		S3: S3Config{
			Endpoint:        getenv("S3_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getenv("S3_ACCESS_KEY", "minio"),
			SecretAccessKey: getenv("S3_SECRET_KEY", "minio123"),
			Bucket:          getenv("S3_BUCKET", "tuitionpay"),
			Region:          getenv("S3_REGION", "us-east-1"),
			UseSSL:          mustBool(getenv("S3_USE_SSL", "false")),
			Prefix:          getenv("S3_PREFIX", ""),
		},
		S3Enabled: mustBool(getenv("S3_ENABLED", "false")),
		Gateway: GatewayConfig{
			BaseURL:   getenv("GATEWAY_BASE_URL", "https://api.culqi.com/v2"),
			SecretKey: getenv("GATEWAY_SECRET_KEY", ""),
			Timeout:   time.Duration(mustAtoi(getenv("GATEWAY_TIMEOUT_SECONDS", "30"))) * time.Second,
		},
		LateFee: LateFeeConfig{
			Mode:      getenv("LATE_FEE_MODE", "fixed"),
			Amount:    mustDecimal(getenv("LATE_FEE_AMOUNT", "10.00")),
			Rate:      mustDecimal(getenv("LATE_FEE_RATE", "2.5")),
			GraceDays: mustAtoi(getenv("LATE_FEE_GRACE_DAYS", "3")),
		},
		Storage: StorageConfig{
			BaseDir:      getenv("STORAGE_DIR", "./artifacts"),
			ReportsDir:   getenv("STORAGE_REPORTS_DIR", "./reports"),
			PublicPrefix: getenv("STORAGE_PUBLIC_PREFIX", "/artifacts"),
			BaseURL:      getenv("STORAGE_BASE_URL", ""),
			RetainDays:   mustAtoi(getenv("STORAGE_RETAIN_DAYS", "30")),
		},
		ChallengeTTL: time.Duration(mustAtoi(getenv("CHALLENGE_TTL_MINUTES", "5"))) * time.Minute,
	}
}
