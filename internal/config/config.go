package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken                 string
	LogLevel                 string
	DatabaseDriver           string
	MySQLDSN                 string
	DatabasePath             string
	KIEAPIKey                string
	KIEBaseURL               string
	KIEFileBaseURL           string
	KIEModel                 string
	KIEResolution            string
	KIEAspectRatio           string
	KIEOutputFormat          string
	KIEPollInterval          time.Duration
	KIEMaxPoll               time.Duration
	KIECallTimeout           time.Duration
	UploadBackend            string
	LockBackend              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	TelegramPhotoMaxBytes    int64
	IdeasChannelURL          string
	SupportURL               string
	WelcomeGenerations       int
	ReferralBonusGenerations int
	PackagesFile             string
	PaymentCurrency          string
	YooKassaShopID           string
	YooKassaSecretKey        string
	YooKassaReturnURL        string
	YooKassaPollInterval     time.Duration
	AdminListenAddr          string
	AdminUsername            string
	AdminPassword            string
	S3Endpoint               string
	S3Region                 string
	S3AccessKey              string
	S3SecretKey              string
	S3Bucket                 string
	S3PublicBaseURL          string
	S3UsePathStyle           bool
	S3Prefix                 string
}

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"

	BackendKIE    = "kie"
	BackendS3     = "s3"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		DatabaseDriver:           strings.ToLower(getEnv("DATABASE_DRIVER", DriverMySQL)),
		DatabasePath:             getEnv("DATABASE_PATH", filepath.Join("data", "app.db")),
		KIEBaseURL:               normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		KIEFileBaseURL:           strings.TrimRight(getEnv("KIE_FILE_BASE_URL", "https://kieai.redpandaai.co"), "/"),
		KIEModel:                 getEnv("KIE_MODEL", "nano-banana-pro"),
		KIEResolution:            getEnv("KIE_RESOLUTION", "4K"),
		KIEAspectRatio:           getEnv("KIE_ASPECT_RATIO", "1:1"),
		KIEOutputFormat:          strings.ToLower(getEnv("KIE_OUTPUT_FORMAT", "png")),
		KIEPollInterval:          time.Second * time.Duration(getInt("KIE_POLL_INTERVAL_SECONDS", 5)),
		KIEMaxPoll:               time.Second * time.Duration(getInt("KIE_MAX_POLL_SECONDS", 300)),
		KIECallTimeout:           time.Second * time.Duration(getInt("KIE_CALL_TIMEOUT_SECONDS", 60)),
		UploadBackend:            strings.ToLower(getEnv("UPLOAD_BACKEND", BackendKIE)),
		LockBackend:              strings.ToLower(getEnv("LOCK_BACKEND", BackendMemory)),
		RedisAddr:                getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  getInt("REDIS_DB", 0),
		TelegramPhotoMaxBytes:    getInt64("TELEGRAM_PHOTO_MAX_BYTES", 0),
		IdeasChannelURL:          strings.TrimSpace(os.Getenv("IDEAS_CHANNEL_URL")),
		SupportURL:               getEnv("SUPPORT_URL", "https://t.me/+nwcnXFSvb_Q4NmYy"),
		WelcomeGenerations:       getInt("WELCOME_GENERATIONS", 1),
		ReferralBonusGenerations: getInt("REFERRAL_BONUS_GENERATIONS", 2),
		PackagesFile:             os.Getenv("PACKAGES_FILE"),
		PaymentCurrency:          getEnv("PAYMENT_CURRENCY", "RUB"),
		YooKassaShopID:           os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecretKey:        os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaReturnURL:        os.Getenv("YOOKASSA_RETURN_URL"),
		YooKassaPollInterval:     time.Second * time.Duration(getInt("YOOKASSA_POLL_INTERVAL_SECONDS", 15)),
		AdminListenAddr:          getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:            getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:            getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:               getEnv("S3_ENDPOINT", ""),
		S3Region:                 os.Getenv("S3_REGION"),
		S3AccessKey:              os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:              os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                 os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:          os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:           getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                 getEnv("S3_PREFIX", "references"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing or contradictory settings.
func (c Config) Validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	switch c.DatabaseDriver {
	case DriverMySQL:
		if c.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case DriverSQLite:
		if c.DatabasePath == "" {
			missing = append(missing, "DATABASE_PATH")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.YooKassaShopID == "" {
		missing = append(missing, "YOOKASSA_SHOP_ID")
	}
	if c.YooKassaSecretKey == "" {
		missing = append(missing, "YOOKASSA_SECRET_KEY")
	}
	if c.YooKassaReturnURL == "" {
		missing = append(missing, "YOOKASSA_RETURN_URL")
	}
	switch c.UploadBackend {
	case BackendKIE:
	case BackendS3:
		if c.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if c.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if c.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if c.S3Bucket == "" {
			missing = append(missing, "S3_BUCKET")
		}
		if c.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	default:
		return fmt.Errorf("unsupported UPLOAD_BACKEND %q", c.UploadBackend)
	}
	switch c.LockBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unsupported LOCK_BACKEND %q", c.LockBackend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if c.KIEPollInterval <= 0 {
		return errors.New("KIE_POLL_INTERVAL_SECONDS must be positive")
	}
	if c.KIEMaxPoll < 0 {
		return errors.New("KIE_MAX_POLL_SECONDS must not be negative")
	}
	return nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	// Force API subdomain to avoid landing on the marketing site.
	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile applies the first env file found. Running without one is fine:
// containers usually inject the environment directly.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
