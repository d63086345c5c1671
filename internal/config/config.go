package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	// Transport
	Transport    string `validate:"oneof=telegram discord"`
	BotToken     string
	DiscordToken string

	// Storage
	DatabasePath string `validate:"required_without=DatabaseURL"`
	DatabaseURL  string

	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	// Conversation
	SessionTTL     time.Duration `validate:"gt=0"`
	HandlerTimeout time.Duration `validate:"gt=0"`
	RatePerSecond  float64       `validate:"gt=0"`
	RateBurst      int           `validate:"gt=0"`

	Backup BackupConfig

	// Admin API
	AdminBind           string
	JWTSecret           string `validate:"required_with=AdminBind"`
	AdminDiscordIDs     []string
	DiscordClientID     string
	DiscordClientSecret string `validate:"required_with=DiscordClientID"`
	DiscordRedirectURI  string
}

type BackupConfig struct {
	Enabled           bool
	Dir               string        `validate:"required_if=Enabled true"`
	Interval          time.Duration `validate:"gt=0"`
	CompressAfterDays int           `validate:"gte=0"`
	RetentionLimit    int           `validate:"gte=0"`

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string
}

func Load() (*Config, error) {
	// .env and the optional secrets file never override the real environment.
	files := []string{".env"}
	if f := os.Getenv("SECRETS_FILE"); f != "" {
		files = append(files, f)
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}

	var errs []error
	cfg := &Config{
		Transport:    strings.ToLower(getEnvDefault("TRANSPORT", "telegram")),
		BotToken:     os.Getenv("BOT_TOKEN"),
		DiscordToken: os.Getenv("DISCORD_TOKEN"),
		DatabasePath: getEnvDefault("DATABASE_PATH", "accounting.db"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		LogLevel:     strings.ToLower(getEnvDefault("LOG_LEVEL", "info")),
		LogFormat:    strings.ToLower(getEnvDefault("LOG_FORMAT", "text")),

		SessionTTL:     getEnvDuration("SESSION_TTL", 30*time.Minute, &errs),
		HandlerTimeout: getEnvDuration("HANDLER_TIMEOUT", 15*time.Second, &errs),
		RatePerSecond:  getEnvFloat("RATE_LIMIT_PER_SECOND", 2, &errs),
		RateBurst:      getEnvInt("RATE_LIMIT_BURST", 5, &errs),

		Backup: BackupConfig{
			Enabled:           getEnvBool("BACKUP_ENABLED", true, &errs),
			Dir:               getEnvDefault("BACKUP_DIR", "Database_Backups"),
			Interval:          getEnvDuration("BACKUP_INTERVAL", 10*time.Minute, &errs),
			CompressAfterDays: getEnvInt("BACKUP_COMPRESS_AFTER_DAYS", 7, &errs),
			RetentionLimit:    getEnvInt("BACKUP_RETENTION", 30, &errs),
			S3Bucket:          os.Getenv("BACKUP_S3_BUCKET"),
			S3Region:          getEnvDefault("BACKUP_S3_REGION", "us-east-1"),
			S3Endpoint:        os.Getenv("BACKUP_S3_ENDPOINT"),
			S3AccessKey:       os.Getenv("BACKUP_S3_ACCESS_KEY"),
			S3SecretKey:       os.Getenv("BACKUP_S3_SECRET_KEY"),
			S3Prefix:          getEnvDefault("BACKUP_S3_PREFIX", "ledgerbot"),
		},

		AdminBind:           os.Getenv("ADMIN_BIND"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AdminDiscordIDs:     splitList(os.Getenv("ADMIN_DISCORD_IDS")),
		DiscordClientID:     os.Getenv("DISCORD_CLIENT_ID"),
		DiscordClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		DiscordRedirectURI:  getEnvDefault("DISCORD_REDIRECT_URI", "http://localhost:8080/api/auth/callback"),
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RequireTransport checks that the token for the selected chat transport is
// present. Offline commands skip it.
func (c *Config) RequireTransport() error {
	switch {
	case c.Transport == "telegram" && c.BotToken == "":
		return fmt.Errorf("invalid configuration: BOT_TOKEN is required for the telegram transport")
	case c.Transport == "discord" && c.DiscordToken == "":
		return fmt.Errorf("invalid configuration: DISCORD_TOKEN is required for the discord transport")
	}
	return nil
}

// UsesPostgres reports whether the ledger lives in PostgreSQL instead of the
// SQLite file.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getEnvFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func getEnvBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
