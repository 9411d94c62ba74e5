package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the server
type Config struct {
	// Auth service configuration
	Auth AuthConfig

	// HTTP Configuration
	HTTP HTTPConfig

	// Cookie Configuration
	Cookie CookieConfig

	// Database Configuration
	Database DatabaseConfig

	// Auth event retention
	Retention RetentionConfig

	// Logging Configuration
	Logging LoggingConfig
}

// AuthConfig holds the public values every auth client is built from
type AuthConfig struct {
	URL     string `validate:"required,url"`
	AnonKey string `validate:"required"`

	// JWTSecret enables local access token verification on the server
	JWTSecret string `validate:"omitempty,min=32"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Address     string   `validate:"required"`
	CORSOrigins []string `validate:"dive,url"`
}

// CookieConfig holds attributes applied to session cookies
type CookieConfig struct {
	Domain string `validate:"omitempty,fqdn|hostname"`
	Secure bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL string `validate:"required"`
}

// RetentionConfig controls pruning of the auth event log
type RetentionConfig struct {
	Schedule string `validate:"required"` // cron expression
	Days     int    `validate:"gte=0"`    // 0 keeps events forever
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn warning error fatal panic"`
	Format string `validate:"oneof=json console"` // json, console
}

// Error reports missing or invalid configuration. It is fatal at startup.
type Error struct {
	Fields []string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration (%s): %v", strings.Join(e.Fields, ", "), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var ErrInvalid = errors.New("required settings are missing or malformed")

var validate = validator.New()

// envNames maps validated fields to the variables that feed them, for error messages
var envNames = map[string]string{
	"Config.Auth.URL":            "SUPABASE_URL",
	"Config.Auth.AnonKey":        "SUPABASE_ANON_KEY",
	"Config.Auth.JWTSecret":      "SUPABASE_JWT_SECRET",
	"ClientConfig.Auth.URL":      "SUPABASE_URL",
	"ClientConfig.Auth.AnonKey":  "SUPABASE_ANON_KEY",
	"Config.HTTP.Address":        "HTTP_ADDRESS",
	"Config.HTTP.CORSOrigins":    "CORS_ORIGINS",
	"Config.Cookie.Domain":       "COOKIE_DOMAIN",
	"Config.Database.URL":        "DATABASE_URL",
	"Config.Retention.Schedule":  "AUTH_EVENT_RETENTION_SCHEDULE",
	"Config.Retention.Days":      "AUTH_EVENT_RETENTION_DAYS",
	"Config.Logging.Level":       "LOG_LEVEL",
	"Config.Logging.Format":      "LOG_FORMAT",
	"ClientConfig.Logging.Level": "LOG_LEVEL",
}

// Load loads server configuration from environment variables
func Load() (*Config, error) {
	loadDotEnv()

	auth := loadAuth()
	auth.JWTSecret = os.Getenv("SUPABASE_JWT_SECRET")

	cfg := &Config{
		Auth: auth,
		HTTP: HTTPConfig{
			Address:     getEnv("HTTP_ADDRESS", ":8080"),
			CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),
		},
		Cookie: CookieConfig{
			Domain: os.Getenv("COOKIE_DOMAIN"),
			Secure: getBool("COOKIE_SECURE", false),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", "sessionbridge.sqlite"),
		},
		Retention: RetentionConfig{
			Schedule: getEnv("AUTH_EVENT_RETENTION_SCHEDULE", "0 3 * * *"),
			Days:     getInt("AUTH_EVENT_RETENTION_DAYS", 90),
		},
		Logging: loadLogging(),
	}

	if err := check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClientConfig is the configuration of the CLI
type ClientConfig struct {
	Auth    AuthConfig
	Logging LoggingConfig
}

// LoadClient loads CLI configuration from environment variables
func LoadClient() (*ClientConfig, error) {
	loadDotEnv()

	cfg := &ClientConfig{
		Auth:    loadAuth(),
		Logging: loadLogging(),
	}
	cfg.Logging.Format = getEnv("LOG_FORMAT", "console")

	if err := check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv() {
	// Load .env files (fails silently if files don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

func loadAuth() AuthConfig {
	// Accept the variable names web frontends already export
	return AuthConfig{
		URL:     firstEnv("SUPABASE_URL", "NEXT_PUBLIC_SUPABASE_URL"),
		AnonKey: firstEnv("SUPABASE_ANON_KEY", "NEXT_PUBLIC_SUPABASE_ANON_KEY"),
	}
}

func loadLogging() LoggingConfig {
	return LoggingConfig{
		Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}
}

func check(cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Err: err}
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Namespace()
		if env, ok := envNames[name]; ok {
			name = env
		}
		fields = append(fields, fmt.Sprintf("%s (%s)", name, fe.Tag()))
	}
	return &Error{Fields: fields, Err: ErrInvalid}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
