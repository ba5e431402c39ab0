package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port      string
	Env       string
	DBAdapter string

	SQLiteFile string

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Google identity provider
	GoogleClientID     string
	GoogleClientSecret string

	// Credential strategy: "token" (signed JWT) or "session"
	// (server-side session + cookie). Fixed per deployment.
	AuthMode  string
	JwtSecret string

	// SessionTTLHours is the absolute session lifetime.
	SessionTTLHours int

	// AllowedOrigins for cross-origin requests (comma separated env).
	AllowedOrigins []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // Default to disable for local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// IsProduction reports whether the deployment environment is production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "3001"),
		Env:        getenv("ENV", getenv("NODE_ENV", "")),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/meterd.db"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "meterd")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "meterd")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		GoogleClientID:     getenv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getenv("GOOGLE_CLIENT_SECRET", ""),

		AuthMode:  getenv("AUTH_MODE", "token"),
		JwtSecret: getenv("JWT_SECRET", "change-me"),
	}

	ttl := getenv("SESSION_TTL_HOURS", "24")
	n, err := strconv.Atoi(ttl)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid SESSION_TTL_HOURS: %s", ttl)
	}
	c.SessionTTLHours = n

	origins := getenv("CLIENT_URLS", getenv("CLIENT_URL", ""))
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}

	if c.AuthMode != "token" && c.AuthMode != "session" {
		return nil, fmt.Errorf("unsupported AUTH_MODE: %s (supported: token, session)", c.AuthMode)
	}

	if c.GoogleClientID == "" {
		return nil, errors.New("GOOGLE_CLIENT_ID must be set")
	}

	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" && c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
	}

	// A missing signing secret is a startup failure, never a
	// per-request error.
	if c.IsProduction() {
		if c.AuthMode == "token" && (c.JwtSecret == "" || c.JwtSecret == "change-me") {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.GoogleClientSecret == "" {
			return nil, errors.New("GOOGLE_CLIENT_SECRET must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
