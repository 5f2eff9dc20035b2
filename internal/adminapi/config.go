// Package adminapi implements the operator-facing, read-only HTTP surface:
// watermark status, recent run-log rows, and the quality-check log.
// Grounded directly on the teacher's internal/api package shape
// (ServerConfig/Server/setupRoutes/errors.go), narrowed from the teacher's
// write-heavy lineage-ingestion API to a read-only inspection API.
package adminapi

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashare-etl/etl/internal/api/middleware"
	"github.com/ashare-etl/etl/internal/config"
)

const (
	// DefaultPort is the default admin HTTP server port.
	DefaultPort = 8081
	// MaxPort is the maximum valid port number.
	MaxPort = 65535
	// DefaultTimeout is the default timeout for HTTP operations.
	DefaultTimeout = 30 * time.Second
	// DefaultCORSMaxAge is the default CORS max age (24 hours).
	DefaultCORSMaxAge = 86400
)

// Static validation errors.
var (
	ErrInvalidPort            = errors.New("adminapi: invalid port")
	ErrEmptyHost              = errors.New("adminapi: host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("adminapi: read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("adminapi: write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("adminapi: shutdown timeout must be positive")
)

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int

	// AdminToken guards every route, /ping, /ready and /health included.
	// Empty disables authentication (local/dev only).
	AdminToken string
}

// LoadServerConfig loads admin server configuration from environment
// variables with sensible defaults.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Port:               config.GetEnvInt("ETL_ADMIN_PORT", DefaultPort),
		Host:               config.GetEnvStr("ETL_ADMIN_HOST", "0.0.0.0"),
		ReadTimeout:        config.GetEnvDuration("ETL_ADMIN_READ_TIMEOUT", DefaultTimeout),
		WriteTimeout:       config.GetEnvDuration("ETL_ADMIN_WRITE_TIMEOUT", DefaultTimeout),
		ShutdownTimeout:    config.GetEnvDuration("ETL_ADMIN_SHUTDOWN_TIMEOUT", DefaultTimeout),
		LogLevel:           config.GetEnvLogLevel("ETL_ADMIN_LOG_LEVEL", slog.LevelInfo),
		CORSAllowedOrigins: parseOrDefault("ETL_ADMIN_CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods: parseOrDefault("ETL_ADMIN_CORS_ALLOWED_METHODS", []string{"GET", "OPTIONS"}),
		CORSAllowedHeaders: parseOrDefault("ETL_ADMIN_CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-Correlation-ID"}),
		CORSMaxAge:         config.GetEnvInt("ETL_ADMIN_CORS_MAX_AGE", DefaultCORSMaxAge),
		AdminToken:         config.GetEnvStr("ETL_ADMIN_TOKEN", ""),
	}
}

func parseOrDefault(key string, fallback []string) []string {
	raw := config.GetEnvStr(key, "")
	if raw == "" {
		return fallback
	}

	return config.ParseCommaSeparatedList(raw)
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts ServerConfig CORS fields to middleware.CORSConfig.
func (c ServerConfig) ToCORSConfig() middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// Validate validates the server configuration.
func (c ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > MaxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, MaxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	return nil
}
