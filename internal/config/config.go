// Package config provides application configuration management.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxRateLimitRPM   = 10000 // Maximum requests per minute per IP
	maxBridgeConns    = 4096  // Maximum concurrent bridge connections
	maxRequestTimeout = 30 * time.Minute
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// API server settings
	Host string
	Port int

	// Upstream proxy the bridge forwards browser traffic to.
	// Credentials are injected by the bridge because the browser
	// cannot send Proxy-Authorization itself.
	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string

	// Local bridge listener
	BridgeAddr     string
	BridgeMaxConns int

	// Browser settings
	Headless    bool
	BrowserPath string
	DriverURL   string // Attach to a running browser instead of launching one

	// Scrappey fallback solver. Empty key keeps the fallback
	// unconfigured; browser failures then surface directly.
	ScrappeyAPIKey string

	// Session persistence
	DataPath string

	// Request handling
	RequestTimeout time.Duration

	// Challenge signatures
	SignaturesPath      string // Path to external signatures.yaml override file
	SignaturesHotReload bool   // Enable file watching for hot-reload of signatures

	// Logging
	LogLevel  string
	LogPretty bool

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// Rate limiting (requests per minute per IP, 0 disables)
	RateLimit int

	// Trust X-Forwarded-For / X-Real-IP for client identification.
	// Enable only behind a proxy that overwrites these headers.
	TrustProxy bool
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - the service is container-first, so bind all interfaces
		Host: getEnvString("HOST", "0.0.0.0"),
		Port: getEnvInt("PORT", 8191),

		// Upstream proxy - no defaults, Validate() enforces presence
		ProxyHost:     getEnvString("PROXY_HOST", ""),
		ProxyPort:     getEnvInt("PROXY_PORT", 0),
		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		// Bridge
		BridgeAddr:     getEnvString("BRIDGE_ADDR", "0.0.0.0:8080"),
		BridgeMaxConns: getEnvInt("BRIDGE_MAX_CONNS", 256),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),
		DriverURL:   getEnvString("DRIVER_URL", ""),

		// Solver
		ScrappeyAPIKey: getEnvString("SCRAPPEY_API_KEY", ""),

		// Persistence
		DataPath: getEnvString("DATA_PATH", "/data/persistent.json"),

		// Request handling - must exceed the largest maxTimeout a
		// client may request, or the handler is cut off mid-solve
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 630*time.Second),

		// Signatures
		SignaturesPath:      getEnvString("SIGNATURES_PATH", ""),
		SignaturesHotReload: getEnvBool("SIGNATURES_HOT_RELOAD", false),

		// Logging
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", true),

		// Metrics - disabled by default
		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		MetricsPort:    getEnvInt("METRICS_PORT", 9700),

		// Rate limiting - disabled by default, scrapers batch hard
		RateLimit:  getEnvInt("RATE_LIMIT", 0),
		TrustProxy: getEnvBool("TRUST_PROXY", false),
	}
}

// HasProxyCredentials returns true if upstream proxy credentials are set.
func (c *Config) HasProxyCredentials() bool {
	return c.ProxyUsername != "" && c.ProxyPassword != ""
}

// UpstreamAddr returns the upstream proxy dial address (host:port).
func (c *Config) UpstreamAddr() string {
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// ProxyURL returns the upstream proxy as a URL with embedded credentials,
// in the form http://[user:pass@]host:port. This is the shape the external
// solver API expects for its proxy parameter.
func (c *Config) ProxyURL() string {
	if c.HasProxyCredentials() {
		return fmt.Sprintf("http://%s:%s@%s:%d", c.ProxyUsername, c.ProxyPassword, c.ProxyHost, c.ProxyPort)
	}
	return fmt.Sprintf("http://%s:%d", c.ProxyHost, c.ProxyPort)
}

// HasSolver returns true if the external solver fallback is configured.
func (c *Config) HasSolver() bool {
	return c.ScrappeyAPIKey != ""
}

// Validate checks configuration values. Structural problems (missing
// upstream, one-sided credentials) are returned as errors; recoverable
// problems are logged and corrected to sensible defaults.
func (c *Config) Validate() error {
	// Upstream proxy is required: the bridge has nowhere to forward
	// without it, and every browser session routes through the bridge.
	if c.ProxyHost == "" {
		return fmt.Errorf("PROXY_HOST is required")
	}
	if c.ProxyPort < 1 || c.ProxyPort > 65535 {
		return fmt.Errorf("PROXY_PORT must be 1-65535, got %d", c.ProxyPort)
	}

	// Credentials are all or nothing. A lone username or password
	// would emit a Proxy-Authorization header the upstream rejects.
	if (c.ProxyUsername == "") != (c.ProxyPassword == "") {
		return fmt.Errorf("PROXY_USERNAME and PROXY_PASSWORD must be set together or not at all")
	}

	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8191")
		c.Port = 8191
	}

	// Bridge address must be host:port so the listener can bind
	if _, _, err := net.SplitHostPort(c.BridgeAddr); err != nil {
		return fmt.Errorf("BRIDGE_ADDR %q is not host:port: %w", c.BridgeAddr, err)
	}

	// Bridge connection cap with bounds
	if c.BridgeMaxConns < 1 {
		log.Warn().Int("conns", c.BridgeMaxConns).Msg("Invalid bridge connection cap, using 256")
		c.BridgeMaxConns = 256
	} else if c.BridgeMaxConns > maxBridgeConns {
		log.Warn().
			Int("conns", c.BridgeMaxConns).
			Int("max", maxBridgeConns).
			Msg("Bridge connection cap too large, capping to maximum")
		c.BridgeMaxConns = maxBridgeConns
	}

	// BrowserPath validation - prevent path traversal attacks
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	// Request timeout bounds. Navigations may legitimately run for
	// minutes; guard only against nonsense values.
	if c.RequestTimeout < time.Second {
		log.Warn().Dur("timeout", c.RequestTimeout).Msg("Request timeout too short, using 630s")
		c.RequestTimeout = 630 * time.Second
	} else if c.RequestTimeout > maxRequestTimeout {
		log.Warn().
			Dur("timeout", c.RequestTimeout).
			Dur("max", maxRequestTimeout).
			Msg("Request timeout too long, capping to maximum")
		c.RequestTimeout = maxRequestTimeout
	}

	// Rate limit validation with upper bound
	if c.RateLimit < 0 {
		log.Warn().Int("rpm", c.RateLimit).Msg("Invalid rate limit, disabling")
		c.RateLimit = 0
	} else if c.RateLimit > maxRateLimitRPM {
		log.Warn().
			Int("rpm", c.RateLimit).
			Int("max", maxRateLimitRPM).
			Msg("Rate limit too high, capping to maximum")
		c.RateLimit = maxRateLimitRPM
	}

	// Metrics port validation and conflict check
	if c.MetricsEnabled {
		if c.MetricsPort < 1 || c.MetricsPort > 65535 {
			log.Warn().Int("port", c.MetricsPort).Msg("Invalid metrics port, using 9700")
			c.MetricsPort = 9700
		}
		if c.MetricsPort == c.Port {
			log.Warn().
				Int("port", c.MetricsPort).
				Msg("METRICS_PORT conflicts with PORT, disabling metrics")
			c.MetricsEnabled = false
		}
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// Signatures path validation
	if c.SignaturesPath != "" {
		if strings.Contains(c.SignaturesPath, "..") {
			log.Error().
				Str("path", c.SignaturesPath).
				Msg("SignaturesPath contains path traversal sequence (..), ignoring")
			c.SignaturesPath = ""
		} else if !strings.HasPrefix(c.SignaturesPath, "/") && !strings.HasPrefix(c.SignaturesPath, "C:") && !strings.HasPrefix(c.SignaturesPath, "c:") {
			log.Warn().
				Str("path", c.SignaturesPath).
				Msg("SignaturesPath should be an absolute path")
		}
		// Warn if hot-reload is enabled but path doesn't exist
		if c.SignaturesHotReload && c.SignaturesPath != "" {
			if _, err := os.Stat(c.SignaturesPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.SignaturesPath).
					Msg("SignaturesPath does not exist - hot-reload will watch for file creation")
			}
		}
	}

	// Warn if hot-reload is enabled but no path is set
	if c.SignaturesHotReload && c.SignaturesPath == "" {
		log.Warn().Msg("SIGNATURES_HOT_RELOAD enabled but SIGNATURES_PATH not set - hot-reload disabled")
		c.SignaturesHotReload = false
	}

	if !c.HasSolver() {
		log.Warn().Msg("SCRAPPEY_API_KEY not set - challenge failures will not fall back to the external solver")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
