package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fieldtask/internal/core"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr string
	// Mode is one of http, mcp or both.
	Mode string
}

// AuthConfig holds bearer token verification settings. With neither a
// secret nor a JWKS URL the server trusts the X-Actor-Id header.
type AuthConfig struct {
	JWTSecret   string
	JWKSURL     string
	JWKSRefresh time.Duration
	Audience    string
	Issuer      string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// RedisConfig holds the idempotency store settings.
type RedisConfig struct {
	URL       string
	DedupeTTL time.Duration
}

// EngineConfig holds task engine settings.
type EngineConfig struct {
	CompletionPolicy core.CompletionPolicy
	ConflictRetries  int
}

// MonitorConfig holds overdue monitor settings.
type MonitorConfig struct {
	Enabled  bool
	Schedule string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Auth         AuthConfig
	Log          LogConfig
	Redis        RedisConfig
	Engine       EngineConfig
	Monitor      MonitorConfig
	Notification NotificationConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	envPrefix            = "FIELDTASK_"
	defaultAddr          = "0.0.0.0:7070"
	defaultMode          = "http"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultShutdownGrace = 5 * time.Second
	defaultDedupeTTL     = 24 * time.Hour
	defaultJWKSRefresh   = time.Hour
	defaultOverdueCron   = "*/15 * * * *"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) (*Config, error) {
	// .env files are optional: current directory first, then the config directory.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "fieldtask", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr: getEnvString("ADDR", defaultAddr),
			Mode: getEnvString("MODE", defaultMode),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnvString("JWT_SECRET", ""),
			JWKSURL:     getEnvString("JWKS_URL", ""),
			JWKSRefresh: getEnvDuration("JWKS_REFRESH", defaultJWKSRefresh),
			Audience:    getEnvString("JWT_AUDIENCE", ""),
			Issuer:      getEnvString("JWT_ISSUER", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("LOG_FORMAT", defaultLogFormat),
		},
		Redis: RedisConfig{
			URL:       getEnvString("REDIS_URL", ""),
			DedupeTTL: getEnvDuration("DEDUPE_TTL", defaultDedupeTTL),
		},
		Engine: EngineConfig{
			ConflictRetries: getEnvInt("CONFLICT_RETRIES", 0),
		},
		Monitor: MonitorConfig{
			Enabled:  getEnvBool("OVERDUE_MONITOR", true),
			Schedule: getEnvString("OVERDUE_CRON", defaultOverdueCron),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
		},
		StateDir:      getEnvString("STATE_DIR", ""),
		UseUTC:        getEnvBool("USE_UTC", false),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}
	policy := getEnvString("MANUAL_COMPLETION", "")

	// CLI flags override environment variables.
	var addr, mode, logLevel, stateDir string
	var useUTC bool
	var shutdownGrace time.Duration

	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&policy, "manual-completion", policy, "Manual completion policy: override, elevated or strict")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for the overdue schedule instead of system local time")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	// Bool and duration flags only apply when explicitly set.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	parsed, err := core.ParseCompletionPolicy(policy)
	if err != nil {
		return nil, err
	}
	cfg.Engine.CompletionPolicy = parsed

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	switch cfg.Server.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q, want http, mcp or both", cfg.Server.Mode)
	}
	if cfg.Auth.JWTSecret != "" && cfg.Auth.JWKSURL != "" {
		return nil, fmt.Errorf("set either %sJWT_SECRET or %sJWKS_URL, not both", envPrefix, envPrefix)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

// Location returns the time zone used for schedules.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "fieldtask")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
