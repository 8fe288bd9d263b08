// Package config resolves server configuration from the environment, an
// optional .env file, and CLI flags mirroring the environment variables.
// Unknown environment variables are ignored.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/rpc"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
)

// Config is the resolved server configuration.
type Config struct {
	// BasePath is the project directory for the fs backend.
	BasePath string
	// ClusterName namespaces shared backends; it is the room identifier for
	// rooms spread across machines.
	ClusterName string
	// Storage is one of fs, redis, postgres.
	Storage string
	// RedisURL and PostgresDSN parameterise the network backends.
	RedisURL    string
	PostgresDSN string
	// EncryptionKey is a base64-encoded 32-byte key; empty disables value
	// encryption at rest.
	EncryptionKey string
	// AuthSecret enables token authentication when non-empty.
	AuthSecret string
	// ProtocolVersion overrides the protocol version negotiated by default;
	// empty keeps the latest supported one.
	ProtocolVersion string
	// HTTPPort is the listening port.
	HTTPPort string
	// ShutdownTimeout bounds the graceful-stop drain.
	ShutdownTimeout time.Duration
	// ZombieAfter and LeftAfter are the agent liveness thresholds.
	ZombieAfter time.Duration
	LeftAfter   time.Duration
	// CheckpointTimeout is the interrupt auto-reject threshold.
	CheckpointTimeout time.Duration
	// RingSize is the SSE replay ring capacity.
	RingSize int
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("Ignoring unparsable duration", "key", key, "value", raw)
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring unparsable integer", "key", key, "value", raw)
		return defaultValue
	}
	return n
}

// Load reads the .env file when present, then resolves configuration from
// flags and environment. Flags win over environment values.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cwd, _ := os.Getwd()
	cfg := &Config{}

	fs := flag.NewFlagSet("masc", flag.ContinueOnError)
	fs.StringVar(&cfg.BasePath, "base-path", getEnv("MASC_BASE_PATH", cwd), "project directory for the fs backend")
	fs.StringVar(&cfg.ClusterName, "cluster", getEnv("MASC_CLUSTER", "default"), "cluster/room name for shared backends")
	fs.StringVar(&cfg.Storage, "storage", getEnv("MASC_STORAGE", storage.BackendFS), "storage backend: fs | redis | postgres")
	fs.StringVar(&cfg.RedisURL, "redis-url", getEnv("MASC_REDIS_URL", "redis://localhost:6379/0"), "redis connection URL")
	fs.StringVar(&cfg.PostgresDSN, "postgres-url", getEnv("MASC_POSTGRES_URL", ""), "postgres connection string")
	fs.StringVar(&cfg.EncryptionKey, "encryption-key", getEnv("MASC_ENCRYPTION_KEY", ""), "base64 32-byte key for value encryption at rest")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", getEnv("MASC_AUTH_SECRET", ""), "room secret; enables token auth when set")
	fs.StringVar(&cfg.ProtocolVersion, "protocol-version", getEnv("MASC_PROTOCOL_VERSION", ""), "default negotiated protocol version; empty means latest")
	fs.StringVar(&cfg.HTTPPort, "port", getEnv("MASC_HTTP_PORT", "8765"), "HTTP listening port")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ShutdownTimeout = getEnvDuration("MASC_SHUTDOWN_TIMEOUT", 30*time.Second)
	cfg.ZombieAfter = getEnvDuration("MASC_ZOMBIE_AFTER", 5*time.Minute)
	cfg.LeftAfter = getEnvDuration("MASC_LEFT_AFTER", 30*time.Minute)
	cfg.CheckpointTimeout = getEnvDuration("MASC_CHECKPOINT_TIMEOUT", time.Hour)
	cfg.RingSize = getEnvInt("MASC_RING_SIZE", 1024)

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Storage {
	case storage.BackendFS, storage.BackendRedis, storage.BackendPostgres:
	default:
		return fmt.Errorf("%w: %q", storage.ErrUnknownBackend, c.Storage)
	}
	if c.Storage == storage.BackendPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires MASC_POSTGRES_URL")
	}
	if c.ProtocolVersion != "" && !rpc.VersionSupported(c.ProtocolVersion) {
		return fmt.Errorf("unsupported protocol version %q (supported: %s)",
			c.ProtocolVersion, strings.Join(rpc.SupportedVersions, ", "))
	}
	return nil
}
