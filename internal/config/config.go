package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/srobinb803/whatsapp-clone/internal/database"
	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
)

const EnvPrefix = "WACHAT_"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Database  DatabaseConfig  `koanf:"database"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
	Retry     RetryConfig     `koanf:"retry"`
	Realtime  RealtimeConfig  `koanf:"realtime"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port        int      `koanf:"port"`
	CORSOrigins []string `koanf:"cors_origins"`
	// WebhookRate is requests per second accepted on POST /webhook; 0 disables limiting.
	WebhookRate  float64 `koanf:"webhook_rate"`
	WebhookBurst int     `koanf:"webhook_burst"`
	VerifyToken  string  `koanf:"verify_token"`
}

type StoreConfig struct {
	Backend string `koanf:"backend"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type ReconcileConfig struct {
	StatusPolicy string `koanf:"status_policy"`
}

type RetryConfig struct {
	Enabled     bool          `koanf:"enabled"`
	MaxAttempts int           `koanf:"max_attempts"`
	Delay       time.Duration `koanf:"delay"`
}

type RealtimeConfig struct {
	SendBuffer   int           `koanf:"send_buffer"`
	PingInterval time.Duration `koanf:"ping_interval"`
	DetailsRate  float64       `koanf:"details_rate"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// DefaultPaths are tried in order when no config path is given.
var DefaultPaths = []string{"./wachat.toml", "$HOME/.wachat.toml"}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":             5000,
		"server.cors_origins":     []string{"*"},
		"server.webhook_rate":     0.0,
		"server.webhook_burst":    20,
		"server.verify_token":     "",
		"store.backend":           BackendMemory,
		"database.url":            "",
		"reconcile.status_policy": string(reconcile.PolicyLastWriteWins),
		"retry.enabled":           false,
		"retry.max_attempts":      10,
		"retry.delay":             "30s",
		"realtime.send_buffer":    64,
		"realtime.ping_interval":  "30s",
		"realtime.details_rate":   5.0,
		"log.level":               "info",
		"log.format":              "console",
		"log.file":                "",
	}
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, path := range DefaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// WACHAT_RECONCILE_STATUS_POLICY -> reconcile.status_policy
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# wachat configuration

[server]
port = 5000
cors_origins = ["*"]
# requests per second on POST /webhook, 0 disables limiting
webhook_rate = 0
webhook_burst = 20
# token for the GET /webhook subscription handshake
verify_token = ""

[store]
# memory | postgres
backend = "memory"

[database]
# falls back to DATABASE_URL or .env
url = ""

[reconcile]
# lww | monotonic
status_policy = "lww"

[retry]
# park statuses whose message has not arrived yet (requires postgres)
enabled = false
max_attempts = 10
delay = "30s"

[realtime]
send_buffer = 64
ping_interval = "30s"
details_rate = 5

[log]
level = "info"
# console | json
format = "console"
file = ""
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	var errs []error

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", config.Server.Port))
	}
	if config.Server.WebhookRate < 0 {
		errs = append(errs, fmt.Errorf("server.webhook_rate must not be negative"))
	}

	switch config.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if _, err := database.ResolveDatabaseURL(config.Database.URL); err != nil {
			errs = append(errs, fmt.Errorf("store.backend %q requires a database url: %w", BackendPostgres, err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", config.Store.Backend))
	}

	if _, err := reconcile.ParseStatusPolicy(config.Reconcile.StatusPolicy); err != nil {
		errs = append(errs, err)
	}

	if config.Retry.Enabled {
		if config.Store.Backend != BackendPostgres {
			errs = append(errs, fmt.Errorf("retry.enabled requires store.backend %q", BackendPostgres))
		}
		if config.Retry.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1"))
		}
		if config.Retry.Delay <= 0 {
			errs = append(errs, fmt.Errorf("retry.delay must be positive"))
		}
	}

	if _, err := zerolog.ParseLevel(config.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log.level %q", config.Log.Level))
	}
	switch config.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", config.Log.Format))
	}

	return errors.Join(errs...)
}
