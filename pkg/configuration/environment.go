package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/hierarchy/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if fs.FileExists(file) {
			existingFiles = append(existingFiles, file)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"hierarchy"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type CacheOptions struct {
	// Backend selects the branch cache implementation: memory or redis.
	Backend  string        `env:"CACHE_BACKEND" envDefault:"memory"`
	RedisURL string        `env:"CACHE_REDIS_URL" envDefault:"localhost:6379"`
	TTL      time.Duration `env:"CACHE_TTL" envDefault:"10m"`
}

func (c *CacheOptions) Validate() error {
	if c.Backend != "memory" && c.Backend != "redis" {
		return fmt.Errorf("cache Backend must be 'memory' or 'redis', got '%s'", c.Backend)
	}
	if c.Backend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("cache RedisURL is required when Backend is 'redis'")
	}
	if c.TTL < 0 {
		return fmt.Errorf("cache TTL must be non-negative, got %s", c.TTL)
	}
	return nil
}

type ChangelogOptions struct {
	RelayEnabled         bool          `env:"CHANGELOG_RELAY_ENABLED" envDefault:"true"`
	RelayPollInterval    time.Duration `env:"CHANGELOG_RELAY_POLL_INTERVAL" envDefault:"1s"`
	RelayBatchSize       int           `env:"CHANGELOG_RELAY_BATCH_SIZE" envDefault:"100"`
	RelayLockTTL         time.Duration `env:"CHANGELOG_RELAY_LOCK_TTL" envDefault:"60s"`
	RelayMaxAttempts     int           `env:"CHANGELOG_RELAY_MAX_ATTEMPTS" envDefault:"25"`
	RelaySingleActive    bool          `env:"CHANGELOG_RELAY_SINGLE_ACTIVE" envDefault:"true"`
	RelayDispatchTimeout time.Duration `env:"CHANGELOG_RELAY_DISPATCH_TIMEOUT" envDefault:"30s"`

	LastErrorMaxBytes int `env:"CHANGELOG_LAST_ERROR_MAX_BYTES" envDefault:"2048"`

	CleanerEnabled   bool          `env:"CHANGELOG_CLEANER_ENABLED" envDefault:"true"`
	CleanerInterval  time.Duration `env:"CHANGELOG_CLEANER_INTERVAL" envDefault:"1m"`
	CleanerRetention time.Duration `env:"CHANGELOG_CLEANER_RETENTION" envDefault:"168h"`
}

type ReconciliationOptions struct {
	Enabled bool `env:"RECONCILIATION_ENABLED" envDefault:"true"`
	// MaxAttempts bounds per-tenant retries before the replica node is
	// marked diverged and surfaced to an administrator.
	MaxAttempts int           `env:"RECONCILIATION_MAX_ATTEMPTS" envDefault:"5"`
	MaxBackoff  time.Duration `env:"RECONCILIATION_MAX_BACKOFF" envDefault:"30s"`
}

type RoleLevelOptions struct {
	// Bindings maps role codes to the hierarchy level their bindings must
	// target, as comma-separated "role:level" pairs, e.g.
	// "ward_chair:5,collector:6".
	Bindings string `env:"ROLE_LEVELS" envDefault:""`
}

func (r *RoleLevelOptions) Parse() (map[string]int, error) {
	out := make(map[string]int)
	if strings.TrimSpace(r.Bindings) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(r.Bindings, ",") {
		role, rawLevel, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || role == "" {
			return nil, fmt.Errorf("role level binding %q must be role:level", pair)
		}
		level, err := strconv.Atoi(rawLevel)
		if err != nil || level < 1 {
			return nil, fmt.Errorf("role level binding %q has an invalid level", pair)
		}
		out[role] = level
	}
	return out, nil
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type WebhookOptions struct {
	Enabled       bool          `env:"WEBHOOKS_ENABLED" envDefault:"false"`
	Endpoints     string        `env:"WEBHOOK_ENDPOINTS" envDefault:""`
	SigningSecret string        `env:"WEBHOOK_SIGNING_SECRET" envDefault:""`
	Timeout       time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
}

func (w *WebhookOptions) Validate() error {
	if w.Enabled && w.SigningSecret == "" {
		return fmt.Errorf("webhook SigningSecret is required when webhooks are enabled")
	}
	return nil
}

type Configuration struct {
	Database       DatabaseOptions
	Cache          CacheOptions
	Changelog      ChangelogOptions
	Reconciliation ReconciliationOptions
	RoleLevels     RoleLevelOptions
	Prometheus     PrometheusOptions
	Webhooks       WebhookOptions

	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/app.log"`
	PageSize         int    `env:"PAGE_SIZE" envDefault:"25"`
	MaxPageSize      int    `env:"MAX_PAGE_SIZE" envDefault:"100"`
	RequestIDHeader  string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration error: %w", err)
	}
	if err := c.Webhooks.Validate(); err != nil {
		return fmt.Errorf("webhook configuration error: %w", err)
	}
	if _, err := c.RoleLevels.Parse(); err != nil {
		return fmt.Errorf("role level configuration error: %w", err)
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}

	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
