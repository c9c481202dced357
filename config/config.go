package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const ENV_PREFIX = "WAINBOX"

type Configuration struct {
	ApiPort string    `mapstructure:"api_port"`
	Log     LogConfig `mapstructure:"log"`

	Database string `mapstructure:"database"` // "sqlite3" ou "postgres"
	DbHost   string `mapstructure:"db_host"`
	DbPort   string `mapstructure:"db_port"`
	DbUser   string `mapstructure:"db_user"`
	DbName   string `mapstructure:"db_name"`
	DbPass   string `mapstructure:"db_pass"`
	DbPath   string `mapstructure:"db_path"` // arquivo do sqlite3
	DbLog    bool   `mapstructure:"db_log"`

	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Provider ProviderConfig `mapstructure:"provider"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// LogConfig configures the global zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WebhookConfig configures the receiver. An empty Secret disables the
// X-Hub-Signature-256 check.
type WebhookConfig struct {
	Secret       string `mapstructure:"secret"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// ProviderConfig holds the global provider defaults. Per-tenant values in
// WhatsAppConfig take precedence when set.
type ProviderConfig struct {
	BaseURL            string  `mapstructure:"base_url"`
	APIKey             string  `mapstructure:"api_key"`
	InsecureSkipVerify bool    `mapstructure:"insecure_skip_verify"`
	TimeoutSecs        int     `mapstructure:"timeout_secs"`
	MediaTimeoutSecs   int     `mapstructure:"media_timeout_secs"`
	RateLimit          float64 `mapstructure:"rate_limit"`
	RateBurst          int     `mapstructure:"rate_burst"`
}

type StorageConfig struct {
	Root          string `mapstructure:"root"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// WorkerConfig configures the async event processor.
type WorkerConfig struct {
	MaxConcurrency    int `mapstructure:"max_concurrency"`
	SweepIntervalSecs int `mapstructure:"sweep_interval_secs"`
	StaleAfterSecs    int `mapstructure:"stale_after_secs"`
	EventTimeoutSecs  int `mapstructure:"event_timeout_secs"`
	BatchSize         int `mapstructure:"batch_size"`
	RetentionDays     int `mapstructure:"retention_days"`
}

// BrokerConfig configures the optional ingest notification. Empty URL disables it.
type BrokerConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

type SyncConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

func (p ProviderConfig) MediaTimeout() time.Duration {
	return time.Duration(p.MediaTimeoutSecs) * time.Second
}

func (w WorkerConfig) SweepInterval() time.Duration {
	return time.Duration(w.SweepIntervalSecs) * time.Second
}

func (w WorkerConfig) StaleAfter() time.Duration {
	return time.Duration(w.StaleAfterSecs) * time.Second
}

func (w WorkerConfig) EventTimeout() time.Duration {
	return time.Duration(w.EventTimeoutSecs) * time.Second
}

func (w WorkerConfig) Retention() time.Duration {
	return time.Duration(w.RetentionDays) * 24 * time.Hour
}

// Load lê o config.json (opcional) e as variáveis WAINBOX_*.
// An empty path looks for ./config.json.
func Load(path string) (*Configuration, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &c, nil
}

// Every key needs a default so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api_port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database", "sqlite3")
	v.SetDefault("db_host", "")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "")
	v.SetDefault("db_name", "")
	v.SetDefault("db_pass", "")
	v.SetDefault("db_path", "db/database.db")
	v.SetDefault("db_log", false)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.max_body_bytes", 64<<20)

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.insecure_skip_verify", false)
	v.SetDefault("provider.timeout_secs", 30)
	v.SetDefault("provider.media_timeout_secs", 15)
	v.SetDefault("provider.rate_limit", 10.0)
	v.SetDefault("provider.rate_burst", 5)

	v.SetDefault("storage.root", "data/media")
	v.SetDefault("storage.public_base_url", "")

	v.SetDefault("worker.max_concurrency", 16)
	v.SetDefault("worker.sweep_interval_secs", 5)
	v.SetDefault("worker.stale_after_secs", 300)
	v.SetDefault("worker.event_timeout_secs", 120)
	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.retention_days", 30)

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "wainbox.events")
	v.SetDefault("broker.routing_key", "messages.ingested")

	v.SetDefault("sync.concurrency", 4)
}

// Validate checks the settings a command needs before it starts.
func (c *Configuration) Validate(command string) error {
	var missing []string

	switch c.Database {
	case "sqlite3":
	case "postgres", "postgresql":
		if c.DbHost == "" {
			missing = append(missing, "db_host is required for postgres")
		}
		if c.DbName == "" {
			missing = append(missing, "db_name is required for postgres")
		}
	default:
		missing = append(missing, "database must be sqlite3 or postgres")
	}

	switch command {
	case "serve":
		if c.ApiPort == "" {
			missing = append(missing, "api_port is required")
		}
		if c.Worker.MaxConcurrency <= 0 {
			missing = append(missing, "worker.max_concurrency must be positive")
		}
		if c.Worker.EventTimeoutSecs <= 0 {
			missing = append(missing, "worker.event_timeout_secs must be positive")
		} else if c.Worker.StaleAfterSecs <= c.Worker.EventTimeoutSecs {
			missing = append(missing, "worker.stale_after_secs must be greater than worker.event_timeout_secs")
		}
	case "sync-contacts":
		if c.Sync.Concurrency <= 0 {
			missing = append(missing, "sync.concurrency must be positive")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
