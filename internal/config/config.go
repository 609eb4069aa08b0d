package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"inbox-triage/internal/orchestrator"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig               `mapstructure:"server"`
	Database     DatabaseConfig             `mapstructure:"database"`
	Log          LogConfig                  `mapstructure:"log"`
	Secrets      SecretsConfig              `mapstructure:"secrets"`
	RateLimits   map[string]RateLimitConfig `mapstructure:"ratelimits"`
	Retry        RetryConfig                `mapstructure:"retry"`
	Breaker      BreakerConfig              `mapstructure:"breaker"`
	Cache        CacheConfig                `mapstructure:"cache"`
	Scheduler    SchedulerConfig            `mapstructure:"scheduler"`
	Capability   CapabilityConfig           `mapstructure:"capability"`
	Orchestrator OrchestratorConfig         `mapstructure:"orchestrator"`
	Accounts     []AccountConfig            `mapstructure:"accounts"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	// Path is the SQLite database file, used when Driver is sqlite.
	Path string `mapstructure:"path"`
}

// LogConfig controls the logrus logger
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SecretsConfig configures the credential backend chain
type SecretsConfig struct {
	Chain       []string      `mapstructure:"chain"`
	Prefix      string        `mapstructure:"prefix"`
	DotenvPath  string        `mapstructure:"dotenv_path"`
	FilePath    string        `mapstructure:"file_path"`
	Redis       RedisConfig   `mapstructure:"redis"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// RedisConfig configures the redis secret backend
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RateLimitConfig is one upstream's token bucket
type RateLimitConfig struct {
	Capacity        int     `mapstructure:"capacity"`
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

// RetryConfig holds the upstream retry policy
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      bool          `mapstructure:"jitter"`
}

// BreakerConfig holds circuit breaker settings shared by all upstreams
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// CacheConfig holds response cache settings
type CacheConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	CredentialsTTL time.Duration `mapstructure:"credentials_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// SchedulerConfig holds polling loop settings
type SchedulerConfig struct {
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
	InitialLookback time.Duration `mapstructure:"initial_lookback"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Concurrency     int           `mapstructure:"concurrency"`
	Autostart       bool          `mapstructure:"autostart"`
}

// CapabilityConfig points at the classification/generation service
type CapabilityConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// OrchestratorConfig holds action policy points
type OrchestratorConfig struct {
	DraftFailureAction string `mapstructure:"draft_failure_action"`
}

// AccountConfig describes one managed mailbox
type AccountConfig struct {
	Address      string            `mapstructure:"address"`
	SecretName   string            `mapstructure:"secret_name"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Concurrency  int               `mapstructure:"concurrency"`
	Source       SourceConfig      `mapstructure:"source"`
	Persona      string            `mapstructure:"persona"`
	VIPContacts  []string          `mapstructure:"vip_contacts"`
	Rules        []RuleGroupConfig `mapstructure:"rules"`
}

// SourceConfig selects and configures the message source
type SourceConfig struct {
	Kind     string `mapstructure:"kind"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Mailbox  string `mapstructure:"mailbox"`
	Username string `mapstructure:"username"`
}

// RuleGroupConfig is one structured triage rule group
type RuleGroupConfig struct {
	Name            string   `mapstructure:"name"`
	Category        string   `mapstructure:"category"`
	Senders         []string `mapstructure:"senders"`
	Domains         []string `mapstructure:"domains"`
	SubjectKeywords []string `mapstructure:"subject_keywords"`
	BodyKeywords    []string `mapstructure:"body_keywords"`
	Description     string   `mapstructure:"description"`
}

// Loader reads configuration from file and environment and can watch the
// file for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. An empty path searches for config.yaml in
// the working directory and ./config.
func NewLoader(path string) *Loader {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	return &Loader{v: v}
}

// Load reads and unmarshals the configuration. It does not validate.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the re-read and validated configuration every time
// the config file changes. Invalid configurations are passed as errors.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		logrus.WithFields(logrus.Fields{
			"file": e.Name,
			"op":   e.Op.String(),
		}).Info("Config file changed")

		cfg, err := l.unmarshal()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			fn(nil, err)
			return
		}
		fn(cfg, nil)
	})
	l.v.WatchConfig()
}

// LoadConfig loads and validates configuration in one step
func LoadConfig(path string) (*Config, error) {
	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.path", "inbox-triage.db")

	v.SetDefault("log.level", "info")

	v.SetDefault("secrets.chain", []string{"env"})
	v.SetDefault("secrets.prefix", "eaia")
	v.SetDefault("secrets.dotenv_path", ".env.secrets")
	v.SetDefault("secrets.max_attempts", 2)
	v.SetDefault("secrets.base_delay", "200ms")
	v.SetDefault("secrets.redis.addr", "localhost:6379")
	v.SetDefault("secrets.redis.key_prefix", "secrets:")

	v.SetDefault("ratelimits.mail.capacity", 10)
	v.SetDefault("ratelimits.mail.refill_per_second", 5)
	v.SetDefault("ratelimits.classify.capacity", 5)
	v.SetDefault("ratelimits.classify.refill_per_second", 2)
	v.SetDefault("ratelimits.generate.capacity", 2)
	v.SetDefault("ratelimits.generate.refill_per_second", 0.5)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.jitter", true)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", "60s")

	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.credentials_ttl", "15m")
	v.SetDefault("cache.sweep_interval", "5m")

	v.SetDefault("scheduler.cycle_timeout", "2m")
	v.SetDefault("scheduler.initial_lookback", "24h")
	v.SetDefault("scheduler.poll_interval", "5m")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.autostart", true)

	v.SetDefault("capability.api_key_env", "CAPABILITY_API_KEY")
	v.SetDefault("capability.timeout", "60s")

	v.SetDefault("orchestrator.draft_failure_action", orchestrator.DraftFailureNotify)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.path", "DB_PATH")

	// Secrets
	v.BindEnv("secrets.redis.addr", "REDIS_ADDR")
	v.BindEnv("secrets.redis.password", "REDIS_PASSWORD")

	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("capability.endpoint", "CAPABILITY_ENDPOINT")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// LogLevel parses the configured level, defaulting to info.
func (c *LogConfig) LogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
