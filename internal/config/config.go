package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Cron        CronConfig        `mapstructure:"cron"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Quote       QuoteConfig       `mapstructure:"quote"`
	Broadcaster BroadcasterConfig `mapstructure:"broadcaster"`
	Signer      SignerConfig      `mapstructure:"signer"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Events      EventsConfig      `mapstructure:"events"`
	PaaS        PaaSConfig        `mapstructure:"paas"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// WSOriginPatterns lists hosts allowed to open the event websocket.
	WSOriginPatterns []string `mapstructure:"ws_origin_patterns"`
}

type LogConfig struct {
	Level             string   `mapstructure:"level"`
	Encoding          string   `mapstructure:"encoding"`
	Development       bool     `mapstructure:"development"`
	Sampling          bool     `mapstructure:"sampling"`
	DisableCaller     bool     `mapstructure:"disable_caller"`
	DisableStacktrace bool     `mapstructure:"disable_stacktrace"`
	Service           string   `mapstructure:"service"`
	OutputPaths       []string `mapstructure:"output_paths"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	// LogLevel is the gorm logger level: silent, error, warn or info.
	LogLevel       string        `mapstructure:"log_level"`
	SlowThreshold  time.Duration `mapstructure:"slow_threshold"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// StorageConfig selects the repository backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

type CronConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SchedulerTick   string `mapstructure:"scheduler_tick"`
	Reconcile       string `mapstructure:"reconcile"`
	SessionKeySweep string `mapstructure:"session_key_sweep"`
}

type SchedulerConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type ExecutionConfig struct {
	Workers                int           `mapstructure:"workers"`
	QueueSize              int           `mapstructure:"queue_size"`
	MaxStepRetries         int           `mapstructure:"max_step_retries"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	MonitorPolls           int           `mapstructure:"monitor_polls"`
	MonitorPollInterval    time.Duration `mapstructure:"monitor_poll_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	StepTimeout            time.Duration `mapstructure:"step_timeout"`
}

type ReconcilerConfig struct {
	StuckAfter   time.Duration `mapstructure:"stuck_after"`
	RequeueAfter time.Duration `mapstructure:"requeue_after"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type PolicyConfig struct {
	SystemTTL          time.Duration `mapstructure:"system_ttl"`
	ReserveMaxAttempts int           `mapstructure:"reserve_max_attempts"`
	UsageLogSize       int           `mapstructure:"usage_log_size"`
	MaxSessionKeyDays  int           `mapstructure:"max_session_key_days"`
}

type QuoteConfig struct {
	Provider       string        `mapstructure:"provider"`
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	GasEstimateUSD float64       `mapstructure:"gas_estimate_usd"`
}

type BroadcasterConfig struct {
	Mode          string        `mapstructure:"mode"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// SignerConfig selects "delegated" (the relayer signs with the session key)
// or "local" (sign with PrivateKey before relaying).
type SignerConfig struct {
	Mode       string `mapstructure:"mode"`
	PrivateKey string `mapstructure:"private_key"`
}

type NotifyConfig struct {
	WebhookURL       string `mapstructure:"webhook_url"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   int64  `mapstructure:"telegram_chat_id"`
	SlackWebhookURL  string `mapstructure:"slack_webhook_url"`
	Project          string `mapstructure:"project"`
}

type AuthConfig struct {
	Disabled  bool   `mapstructure:"disabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type EventsConfig struct {
	Codec        string `mapstructure:"codec"`
	RedisChannel string `mapstructure:"redis_channel"`
	BufferSize   int    `mapstructure:"buffer_size"`
}

type PaaSConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Agent   string `mapstructure:"agent"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHERPA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.service", "sherpa-autopilot")
	v.SetDefault("log.output_paths", []string{"stdout"})
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.log_level", "warn")
	v.SetDefault("db.slow_threshold", "500ms")
	v.SetDefault("db.connect_timeout", "5s")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "autopilot.execution-events")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.scheduler_tick", "@every 30s")
	v.SetDefault("cron.reconcile", "@every 1m")
	v.SetDefault("cron.session_key_sweep", "@every 5m")

	v.SetDefault("scheduler.batch_size", 200)
	v.SetDefault("scheduler.lock_ttl", "2m")

	v.SetDefault("execution.workers", 8)
	v.SetDefault("execution.queue_size", 256)
	v.SetDefault("execution.max_step_retries", 3)
	v.SetDefault("execution.retry_base_delay", "2s")
	v.SetDefault("execution.monitor_polls", 6)
	v.SetDefault("execution.monitor_poll_interval", "5s")
	v.SetDefault("execution.max_consecutive_failures", 5)
	v.SetDefault("execution.step_timeout", "30s")

	v.SetDefault("reconciler.stuck_after", "15m")
	v.SetDefault("reconciler.requeue_after", "2m")
	v.SetDefault("reconciler.batch_size", 200)

	v.SetDefault("policy.system_ttl", "5s")
	v.SetDefault("policy.reserve_max_attempts", 5)
	v.SetDefault("policy.usage_log_size", 50)
	v.SetDefault("policy.max_session_key_days", 90)

	v.SetDefault("quote.provider", "dexscreener")
	v.SetDefault("quote.base_url", "https://api.dexscreener.com")
	v.SetDefault("quote.timeout", "8s")
	v.SetDefault("quote.cache_ttl", "15s")
	v.SetDefault("quote.rate_per_second", 4)
	v.SetDefault("quote.burst", 4)
	v.SetDefault("quote.gas_estimate_usd", 0.5)

	// Live relaying stays opt-in.
	v.SetDefault("broadcaster.mode", "dry-run")
	v.SetDefault("broadcaster.base_url", "")
	v.SetDefault("broadcaster.timeout", "15s")
	v.SetDefault("broadcaster.rate_per_second", 2)
	v.SetDefault("broadcaster.burst", 2)

	v.SetDefault("signer.mode", "delegated")
	v.SetDefault("signer.private_key", "")

	v.SetDefault("notify.project", "sherpa-autopilot")

	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.issuer", "")

	v.SetDefault("events.codec", "json")
	v.SetDefault("events.redis_channel", "autopilot:execution-events")
	v.SetDefault("events.buffer_size", 64)

	v.SetDefault("paas.agent", "sherpa-autopilot")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
