package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/weiawesome/streamer-status/internal/domain"
	pkgconfig "github.com/weiawesome/streamer-status/pkg/config"
	"github.com/weiawesome/streamer-status/pkg/database"
	"github.com/weiawesome/streamer-status/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	Database  database.Config
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Queue     QueueSetConfig
	Scheduler SchedulerConfig
	Checker   CheckerConfig
	Hub       HubConfig
	Platforms PlatformsConfig
	Cache     CacheConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	AdminPort       int           `mapstructure:"admin_port"`
	InstanceID      string        `mapstructure:"instance_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type QueueSetConfig struct {
	Schedule QueueConfig
	Check    QueueConfig
}

type QueueConfig struct {
	Name          string
	Concurrency   int
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
}

type SchedulerConfig struct {
	Interval time.Duration
	OnlyIDs  []string `mapstructure:"only_ids"`
}

type CheckerConfig struct {
	PlatformTimeout   time.Duration `mapstructure:"platform_timeout"`
	ObservationTTL    time.Duration `mapstructure:"observation_ttl"`
	PlatformPriority  []string      `mapstructure:"platform_priority"`
	PublishAllChanges bool          `mapstructure:"publish_all_changes"`

	Priority domain.Priority `mapstructure:"-"`
}

type HubConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type PlatformsConfig struct {
	Timeout    time.Duration
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Twitch     PlatformCredentials
	Kick       PlatformCredentials
}

type PlatformCredentials struct {
	Enabled      bool
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	BaseURL      string `mapstructure:"base_url"`
	AuthURL      string `mapstructure:"auth_url"`
}

type CacheConfig struct {
	ListingTTL time.Duration `mapstructure:"listing_ttl"`
}

// Load reads config/config.yaml (if present) and the environment.
func Load() (*Config, error) {
	return LoadFrom("./config", "config")
}

// WatchLogLevel calls apply with log.level whenever the config file in dir
// changes. LOG_LEVEL still overrides the file.
func WatchLogLevel(dir, name string, apply func(level string)) error {
	v, err := pkgconfig.Load(dir, name)
	if err != nil {
		return err
	}
	setDefaults(v)
	if err := pkgconfig.BindEnvs(v, envBindings); err != nil {
		return err
	}
	return pkgconfig.Watch(v, func(v *viper.Viper) {
		apply(v.GetString("log.level"))
	})
}

// LoadFrom reads the named config file from dir and the environment.
func LoadFrom(dir, name string) (*Config, error) {
	v, err := pkgconfig.Load(dir, name)
	if err != nil {
		return nil, err
	}

	setDefaults(v)
	if err := pkgconfig.BindEnvs(v, envBindings); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Server.ShutdownTimeout = pkgconfig.Duration(v, "server.shutdown_timeout", 15*time.Second)
	cfg.PubSub.Redis.ReadTimeout = pkgconfig.Duration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = pkgconfig.Duration(v, "pubsub.redis.write_timeout", 3*time.Second)
	cfg.Queue.Schedule.BackoffBase = pkgconfig.Duration(v, "queue.schedule.backoff_base", time.Second)
	cfg.Queue.Schedule.BackoffMax = pkgconfig.Duration(v, "queue.schedule.backoff_max", 30*time.Second)
	cfg.Queue.Schedule.TaskTimeout = pkgconfig.Duration(v, "queue.schedule.task_timeout", 30*time.Second)
	cfg.Queue.Schedule.PollTimeout = pkgconfig.Duration(v, "queue.schedule.poll_timeout", 2*time.Second)
	cfg.Queue.Check.BackoffBase = pkgconfig.Duration(v, "queue.check.backoff_base", time.Second)
	cfg.Queue.Check.BackoffMax = pkgconfig.Duration(v, "queue.check.backoff_max", 30*time.Second)
	cfg.Queue.Check.TaskTimeout = pkgconfig.Duration(v, "queue.check.task_timeout", 30*time.Second)
	cfg.Queue.Check.PollTimeout = pkgconfig.Duration(v, "queue.check.poll_timeout", 2*time.Second)
	cfg.Scheduler.Interval = pkgconfig.Duration(v, "scheduler.interval", time.Minute)
	cfg.Checker.PlatformTimeout = pkgconfig.Duration(v, "checker.platform_timeout", 10*time.Second)
	cfg.Checker.ObservationTTL = pkgconfig.Duration(v, "checker.observation_ttl", 5*time.Minute)
	cfg.Hub.PingInterval = pkgconfig.Duration(v, "hub.ping_interval", 30*time.Second)
	cfg.Hub.PongTimeout = pkgconfig.Duration(v, "hub.pong_timeout", 75*time.Second)
	cfg.Hub.SweepInterval = pkgconfig.Duration(v, "hub.sweep_interval", 30*time.Second)
	cfg.Hub.WriteWait = pkgconfig.Duration(v, "hub.write_wait", 10*time.Second)
	cfg.Platforms.Timeout = pkgconfig.Duration(v, "platforms.timeout", 10*time.Second)
	cfg.Platforms.RetryDelay = pkgconfig.Duration(v, "platforms.retry_delay", time.Second)
	cfg.Cache.ListingTTL = pkgconfig.Duration(v, "cache.listing_ttl", time.Minute)

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = pkgconfig.InstanceID()
	}
	if cfg.PubSub.Kafka.InstanceID == "" {
		cfg.PubSub.Kafka.InstanceID = cfg.Server.InstanceID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and resolves derived values.
func (c *Config) Validate() error {
	prio, err := domain.ParsePriority(c.Checker.PlatformPriority)
	if err != nil {
		return fmt.Errorf("checker.platform_priority: %w", err)
	}
	c.Checker.Priority = prio

	var errs []error
	queues := []struct {
		name string
		q    QueueConfig
	}{{"schedule", c.Queue.Schedule}, {"check", c.Queue.Check}}
	for _, e := range queues {
		name, q := e.name, e.q
		if q.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("queue.%s.concurrency must be positive", name))
		}
		if q.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("queue.%s.max_attempts must be positive", name))
		}
		if q.RatePerSecond <= 0 {
			errs = append(errs, fmt.Errorf("queue.%s.rate_per_second must be positive", name))
		}
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Hub.PongTimeout <= c.Hub.PingInterval {
		errs = append(errs, errors.New("hub.pong_timeout must exceed hub.ping_interval"))
	}
	if !c.Platforms.Twitch.Enabled && !c.Platforms.Kick.Enabled {
		errs = append(errs, errors.New("at least one platform must be enabled"))
	}
	return errors.Join(errs...)
}

// EnabledPlatforms lists the platforms that have a client configured.
func (c *Config) EnabledPlatforms() []domain.Platform {
	var out []domain.Platform
	if c.Platforms.Twitch.Enabled {
		out = append(out, domain.PlatformTwitch)
	}
	if c.Platforms.Kick.Enabled {
		out = append(out, domain.PlatformKick)
	}
	return c.Checker.Priority.Sort(out)
}

var envBindings = map[string]string{
	"server.port":                    "PORT",
	"server.admin_port":              "ADMIN_PORT",
	"server.instance_id":             "INSTANCE_ID",
	"log.level":                      "LOG_LEVEL",
	"redis.address":                  "REDIS_ADDRESS",
	"redis.password":                 "REDIS_PASSWORD",
	"database.driver":                "DB_DRIVER",
	"database.host":                  "DB_HOST",
	"database.port":                  "DB_PORT",
	"database.user":                  "DB_USER",
	"database.password":              "DB_PASSWORD",
	"database.dbname":                "DB_NAME",
	"database.file_path":             "DB_FILE_PATH",
	"pubsub.driver":                  "PUBSUB_DRIVER",
	"pubsub.redis.address":           "REDIS_ADDRESS",
	"pubsub.redis.password":          "REDIS_PASSWORD",
	"pubsub.kafka.brokers":           "KAFKA_BROKERS",
	"pubsub.kafka.group_id":          "KAFKA_GROUP_ID",
	"scheduler.interval":             "STREAM_CHECK_INTERVAL",
	"hub.ping_interval":              "PING_INTERVAL",
	"hub.pong_timeout":               "PING_TIMEOUT",
	"platforms.twitch.client_id":     "TWITCH_CLIENT_ID",
	"platforms.twitch.client_secret": "TWITCH_CLIENT_SECRET",
	"platforms.kick.client_id":       "KICK_CLIENT_ID",
	"platforms.kick.client_secret":   "KICK_CLIENT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.key_prefix", "streamer-status")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "streamers")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.file_path", "streamers.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", 30)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "streamer-status")
	v.SetDefault("pubsub.kafka.partitions", 1)
	v.SetDefault("pubsub.kafka.topics", []string{pubsub.ChannelStreamerLive})

	v.SetDefault("queue.schedule.name", domain.TaskScheduleCheck)
	v.SetDefault("queue.schedule.concurrency", 1)
	v.SetDefault("queue.schedule.rate_per_second", 1)
	v.SetDefault("queue.schedule.max_attempts", 3)
	v.SetDefault("queue.check.name", domain.TaskStreamCheck)
	v.SetDefault("queue.check.concurrency", 10)
	v.SetDefault("queue.check.rate_per_second", 10)
	v.SetDefault("queue.check.max_attempts", 3)

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("checker.platform_priority", []string{"twitch", "kick"})
	v.SetDefault("checker.publish_all_changes", false)

	v.SetDefault("hub.max_message_size", 4096)
	v.SetDefault("hub.send_buffer", 256)

	v.SetDefault("platforms.max_retries", 3)
	v.SetDefault("platforms.twitch.enabled", true)
	v.SetDefault("platforms.twitch.base_url", "https://api.twitch.tv/helix")
	v.SetDefault("platforms.twitch.auth_url", "https://id.twitch.tv/oauth2/token")
	v.SetDefault("platforms.kick.enabled", true)
	v.SetDefault("platforms.kick.base_url", "https://api.kick.com/public/v1")
	v.SetDefault("platforms.kick.auth_url", "https://id.kick.com/oauth/token")
}
