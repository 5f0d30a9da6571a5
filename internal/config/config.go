package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/EthanQC/statussync/internal/adapters/out/kafka"
	"github.com/EthanQC/statussync/internal/adapters/out/outbox"
	"github.com/EthanQC/statussync/internal/application"
	"github.com/EthanQC/statussync/pkg/zlog"
)

// 可选的存储后端
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendMySQL  = "mysql"
)

// Config 进程配置，对应 configs/config.<env>.yaml
type Config struct {
	Env      string                    `mapstructure:"-"`
	Backend  string                    `mapstructure:"backend"`
	Log      zlog.Config               `mapstructure:"log"`
	Server   ServerConfig              `mapstructure:"server"`
	Engine   application.EngineConfig  `mapstructure:"engine"`
	Sweeper  application.SweeperConfig `mapstructure:"sweeper"`
	Presence PresenceConfig            `mapstructure:"presence"`
	Redis    RedisConfig               `mapstructure:"redis"`
	NATS     NATSConfig                `mapstructure:"nats"`
	MySQL    MySQLConfig               `mapstructure:"mysql"`
	Kafka    kafka.FeedConfig          `mapstructure:"kafka"`
	Outbox   outbox.RelayConfig        `mapstructure:"outbox"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PresenceConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"` // 连接心跳过期时间
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// Load 按 APP_ENV 查找 config.<env>.yaml；找不到配置文件时只用默认值和环境变量。
// 环境变量前缀 STATUSSYNC，层级用下划线，例如 STATUSSYNC_REDIS_ADDR
func Load(paths ...string) (*Config, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	if len(paths) == 0 {
		paths = []string{"./configs", "../configs", "../../configs"}
	}

	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("STATUSSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败：%w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败：%w", err)
	}
	cfg.Env = env
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendMemory)
	zlog.SetDefaults(v, "log")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	eng := application.DefaultEngineConfig()
	v.SetDefault("engine.activity.debounce_window", eng.Activity.DebounceWindow)
	v.SetDefault("engine.activity.heartbeat_interval", eng.Activity.HeartbeatInterval)
	v.SetDefault("engine.activity.inactivity_threshold", eng.Activity.InactivityThreshold)
	v.SetDefault("engine.activity.pointer_throttle", eng.Activity.PointerThrottle)
	v.SetDefault("engine.activity.assert_timeout", eng.Activity.AssertTimeout)
	v.SetDefault("engine.mutator.write_timeout", eng.Mutator.WriteTimeout)
	v.SetDefault("engine.mutator.refetch_timeout", eng.Mutator.RefetchTimeout)
	v.SetDefault("engine.retry.initial_interval", eng.Retry.InitialInterval)
	v.SetDefault("engine.retry.max_interval", eng.Retry.MaxInterval)
	v.SetDefault("engine.retry.multiplier", eng.Retry.Multiplier)

	sw := application.DefaultSweeperConfig()
	v.SetDefault("sweeper.interval", sw.Interval)
	v.SetDefault("sweeper.inactivity_threshold", sw.InactivityThreshold)
	v.SetDefault("sweeper.write_timeout", sw.WriteTimeout)

	v.SetDefault("presence.enabled", true)
	v.SetDefault("presence.ttl", 45*time.Second)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "statussync")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("mysql.auto_migrate", true)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic", kafka.DefaultTopic)
	v.SetDefault("kafka.client_id", "statussync")
	v.SetDefault("kafka.dial_timeout", 10*time.Second)
	v.SetDefault("kafka.max_wait", 500*time.Millisecond)

	rl := outbox.DefaultRelayConfig()
	v.SetDefault("outbox.poll_interval", rl.PollInterval)
	v.SetDefault("outbox.batch_size", rl.BatchSize)
	v.SetDefault("outbox.max_retries", rl.MaxRetries)
	v.SetDefault("outbox.cleanup_after", rl.CleanupAfter)
	v.SetDefault("outbox.cleanup_interval", rl.CleanupInterval)
}

// Validate 检查后端相关的必填项和时间参数
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("配置错误：backend=redis 时 redis.addr 不能为空")
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("配置错误：backend=nats 时 nats.url 不能为空")
		}
	case BackendMySQL:
		if c.MySQL.DSN == "" {
			return fmt.Errorf("配置错误：backend=mysql 时 mysql.dsn 不能为空")
		}
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("配置错误：backend=mysql 时 kafka.brokers 不能为空")
		}
	default:
		return fmt.Errorf("配置错误：未知的 backend %q", c.Backend)
	}

	act := c.Engine.Activity
	if act.HeartbeatInterval <= 0 || act.InactivityThreshold <= 0 {
		return fmt.Errorf("配置错误：engine.activity 的心跳间隔和不活跃阈值必须为正")
	}
	if act.InactivityThreshold <= act.HeartbeatInterval {
		return fmt.Errorf("配置错误：不活跃阈值 %s 必须大于心跳间隔 %s", act.InactivityThreshold, act.HeartbeatInterval)
	}
	if c.Sweeper.InactivityThreshold < act.InactivityThreshold {
		return fmt.Errorf("配置错误：sweeper.inactivity_threshold 不能小于客户端不活跃阈值")
	}
	if c.Presence.Enabled && c.Presence.TTL <= 0 {
		return fmt.Errorf("配置错误：presence.ttl 必须为正")
	}
	return nil
}
