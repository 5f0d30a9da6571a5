package zlog

import (
	"fmt"

	"github.com/spf13/viper"
)

// FileConfig 本地轮转文件
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 为空时不写文件
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个文件上限（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留的旧文件数
	MaxAgeDay  int    `mapstructure:"max_age"`     // 旧文件保留天数
	Compress   bool   `mapstructure:"compress"`
}

// Config 日志配置，对应配置文件里的 log 段
type Config struct {
	Service      string     `mapstructure:"service"`
	Level        string     `mapstructure:"level"`    // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"` // json|console
	Development  bool       `mapstructure:"development"`
	Stdout       bool       `mapstructure:"stdout"`
	File         FileConfig `mapstructure:"file"`
	EnableMetric bool       `mapstructure:"enable_metric"`
}

// SetDefaults 在 v 上写入 prefix 段的默认值，prefix 为空时写在根上
func SetDefaults(v *viper.Viper, prefix string) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	v.SetDefault(key("service"), "statussync")
	v.SetDefault(key("level"), "info")
	v.SetDefault(key("encoding"), "json")
	v.SetDefault(key("stdout"), true)
	v.SetDefault(key("file.max_size"), 100)
	v.SetDefault(key("file.max_backups"), 10)
	v.SetDefault(key("file.max_age"), 7)
	v.SetDefault(key("enable_metric"), true)
}

// LoadConfig 从单独的配置文件读取 log 段，供只需要日志的小工具使用
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetEnvPrefix("ZLOG")
	v.AutomaticEnv()
	SetDefaults(v, "log")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取日志配置文件失败：%w", err)
	}

	var cfg Config
	if err := v.UnmarshalKey("log", &cfg); err != nil {
		return nil, fmt.Errorf("解析日志配置失败：%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 严格校验
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("日志配置错误：service 不能为空")
	}
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("日志配置错误：level 只能是 debug/info/warn/error，当前 %q", c.Level)
	}
	switch c.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("日志配置错误：encoding 只能是 json/console，当前 %q", c.Encoding)
	}
	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("日志配置错误：stdout 为 false 时 file.path 不能为空")
	}
	if c.File.Path != "" && c.File.MaxSizeMB <= 0 {
		c.File.MaxSizeMB = 100
	}
	return nil
}
