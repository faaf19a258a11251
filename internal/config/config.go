package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"apimocker/internal/logger"
	"apimocker/pkg/model"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" mapstructure:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn" mapstructure:"dsn"`
		Prefix string `yaml:"prefix" mapstructure:"prefix"`
	} `yaml:"sqlite" mapstructure:"sqlite"`

	Log struct {
		Level  string   `yaml:"level" mapstructure:"level"`
		Writer []string `yaml:"writer" mapstructure:"writer"`
		File   string   `yaml:"file" mapstructure:"file"`
	} `yaml:"log" mapstructure:"log"`

	DevTools struct {
		URL string `yaml:"url" mapstructure:"url"`
	} `yaml:"devtools" mapstructure:"devtools"`

	Intercept struct {
		Mode              string `yaml:"mode" mapstructure:"mode"`
		LookupTimeoutMS   int    `yaml:"lookupTimeoutMS" mapstructure:"lookupTimeoutMS"`
		ProcessTimeoutMS  int    `yaml:"processTimeoutMS" mapstructure:"processTimeoutMS"`
		Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
		PendingCapacity   int    `yaml:"pendingCapacity" mapstructure:"pendingCapacity"`
		BodySizeThreshold int64  `yaml:"bodySizeThreshold" mapstructure:"bodySizeThreshold"`
	} `yaml:"intercept" mapstructure:"intercept"`

	Records struct {
		MaxRecords int  `yaml:"maxRecords" mapstructure:"maxRecords"`
		AutoClean  bool `yaml:"autoClean" mapstructure:"autoClean"`
	} `yaml:"records" mapstructure:"records"`

	Admin struct {
		Addr string `yaml:"addr" mapstructure:"addr"`
	} `yaml:"admin" mapstructure:"admin"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "apimocker_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "logs/apimocker.log"
	c.DevTools.URL = "http://127.0.0.1:9222"
	c.Intercept.Mode = string(model.ModePage)
	c.Intercept.LookupTimeoutMS = 5000
	c.Intercept.ProcessTimeoutMS = 3000
	c.Intercept.Concurrency = 8
	c.Intercept.PendingCapacity = 64
	c.Intercept.BodySizeThreshold = 1 << 20
	c.Records.MaxRecords = 1000
	c.Records.AutoClean = true
	c.Admin.Addr = "127.0.0.1:4780"
	return c
}

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// Load 读取配置：默认值 < 配置文件 < APIMOCKER_ 环境变量
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, NewConfig())

	v.SetEnvPrefix("APIMOCKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch model.InterceptMode(c.Intercept.Mode) {
	case model.ModePage, model.ModeNetwork:
	default:
		return fmt.Errorf("%w: intercept.mode %q", ErrInvalidConfig, c.Intercept.Mode)
	}
	if c.Intercept.LookupTimeoutMS <= 0 {
		return fmt.Errorf("%w: intercept.lookupTimeoutMS must be positive", ErrInvalidConfig)
	}
	if c.Records.MaxRecords < 0 {
		return fmt.Errorf("%w: records.maxRecords must not be negative", ErrInvalidConfig)
	}
	return nil
}

// LoggerOptions 转换为日志配置
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:   c.Log.Level,
		Writers: c.Log.Writer,
		File:    c.Log.File,
		Backups: 5,
		MaxAge:  30,
	}
}

// SessionConfig 转换为会话配置
func (c *Config) SessionConfig() model.SessionConfig {
	return model.SessionConfig{
		DevToolsURL:       c.DevTools.URL,
		Concurrency:       c.Intercept.Concurrency,
		BodySizeThreshold: c.Intercept.BodySizeThreshold,
		PendingCapacity:   c.Intercept.PendingCapacity,
		ProcessTimeoutMS:  c.Intercept.ProcessTimeoutMS,
		LookupTimeoutMS:   c.Intercept.LookupTimeoutMS,
	}
}

// GlobalConfig 转换为初始全局配置
func (c *Config) GlobalConfig() model.GlobalConfig {
	g := model.DefaultGlobalConfig()
	g.InterceptMode = model.InterceptMode(c.Intercept.Mode)
	g.MaxRecords = c.Records.MaxRecords
	g.AutoClean = c.Records.AutoClean
	return g
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("version", c.Version)
	v.SetDefault("sqlite.dsn", c.Sqlite.Dsn)
	v.SetDefault("sqlite.prefix", c.Sqlite.Prefix)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.writer", c.Log.Writer)
	v.SetDefault("log.file", c.Log.File)
	v.SetDefault("devtools.url", c.DevTools.URL)
	v.SetDefault("intercept.mode", c.Intercept.Mode)
	v.SetDefault("intercept.lookupTimeoutMS", c.Intercept.LookupTimeoutMS)
	v.SetDefault("intercept.processTimeoutMS", c.Intercept.ProcessTimeoutMS)
	v.SetDefault("intercept.concurrency", c.Intercept.Concurrency)
	v.SetDefault("intercept.pendingCapacity", c.Intercept.PendingCapacity)
	v.SetDefault("intercept.bodySizeThreshold", c.Intercept.BodySizeThreshold)
	v.SetDefault("records.maxRecords", c.Records.MaxRecords)
	v.SetDefault("records.autoClean", c.Records.AutoClean)
	v.SetDefault("admin.addr", c.Admin.Addr)
}
