package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"modulant/internal/logger"
	"modulant/internal/script"
	"modulant/internal/storage"
	"modulant/pkg/api"
	"modulant/pkg/model"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "MODULANT"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	PrimaryServerURL   string            `yaml:"primaryServerURL" split_words:"true"`
	SecondaryServerURL string            `yaml:"secondaryServerURL" split_words:"true"`
	Routes             []Route           `yaml:"routes" ignored:"true"`
	DefaultHeaders     map[string]string `yaml:"defaultHeaders" split_words:"true"`
	InjectScript       string            `yaml:"injectScript" split_words:"true"`
	ParameterConfig    Parameters        `yaml:"parameterConfig" ignored:"true"`
	ProxyTimeoutMS     int               `yaml:"proxyTimeoutMS" split_words:"true"`

	Channel  Channel  `yaml:"channel"`
	Storage  Storage  `yaml:"storage"`
	Log      Log      `yaml:"log"`
	DevTools DevTools `yaml:"devtools"`
	Admin    Admin    `yaml:"admin"`
}

// Route 路由配置，modifyResponse 为脚本源码
type Route struct {
	Match model.Match `yaml:"match"`
	Proxy *struct {
		Target         string `yaml:"target"`
		PathRewrite    string `yaml:"pathRewrite"`
		ChangeOrigin   bool   `yaml:"changeOrigin"`
		ModifyResponse string `yaml:"modifyResponse"`
	} `yaml:"proxy"`
}

// Parameters 查询参数处理配置，钩子与校验函数为脚本源码
type Parameters struct {
	TransformHooks map[string]string `yaml:"transformHooks"`
	ParameterRules map[string]struct {
		Required bool   `yaml:"required"`
		Pattern  string `yaml:"pattern"`
		Validate string `yaml:"validate"`
	} `yaml:"parameterRules"`
	DefaultValues  map[string]string `yaml:"defaultValues"`
	FilterPatterns []string          `yaml:"filterPatterns"`
}

type Channel struct {
	Mode           string   `yaml:"mode"` // local/remote
	URL            string   `yaml:"url"`
	AllowedOrigins []string `yaml:"allowedOrigins" split_words:"true"`
	Listen         string   `yaml:"listen"`
}

type Storage struct {
	Driver string `yaml:"driver"` // sqlite/redis/memory
	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
}

type Log struct {
	Level  string   `yaml:"level"`
	Writer []string `yaml:"writer"`
	File   string   `yaml:"file"`
}

type DevTools struct {
	URL              string `yaml:"url"`
	Concurrency      int    `yaml:"concurrency"`
	PendingCapacity  int    `yaml:"pendingCapacity" split_words:"true"`
	ProcessTimeoutMS int    `yaml:"processTimeoutMS" split_words:"true"`
	Target           string `yaml:"target"`
}

type Admin struct {
	Listen string `yaml:"listen"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load 读取配置文件并叠加环境变量，path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("env config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Version, "1.0.0")
	setDefault(&c.Channel.Mode, "local")
	setDefault(&c.Channel.Listen, "127.0.0.1:8090")
	setDefault(&c.Storage.Driver, "sqlite")
	setDefault(&c.Storage.Sqlite.Dsn, "modulant.sqlite3")
	setDefault(&c.Storage.Sqlite.Prefix, "modulant_")
	setDefault(&c.Storage.Redis.Addr, "127.0.0.1:6379")
	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.File, "logs/modulant.log")
	setDefault(&c.DevTools.URL, "http://127.0.0.1:9222")
	setDefault(&c.Admin.Listen, "127.0.0.1:8089")
	if len(c.Log.Writer) == 0 {
		c.Log.Writer = []string{"console", "file"}
	}
	if c.DevTools.Concurrency <= 0 {
		c.DevTools.Concurrency = 8
	}
	if c.DevTools.PendingCapacity <= 0 {
		c.DevTools.PendingCapacity = 64
	}
	if c.DevTools.ProcessTimeoutMS <= 0 {
		c.DevTools.ProcessTimeoutMS = 35000
	}
	if c.ProxyTimeoutMS <= 0 {
		c.ProxyTimeoutMS = 30000
	}
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch c.Channel.Mode {
	case "local":
	case "remote":
		if c.Channel.URL == "" {
			return fmt.Errorf("channel.url is required in remote mode")
		}
	default:
		return fmt.Errorf("unknown channel mode %q", c.Channel.Mode)
	}
	switch c.Storage.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// ProxyTimeout 代理请求超时
func (c *Config) ProxyTimeout() time.Duration {
	return time.Duration(c.ProxyTimeoutMS) * time.Millisecond
}

// LoggerOptions 日志配置
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{Level: c.Log.Level, Writers: c.Log.Writer, File: c.Log.File}
}

// SessionConfig CDP 会话配置
func (c *Config) SessionConfig() model.SessionConfig {
	return model.SessionConfig{
		DevToolsURL:      c.DevTools.URL,
		Concurrency:      c.DevTools.Concurrency,
		PendingCapacity:  c.DevTools.PendingCapacity,
		ProcessTimeoutMS: c.DevTools.ProcessTimeoutMS,
	}
}

// RedisConfig Redis 后端配置
func (c *Config) RedisConfig() storage.RedisConfig {
	r := c.Storage.Redis
	return storage.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix}
}

// APIConfig 构建实例配置，编译其中的脚本
func (c *Config) APIConfig() (api.Config, error) {
	out := api.Config{
		PrimaryServerURL:   c.PrimaryServerURL,
		SecondaryServerURL: c.SecondaryServerURL,
		DefaultHeaders:     c.DefaultHeaders,
		InjectScript:       c.InjectScript,
	}
	for i, r := range c.Routes {
		route := model.Route{Match: r.Match}
		if r.Proxy != nil {
			route.Proxy = &model.Proxy{
				Target:       r.Proxy.Target,
				PathRewrite:  r.Proxy.PathRewrite,
				ChangeOrigin: r.Proxy.ChangeOrigin,
			}
			if r.Proxy.ModifyResponse != "" {
				fn, err := script.NewResponseModifier(fmt.Sprintf("routes[%d].modifyResponse", i), r.Proxy.ModifyResponse)
				if err != nil {
					return api.Config{}, err
				}
				route.Proxy.ModifyResponse = fn
			}
		}
		out.Routes = append(out.Routes, route)
	}

	p := c.ParameterConfig
	pc := model.ParameterConfig{
		DefaultValues:  p.DefaultValues,
		FilterPatterns: p.FilterPatterns,
	}
	if len(p.TransformHooks) > 0 {
		pc.TransformHooks = make(map[string]model.TransformFunc, len(p.TransformHooks))
		for key, src := range p.TransformHooks {
			fn, err := script.NewTransform("transformHooks."+key, src)
			if err != nil {
				return api.Config{}, err
			}
			pc.TransformHooks[key] = fn
		}
	}
	if len(p.ParameterRules) > 0 {
		pc.ParameterRules = make(map[string]model.ParameterRule, len(p.ParameterRules))
		for key, r := range p.ParameterRules {
			rule := model.ParameterRule{Required: r.Required, Pattern: r.Pattern}
			if r.Validate != "" {
				fn, err := script.NewValidator("parameterRules."+key, r.Validate)
				if err != nil {
					return api.Config{}, err
				}
				rule.Validate = fn
			}
			pc.ParameterRules[key] = rule
		}
	}
	out.ParameterConfig = pc
	return out, nil
}
