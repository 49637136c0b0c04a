package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 OpenLake 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Warehouse WarehouseConfig `json:"warehouse"`
	Storage   StorageConfig   `json:"storage"`
	Task      TaskConfig      `json:"task"`
	LLM       LLMConfig       `json:"llm"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Agent     AgentConfig     `json:"agent"`
	Auth      AuthConfig      `json:"auth"`
	Alerting  AlertingConfig  `json:"alerting"`
	Metrics   MetricsConfig   `json:"metrics"`
	Plugins   PluginConfig    `json:"plugins"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// WarehouseConfig 描述数仓连接与查询安全限制。
type WarehouseConfig struct {
	Driver          string      `json:"driver"`
	DSN             string      `json:"dsn"`
	MaxOpenConns    int         `json:"max_open_conns"`
	MaxIdleConns    int         `json:"max_idle_conns"`
	MaxRows         int         `json:"max_rows"`
	QueryTimeoutSec int         `json:"query_timeout_seconds"`
	Cache           CacheConfig `json:"cache"`
}

// CacheConfig 配置基于 Redis 的查询结果缓存。
type CacheConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	TTLSec   int    `json:"ttl_seconds"`
}

// StorageConfig 统一描述后端存储的连接信息。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 选择问答历史的落盘方式。
type RunStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// TaskConfig 配置异步任务子系统。
type TaskConfig struct {
	StoreDriver string         `json:"store_driver"`
	StoreDSN    string         `json:"store_dsn"`
	Queue       QueueConfig    `json:"queue"`
	MaxRetries  int            `json:"max_retries"`
	Workers     int            `json:"workers"`
	Redis       RedisQueueOpts `json:"redis"`
	RabbitMQ    RabbitQueueOpt `json:"rabbitmq"`
}

// QueueConfig 选择任务队列的驱动。
type QueueConfig struct {
	Driver string `json:"driver"`
	Size   int    `json:"size"`
}

// RedisQueueOpts 描述 Redis 队列的连接参数。
type RedisQueueOpts struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	QueueName string `json:"queue_name"`
}

// RabbitQueueOpt 描述 RabbitMQ 队列的连接参数。
type RabbitQueueOpt struct {
	URL       string `json:"url"`
	QueueName string `json:"queue_name"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider   string `json:"provider"`
	APIKey     string `json:"api_key"`
	APIKeyEnv  string `json:"api_key_env"`
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	TimeoutSec int    `json:"timeout_seconds"`
}

// ResolveAPIKey 优先使用环境变量中的密钥，避免把密钥写进配置文件。
func (c LLMConfig) ResolveAPIKey() string {
	if c.APIKeyEnv != "" {
		if value := os.Getenv(c.APIKeyEnv); value != "" {
			return value
		}
	}
	return c.APIKey
}

// KnowledgeConfig 配置静态知识库。
type KnowledgeConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// AgentConfig 控制推理循环的行为。
type AgentConfig struct {
	MaxSteps      int `json:"max_steps"`
	MemoryDepth   int `json:"memory_depth"`
	LLMTimeoutSec int `json:"llm_timeout_seconds"`
}

// AuthConfig 配置身份认证。
type AuthConfig struct {
	Mode  string        `json:"mode"`
	JWT   JWTConfig     `json:"jwt"`
	Seeds []SeedAccount `json:"seeds"`
}

// JWTConfig 配置本地 JWT 签发。
type JWTConfig struct {
	Secret     string   `json:"secret"`
	SecretEnv  string   `json:"secret_env"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  int64    `json:"access_ttl_seconds"`
	RefreshTTL int64    `json:"refresh_ttl_seconds"`
}

// ResolveSecret 优先从环境变量读取签名密钥。
func (c JWTConfig) ResolveSecret() string {
	if c.SecretEnv != "" {
		if value := os.Getenv(c.SecretEnv); value != "" {
			return value
		}
	}
	return c.Secret
}

// SeedAccount 定义启动时注入的账号。
type SeedAccount struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// AlertingConfig 配置告警通知渠道。
type AlertingConfig struct {
	Log     bool          `json:"log"`
	Webhook WebhookConfig `json:"webhook"`
}

// WebhookConfig 配置 Webhook 告警。
type WebhookConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	TimeoutSec int    `json:"timeout_seconds"`
}

// MetricsConfig 配置指标暴露端口。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// PluginConfig 指向插件管理器的 YAML 清单。
type PluginConfig struct {
	ManifestPath string `json:"manifest_path"`
}

// LoggingConfig 配置日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// QueryTimeout 返回数仓单条语句的超时时间。
func (c WarehouseConfig) QueryTimeout() time.Duration {
	if c.QueryTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.QueryTimeoutSec) * time.Second
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Warehouse.Driver == "" {
		c.Warehouse.Driver = "sqlite3"
	}
	if c.Warehouse.Driver == "sqlite3" && c.Warehouse.DSN == "" {
		c.Warehouse.DSN = filepath.Join(baseDir, "data", "warehouse.db")
	}
	if c.Warehouse.MaxRows <= 0 {
		c.Warehouse.MaxRows = 200
	}
	if c.Warehouse.Cache.TTLSec <= 0 {
		c.Warehouse.Cache.TTLSec = 300
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}

	if c.Task.StoreDriver == "" {
		c.Task.StoreDriver = "memory"
	}
	if c.Task.Queue.Driver == "" {
		c.Task.Queue.Driver = "memory"
	}
	if c.Task.Queue.Size <= 0 {
		c.Task.Queue.Size = 128
	}
	if c.Task.MaxRetries <= 0 {
		c.Task.MaxRetries = 3
	}
	if c.Task.Workers <= 0 {
		c.Task.Workers = 4
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENLAKE_LLM_API_KEY"
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 6
	}
	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// validate 拦截明显不可用的组合，尽早失败。
func (c *Config) validate() error {
	switch c.Warehouse.Driver {
	case "mysql", "sqlite3":
	default:
		return fmt.Errorf("不支持的数仓驱动: %s", c.Warehouse.Driver)
	}
	if c.Warehouse.Driver == "mysql" && strings.TrimSpace(c.Warehouse.DSN) == "" {
		return errors.New("mysql 数仓需要配置 dsn")
	}

	switch c.Storage.RunStore.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("不支持的问答历史存储: %s", c.Storage.RunStore.Driver)
	}
	if c.Storage.RunStore.Driver == "mysql" && strings.TrimSpace(c.Storage.RunStore.DSN) == "" {
		return errors.New("mysql 问答历史存储需要配置 dsn")
	}

	switch c.Task.StoreDriver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("不支持的任务存储: %s", c.Task.StoreDriver)
	}
	switch c.Task.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的任务队列: %s", c.Task.Queue.Driver)
	}
	if c.Task.Queue.Driver == "redis" && strings.TrimSpace(c.Task.Redis.Address) == "" {
		return errors.New("redis 队列需要配置 address")
	}
	if c.Task.Queue.Driver == "rabbitmq" && strings.TrimSpace(c.Task.RabbitMQ.URL) == "" {
		return errors.New("rabbitmq 队列需要配置 url")
	}

	switch c.LLM.Provider {
	case "openai", "mock":
	default:
		return fmt.Errorf("不支持的大模型提供方: %s", c.LLM.Provider)
	}

	if c.Warehouse.Cache.Enabled && strings.TrimSpace(c.Warehouse.Cache.Address) == "" {
		return errors.New("查询缓存需要配置 redis address")
	}
	return nil
}
