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

	"ARS-Engine/internal/engine"
	"ARS-Engine/internal/reserve"
	"ARS-Engine/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "ARS_CONFIG"

// DefaultConfigPath 是未设置环境变量时使用的路径。
const DefaultConfigPath = "configs/ars.json"

// Config 描述了 ARS 引擎在启动阶段需要加载的核心配置。
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Engine    EngineConfig    `json:"engine"`
	Bootstrap BootstrapConfig `json:"bootstrap"`
	Web3      Web3Config      `json:"web3"`
	Metrics   MetricsConfig   `json:"metrics"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 统一描述交易日志后端的连接信息。
type StorageConfig struct {
	Journal JournalConfig `json:"journal"`
}

// JournalConfig 支持 memory、mysql、sqlite 三种驱动。
type JournalConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	Path                   string `json:"path"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最大存活时间。
func (j JournalConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(j.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最大空闲时间。
func (j JournalConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(j.ConnMaxIdleTimeSeconds) * time.Second
}

// QueueConfig 描述复制日志队列。
type QueueConfig struct {
	Driver     string         `json:"driver"`
	BufferSize int            `json:"buffer_size"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// EngineConfig 包含协议参数与处理器参数。
type EngineConfig struct {
	Params              engine.Params `json:"params"`
	MaxRetries          int           `json:"max_retries"`
	TickIntervalSeconds int           `json:"tick_interval_seconds"`
}

// TickInterval 返回心跳间隔。
func (e EngineConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalSeconds) * time.Second
}

// BootstrapConfig 描述创世状态。
type BootstrapConfig struct {
	Authority     string                `json:"authority"`
	Treasury      string                `json:"treasury"`
	InitialSupply uint64                `json:"initial_supply"`
	StartTime     int64                 `json:"start_time"`
	AssetsFile    string                `json:"assets_file"`
	Agents        []engine.GenesisAgent `json:"agents"`
}

// Web3Config 描述链上账本的接入方式。
type Web3Config struct {
	Enabled      bool   `json:"enabled"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	SignerKeyEnv string `json:"signer_key_env"`
	ChainClock   bool   `json:"chain_clock"`
}

// MetricsConfig 控制 Prometheus 暴露端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 描述告警渠道。日志渠道始终开启。
type AlertingConfig struct {
	RedisStream RedisStreamConfig `json:"redis_stream"`
	Webhook     WebhookConfig     `json:"webhook"`
}

// RedisStreamConfig 是告警流参数。
type RedisStreamConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
	MaxLen   int64  `json:"max_len"`
}

// WebhookConfig 是告警 Webhook 参数。
type WebhookConfig struct {
	URL string `json:"url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoadFromEnv 按 ARS_CONFIG 指定的路径加载配置。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(path)
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

	cfg := Config{Engine: EngineConfig{Params: engine.DefaultParams()}}
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

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	c.Storage.Journal.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Journal.Driver))
	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}
	if c.Storage.Journal.Driver == "sqlite" {
		c.Storage.Journal.Path = resolve(baseDir, c.Storage.Journal.Path, filepath.Join(c.Runtime.DataDir, "journal.db"))
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 1024
	}

	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.TickIntervalSeconds <= 0 {
		c.Engine.TickIntervalSeconds = 60
	}

	if c.Bootstrap.Treasury == "" {
		c.Bootstrap.Treasury = c.Bootstrap.Authority
	}
	if c.Bootstrap.AssetsFile != "" {
		c.Bootstrap.AssetsFile = resolve(baseDir, c.Bootstrap.AssetsFile, "")
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Web3.SignerKeyEnv == "" {
		c.Web3.SignerKeyEnv = "ARS_SIGNER_KEY"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9100"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Journal.Driver {
	case "memory", "sqlite":
	case "mysql":
		if strings.TrimSpace(c.Storage.Journal.DSN) == "" {
			return errors.New("mysql 交易日志需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的交易日志驱动: %s", c.Storage.Journal.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Address) == "" {
			return errors.New("redis 队列需要配置 address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}

	if strings.TrimSpace(c.Bootstrap.Authority) == "" {
		return errors.New("bootstrap.authority 不能为空")
	}
	// 重启时按同一创世配置重放日志，起始时间必须固定。
	if c.Bootstrap.StartTime <= 0 {
		return errors.New("bootstrap.start_time 必须为正的 Unix 秒")
	}
	if c.Web3.Enabled && c.Web3.ChainConfig == "" {
		return errors.New("启用 web3 时需要配置 chain_config")
	}
	return nil
}

// Logger 返回 pkg/logger 使用的配置。
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OutputPaths: c.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    c.Logging.Audit.Enabled,
			Path:       c.Logging.Audit.Path,
			MaxSizeMB:  c.Logging.Audit.MaxSizeMB,
			MaxBackups: c.Logging.Audit.MaxBackups,
			MaxAgeDays: c.Logging.Audit.MaxAgeDays,
			Compress:   c.Logging.Audit.Compress,
		},
	}
}

// Genesis 组合创世参数与资产定义。
func (c *Config) Genesis() (engine.Genesis, error) {
	assets, err := reserve.LoadAssetDefinitions(c.Bootstrap.AssetsFile)
	if err != nil {
		return engine.Genesis{}, err
	}
	return engine.Genesis{
		Authority:     c.Bootstrap.Authority,
		Treasury:      c.Bootstrap.Treasury,
		InitialSupply: c.Bootstrap.InitialSupply,
		StartTime:     c.Bootstrap.StartTime,
		Assets:        assets.Assets,
		Agents:        c.Bootstrap.Agents,
		Params:        c.Engine.Params,
	}, nil
}

func resolve(baseDir, path, fallback string) string {
	if strings.TrimSpace(path) == "" {
		return fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
