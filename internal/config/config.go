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

	"gopkg.in/yaml.v3"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/auth"
	"Agora-Governance/internal/dispatch"
	"Agora-Governance/pkg/logger"
)

// 环境变量。
const (
	EnvConfigPath = "AGORA_CONFIG"
	EnvJWTSecret  = "AGORA_JWT_SECRET"
)

// DefaultPath 是未设置 AGORA_CONFIG 时使用的配置文件。
var DefaultPath = filepath.Join("configs", "agora.json")

// Config 描述了 agorad 在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Logging     logger.Config     `json:"logging" yaml:"logging"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Governance  GovernanceConfig  `json:"governance" yaml:"governance"`
	Council     CouncilConfig     `json:"council" yaml:"council"`
	Dispatch    DispatchConfig    `json:"dispatch" yaml:"dispatch"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Agents      AgentsConfig      `json:"agents" yaml:"agents"`
	Patterns    PatternsConfig    `json:"patterns" yaml:"patterns"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Alerting    AlertingConfig    `json:"alerting" yaml:"alerting"`
	Runtime     RuntimeConfig     `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址和限流。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	// RateLimit 是 dispatch 与投票接口每秒允许的请求数，0 表示不限流。
	RateLimit       float64  `json:"rate_limit" yaml:"rate_limit"`
	RateBurst       int      `json:"rate_burst" yaml:"rate_burst"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig 对应 auth.Config。
type AuthConfig struct {
	Mode  string      `json:"mode" yaml:"mode"`
	JWT   JWTConfig   `json:"jwt" yaml:"jwt"`
	Seeds []auth.Seed `json:"seeds" yaml:"seeds"`
}

// JWTConfig 描述本地签发令牌的参数。
type JWTConfig struct {
	Secret     string   `json:"secret" yaml:"secret"`
	Issuer     string   `json:"issuer" yaml:"issuer"`
	Audience   []string `json:"audience" yaml:"audience"`
	AccessTTL  Duration `json:"access_ttl" yaml:"access_ttl"`
	RefreshTTL Duration `json:"refresh_ttl" yaml:"refresh_ttl"`
}

// GovernanceConfig 控制宪章的来源。
type GovernanceConfig struct {
	PrinciplesFile string `json:"principles_file" yaml:"principles_file"`
	// BuiltinPrinciples 为空时默认启用内置原则。
	BuiltinPrinciples *bool `json:"builtin_principles" yaml:"builtin_principles"`
	LedgerSize        int   `json:"ledger_size" yaml:"ledger_size"`
}

// UseBuiltin 判断是否加载内置原则。
func (g GovernanceConfig) UseBuiltin() bool {
	return g.BuiltinPrinciples == nil || *g.BuiltinPrinciples
}

// CouncilConfig 控制议会的默认阈值和有效期。
type CouncilConfig struct {
	DefaultThreshold   float64                       `json:"default_threshold" yaml:"default_threshold"`
	TTL                Duration                      `json:"ttl" yaml:"ttl"`
	SweepInterval      Duration                      `json:"sweep_interval" yaml:"sweep_interval"`
	ExpertiseWeighting bool                          `json:"expertise_weighting" yaml:"expertise_weighting"`
	Expertise          map[string]map[string]float64 `json:"expertise" yaml:"expertise"`
}

// DispatchConfig 控制调度器的等待时间和路由表。
type DispatchConfig struct {
	ConsensusWait Duration                `json:"consensus_wait" yaml:"consensus_wait"`
	PatternFloor  float64                 `json:"pattern_floor" yaml:"pattern_floor"`
	KeywordRoutes []dispatch.KeywordRoute `json:"keyword_routes" yaml:"keyword_routes"`
}

// QueueConfig 描述执行队列和派发通道。
type QueueConfig struct {
	Driver         string         `json:"driver" yaml:"driver"`
	Workers        int            `json:"workers" yaml:"workers"`
	BufferSize     int            `json:"buffer_size" yaml:"buffer_size"`
	TaskTimeout    Duration       `json:"task_timeout" yaml:"task_timeout"`
	StallThreshold Duration       `json:"stall_threshold" yaml:"stall_threshold"`
	SweepInterval  Duration       `json:"sweep_interval" yaml:"sweep_interval"`
	MaxLiveTasks   int            `json:"max_live_tasks" yaml:"max_live_tasks"`
	PurgeAfter     Duration       `json:"purge_after" yaml:"purge_after"`
	Redis          RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string   `json:"address" yaml:"address"`
	Password  string   `json:"password" yaml:"password"`
	DB        int      `json:"db" yaml:"db"`
	Queue     string   `json:"queue" yaml:"queue"`
	Prefix    string   `json:"prefix" yaml:"prefix"`
	BlockWait Duration `json:"block_wait" yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// AgentsConfig 描述 Agent 名册和运行时调用参数。
type AgentsConfig struct {
	File           string             `json:"file" yaml:"file"`
	Roster         []agent.Descriptor `json:"roster" yaml:"roster"`
	RuntimeToken   string             `json:"runtime_token" yaml:"runtime_token"`
	RuntimeTimeout Duration           `json:"runtime_timeout" yaml:"runtime_timeout"`
}

// PatternsConfig 控制模式库。
type PatternsConfig struct {
	SeedFile   string `json:"seed_file" yaml:"seed_file"`
	Learning   *bool  `json:"learning" yaml:"learning"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// LearningEnabled 为空时默认开启学习。
func (p PatternsConfig) LearningEnabled() bool {
	return p.Learning == nil || *p.Learning
}

// PersistenceConfig 描述状态快照的存储位置。
type PersistenceConfig struct {
	Driver          string      `json:"driver" yaml:"driver"`
	Path            string      `json:"path" yaml:"path"`
	DSN             string      `json:"dsn" yaml:"dsn"`
	Interval        Duration    `json:"interval" yaml:"interval"`
	MaxOpenConns    int         `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int         `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration    `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	Redis           RedisConfig `json:"redis" yaml:"redis"`
}

// AlertingConfig 配置告警出口。
type AlertingConfig struct {
	WebhookURL     string   `json:"webhook_url" yaml:"webhook_url"`
	WebhookTimeout Duration `json:"webhook_timeout" yaml:"webhook_timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// PathFromEnv 返回 AGORA_CONFIG 指定的路径或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON。
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

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 按扩展名解析配置内容，不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，相对路径以 baseDir 为基准。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		c.Server.RateBurst = int(c.Server.RateLimit)
		if c.Server.RateBurst < 1 {
			c.Server.RateBurst = 1
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = string(auth.ModeDisabled)
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.JWT.AccessTTL <= 0 {
		c.Auth.JWT.AccessTTL = Duration(time.Hour)
	}
	if c.Auth.JWT.RefreshTTL <= 0 {
		c.Auth.JWT.RefreshTTL = Duration(24 * time.Hour)
	}

	if c.Governance.PrinciplesFile != "" {
		c.Governance.PrinciplesFile = resolve(baseDir, c.Governance.PrinciplesFile)
	}
	if c.Governance.LedgerSize <= 0 {
		c.Governance.LedgerSize = 1000
	}

	if c.Council.DefaultThreshold == 0 {
		c.Council.DefaultThreshold = 0.6
	}
	if c.Council.TTL <= 0 {
		c.Council.TTL = Duration(60 * time.Second)
	}
	if c.Council.SweepInterval <= 0 {
		c.Council.SweepInterval = Duration(time.Second)
	}

	if c.Dispatch.ConsensusWait <= 0 {
		c.Dispatch.ConsensusWait = c.Council.TTL
	}
	if c.Dispatch.PatternFloor == 0 {
		c.Dispatch.PatternFloor = 0.5
	}
	if len(c.Dispatch.KeywordRoutes) == 0 {
		c.Dispatch.KeywordRoutes = dispatch.DefaultKeywordRoutes()
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 1024
	}
	if c.Queue.TaskTimeout <= 0 {
		c.Queue.TaskTimeout = Duration(10 * time.Minute)
	}
	if c.Queue.StallThreshold <= 0 {
		c.Queue.StallThreshold = Duration(5 * time.Minute)
	}
	if c.Queue.SweepInterval <= 0 {
		c.Queue.SweepInterval = Duration(15 * time.Second)
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "agora:tasks"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "agora.tasks"
	}

	if c.Agents.File != "" {
		c.Agents.File = resolve(baseDir, c.Agents.File)
	}
	if c.Agents.RuntimeTimeout <= 0 {
		c.Agents.RuntimeTimeout = Duration(30 * time.Second)
	}

	if c.Patterns.SeedFile != "" {
		c.Patterns.SeedFile = resolve(baseDir, c.Patterns.SeedFile)
	}
	if c.Patterns.MaxResults <= 0 {
		c.Patterns.MaxResults = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}

	c.Persistence.Driver = strings.ToLower(strings.TrimSpace(c.Persistence.Driver))
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = "file"
	}
	switch c.Persistence.Driver {
	case "file":
		if c.Persistence.Path == "" {
			c.Persistence.Path = filepath.Join(c.Runtime.DataDir, "state.json")
		}
	case "sqlite":
		if c.Persistence.Path == "" {
			c.Persistence.Path = filepath.Join(c.Runtime.DataDir, "agora.db")
		}
	}
	if c.Persistence.Path != "" {
		c.Persistence.Path = resolve(baseDir, c.Persistence.Path)
	}
	if c.Persistence.Interval <= 0 {
		c.Persistence.Interval = Duration(time.Minute)
	}
	if c.Persistence.Redis.Address == "" {
		c.Persistence.Redis.Address = c.Queue.Redis.Address
	}

	if c.Alerting.WebhookTimeout <= 0 {
		c.Alerting.WebhookTimeout = Duration(5 * time.Second)
	}
}

// applyEnv 让环境变量覆盖敏感字段。
func (c *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		c.Auth.JWT.Secret = secret
	}
}

// Validate 检查取值范围和驱动名称。
func (c *Config) Validate() error {
	var errs []error
	if t := c.Council.DefaultThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("council.default_threshold 必须在 (0,1] 之间: %v", t))
	}
	if f := c.Dispatch.PatternFloor; f < 0 || f > 1 {
		errs = append(errs, fmt.Errorf("dispatch.pattern_floor 必须在 [0,1] 之间: %v", f))
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver))
	}
	if c.Queue.Driver == "redis" && c.Queue.Redis.Address == "" {
		errs = append(errs, errors.New("redis 队列需要配置 queue.redis.address"))
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rabbitmq 队列需要配置 queue.rabbitmq.url"))
	}
	switch c.Persistence.Driver {
	case "none", "file", "sqlite":
	case "mysql":
		if c.Persistence.DSN == "" {
			errs = append(errs, errors.New("mysql 持久化需要配置 persistence.dsn"))
		}
	case "redis":
		if c.Persistence.Redis.Address == "" {
			errs = append(errs, errors.New("redis 持久化需要配置 persistence.redis.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的持久化驱动: %s", c.Persistence.Driver))
	}
	switch auth.Mode(c.Auth.Mode) {
	case auth.ModeDisabled:
	case auth.ModeJWT:
		if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
			errs = append(errs, fmt.Errorf("jwt 模式需要配置 auth.jwt.secret 或 %s", EnvJWTSecret))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的认证模式: %s", c.Auth.Mode))
	}
	return errors.Join(errs...)
}

// AuthService 转换为 auth.Config。
func (c *Config) AuthService() auth.Config {
	return auth.Config{
		Mode: auth.Mode(c.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     c.Auth.JWT.Secret,
			Issuer:     c.Auth.JWT.Issuer,
			Audience:   append([]string(nil), c.Auth.JWT.Audience...),
			AccessTTL:  c.Auth.JWT.AccessTTL.Std(),
			RefreshTTL: c.Auth.JWT.RefreshTTL.Std(),
		},
		Seeds: append([]auth.Seed(nil), c.Auth.Seeds...),
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
