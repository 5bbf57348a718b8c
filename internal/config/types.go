// Package config 统一配置管理
//
// 配置文件格式统一：API Server 和 Worker 共用同一 YAML schema，
// 通过不同章节（section）区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件中（YAML 中不存储任何密码）。
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
// API Server 和 Worker 共用此格式，通过章节区分
type YAMLConfig struct {
	APIServer APIServerConfig `yaml:"api_server"` // API Server（端口）
	Database  DatabaseConfig  `yaml:"database"`   // 扫描存储
	Redis     RedisConfig     `yaml:"redis"`      // Redis（队列 + 进度总线）
	MinIO     MinIOConfig     `yaml:"minio"`      // MinIO 对象存储（扫描报告）
	Worker    WorkerConfig    `yaml:"worker"`     // Worker 进程
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"` // 监听端口
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres", "sqlite", or "mongodb"（默认 mongodb）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从环境变量读取（DB_PASSWORD / MONGO_ROOT_PASSWORD）
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port，如 mongodb://localhost:27017）
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`  // 是否使用 HTTPS
	Bucket    string `yaml:"bucket"`   // 默认 bucket 名称
}

// WorkerConfig Worker 进程配置
type WorkerConfig struct {
	// ID Worker 标识（租约持有者），为空时自动生成
	ID string `yaml:"id"`

	// MaxConcurrency 单阶段内并发执行的最大分析代理数
	MaxConcurrency int `yaml:"max_concurrency"`

	// AgentTimeout 单个分析代理的执行超时
	AgentTimeout time.Duration `yaml:"agent_timeout"`

	// LeaseTTL 扫描互斥租约时长
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// MaxAttempts 扫描任务最大尝试次数
	MaxAttempts int `yaml:"max_attempts"`

	// MaxStalls 消息停滞转移上限
	MaxStalls int `yaml:"max_stalls"`

	// BackoffTiers 阶梯退避延迟表
	BackoffTiers []time.Duration `yaml:"backoff_tiers"`

	// Consume 队列消费参数
	Consume WorkerConsumeConfig `yaml:"consume"`

	// Stall 停滞检测参数
	Stall WorkerStallConfig `yaml:"stall"`

	// Fallback 兜底轮询参数（捕捞入队丢失的扫描）
	Fallback WorkerFallbackConfig `yaml:"fallback"`
}

type WorkerConsumeConfig struct {
	Count        int           `yaml:"count"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

type WorkerStallConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	MinIdle       time.Duration `yaml:"min_idle"`
}

type WorkerFallbackConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres", "sqlite", or "mongodb"
	DatabaseURL    string
	DatabaseDBName string // MongoDB 数据库名称
	RedisURL       string
	APIPort        string
	MinIO          MinIOConfig
	Worker         WorkerConfig
}
