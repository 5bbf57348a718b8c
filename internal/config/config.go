// Package config 配置加载
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	yamlCfg := loadYAMLConfig(env)

	// 从环境变量获取敏感信息
	yamlCfg.Database.Password = firstEnv("DB_PASSWORD", "MONGO_ROOT_PASSWORD")
	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	yamlCfg.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")

	databaseURL := getEnv("DATABASE_URL", buildDatabaseURL(yamlCfg.Database, yamlCfg.Database.Password))

	cfg := &Config{
		Env:            env,
		DatabaseDriver: detectDatabaseDriver(yamlCfg.Database.Driver, databaseURL),
		DatabaseURL:    databaseURL,
		DatabaseDBName: yamlCfg.Database.Name,
		RedisURL:       getEnv("REDIS_URL", buildRedisURL(yamlCfg.Redis)),
		APIPort:        getEnv("API_PORT", yamlCfg.APIServer.Port),
		MinIO:          yamlCfg.MinIO,
		Worker:         yamlCfg.Worker,
	}

	if cfg.DatabaseDBName == "" {
		cfg.DatabaseDBName = "leadscan"
	}

	cfg.Worker.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		APIServer: APIServerConfig{Port: "8080"},
		Database:  DatabaseConfig{Driver: "mongodb", Host: "localhost", Port: 27017, Name: "leadscan"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		MinIO:     MinIOConfig{Endpoint: "localhost:9000", Bucket: "leadscan"},
		Worker: WorkerConfig{
			MaxConcurrency: 4,
			AgentTimeout:   2 * time.Minute,
			LeaseTTL:       5 * time.Minute,
			MaxAttempts:    3,
			MaxStalls:      3,
			BackoffTiers:   []time.Duration{10 * time.Second, 1 * time.Minute, 5 * time.Minute},
			Consume:        WorkerConsumeConfig{Count: 10, BlockTimeout: 5 * time.Second},
			Stall:          WorkerStallConfig{CheckInterval: 30 * time.Second, MinIdle: 2 * time.Minute},
			Fallback:       WorkerFallbackConfig{Interval: 5 * time.Minute, StaleThreshold: 5 * time.Minute},
		},
	}

	// common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}
