// Package main 扫描 Worker 入口
//
// Worker 消费扫描任务队列，驱动阶段编排器执行分析代理，
// 并通过事件总线推送进度。可水平扩展：扫描互斥由 Redis
// 租约保证，多实例间不会重复执行同一扫描。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"leadscan/internal/config"
	"leadscan/internal/shared/artifact"
	busredis "leadscan/internal/shared/bus/redis"
	queueredis "leadscan/internal/shared/queue/redis"
	"leadscan/internal/shared/storage"
	pgdriver "leadscan/internal/shared/storage/driver/postgres"
	sqlitedriver "leadscan/internal/shared/storage/driver/sqlite"
	"leadscan/internal/shared/storage/mongostore"
	"leadscan/internal/shared/storage/repository"
	"leadscan/internal/worker"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting Worker... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	store, closeStore, err := newScanStore(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeStore()

	jobQueue, err := queueredis.NewStoreFromURL(cfg.RedisURL, queueredis.Options{
		MaxAttempts:  cfg.Worker.MaxAttempts,
		BackoffTiers: cfg.Worker.BackoffTiers,
		MaxStalls:    cfg.Worker.MaxStalls,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis queue: %v", err)
	}
	defer jobQueue.Close()

	eventBus, err := busredis.NewStoreFromURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis event bus: %v", err)
	}
	defer eventBus.Close()

	// 报告上传（可选）
	var reports worker.ReportUploader
	if cfg.MinIO.Endpoint != "" {
		client, err := artifact.NewClient(cfg.MinIO)
		if err != nil {
			log.Printf("Failed to connect to MinIO, report upload disabled: %v", err)
		} else {
			if err := client.EnsureBucket(context.Background()); err != nil {
				log.Printf("Failed to ensure MinIO bucket: %v", err)
			}
			reports = client
			log.Println("Connected to MinIO")
		}
	}

	// 模型调用层：配置了模型服务时走 HTTP，否则用确定性桩
	var invoker worker.ModelInvoker
	if endpoint := os.Getenv("MODEL_API_URL"); endpoint != "" {
		invoker = worker.NewHTTPInvoker(endpoint, os.Getenv("MODEL_API_KEY"))
		log.Printf("Using model service at %s", endpoint)
	} else {
		invoker = &worker.StubInvoker{}
		log.Println("MODEL_API_URL not set, using stub invoker")
	}

	runner := worker.NewModelRunner(invoker)
	orch := worker.NewOrchestrator(store, eventBus, runner, reports,
		cfg.Worker.MaxConcurrency, cfg.Worker.AgentTimeout)
	w := worker.NewWorker(store, jobQueue, eventBus, orch, cfg.Worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down worker...")
		cancel()
	}()

	log.Printf("Worker %s running", w.ID())
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Worker error: %v", err)
	}

	log.Println("Worker stopped")
}

// newScanStore 按配置的驱动初始化存储层
func newScanStore(cfg *config.Config) (storage.ScanStore, func(), error) {
	switch cfg.DatabaseDriver {
	case "mongodb":
		store, err := mongostore.NewStore(cfg.DatabaseURL, cfg.DatabaseDBName)
		if err != nil {
			return nil, nil, err
		}
		log.Println("Connected to MongoDB")
		return store, func() { store.Close() }, nil

	case "postgres":
		db, err := pgdriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		dialect := pgdriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := repository.NewStore(db, dialect)
		log.Println("Connected to PostgreSQL")
		return store, func() { store.Close() }, nil

	default: // sqlite
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := repository.NewStore(db, dialect)
		log.Println("Connected to SQLite")
		return store, func() { store.Close() }, nil
	}
}
