// Package main API Server 入口
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadscan/internal/apiserver/scan"
	"leadscan/internal/apiserver/server"
	"leadscan/internal/config"
	"leadscan/internal/shared/artifact"
	busredis "leadscan/internal/shared/bus/redis"
	queueredis "leadscan/internal/shared/queue/redis"
	"leadscan/internal/shared/storage"
	pgdriver "leadscan/internal/shared/storage/driver/postgres"
	sqlitedriver "leadscan/internal/shared/storage/driver/sqlite"
	"leadscan/internal/shared/storage/mongostore"
	"leadscan/internal/shared/storage/repository"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库和 Redis）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化存储层
	store, closeStore, err := newScanStore(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeStore()

	// 初始化 Redis（任务队列 + 事件总线）
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

	// 初始化 MinIO 报告存储（可选）
	artifacts := newArtifactClient(cfg)

	h := server.NewHandler(store, jobQueue, eventBus, artifacts)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE 长连接不能设写超时
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
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

// newArtifactClient 初始化报告存储；未配置 MinIO 时返回 nil
func newArtifactClient(cfg *config.Config) scan.ArtifactCleaner {
	if cfg.MinIO.Endpoint == "" {
		log.Println("MinIO not configured, report storage disabled")
		return nil
	}
	client, err := artifact.NewClient(cfg.MinIO)
	if err != nil {
		log.Printf("Failed to connect to MinIO, report storage disabled: %v", err)
		return nil
	}
	if err := client.EnsureBucket(context.Background()); err != nil {
		log.Printf("Failed to ensure MinIO bucket: %v", err)
	}
	log.Println("Connected to MinIO")
	return client
}
