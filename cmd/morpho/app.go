package main

import (
	"context"
	"fmt"
	"morpho-bot/internal/config"
	"morpho-bot/internal/repository"
	"morpho-bot/internal/service"
	"morpho-bot/pkg/database"
	"morpho-bot/pkg/kafka"
	"morpho-bot/pkg/llm"
	"morpho-bot/pkg/log"
	"morpho-bot/pkg/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

// app 持有进程内共享的连接和服务，按需初始化。
type app struct {
	cfg     config.Config
	metrics *metrics.Metrics
	rdb     *redis.Client
	closers []func()

	dialogueRepo    repository.DialogueRepository
	producer        *kafka.Producer
	dialogueService service.DialogueService
}

// loadApp 加载配置并初始化日志。
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	config.Conf = cfg

	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	log.Info("日志记录器初始化成功")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &app{cfg: cfg, metrics: metrics.NewMetrics("morpho", reg)}, nil
}

// Close 按初始化的逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	log.Sync()
}

func (a *app) redis(ctx context.Context) (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb, err := database.NewRedis(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return rdb, nil
}

func (a *app) gorm(driver, dsn string) (*gorm.DB, error) {
	db, err := database.OpenGorm(driver, dsn)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db, nil
}

// dialogueRepository 按 store.driver 选择对话记录的存储后端。
func (a *app) dialogueRepository(ctx context.Context) (repository.DialogueRepository, error) {
	if a.dialogueRepo != nil {
		return a.dialogueRepo, nil
	}
	storeCfg := a.cfg.Store
	var repo repository.DialogueRepository
	switch storeCfg.Driver {
	case "mongo":
		client, err := database.ConnectMongo(ctx, storeCfg.URI)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		collection := client.Database(storeCfg.Database).Collection(storeCfg.Collection)
		if err := repository.EnsureDialogueIndexes(ctx, collection); err != nil {
			return nil, err
		}
		repo = repository.NewMongoDialogueRepository(collection)
	case "redis":
		rdb, err := a.redis(ctx)
		if err != nil {
			return nil, err
		}
		repo = repository.NewRedisDialogueRepository(rdb)
	case "mysql", "sqlite":
		db, err := a.gorm(storeCfg.Driver, storeCfg.DSN)
		if err != nil {
			return nil, err
		}
		if repo, err = repository.NewGormDialogueRepository(db); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("未知的 store.driver: %q", storeCfg.Driver)
	}
	log.Infof("对话存储后端: %s", storeCfg.Driver)
	a.dialogueRepo = repo
	return repo, nil
}

// eventPublisher 在配置了 Kafka 时返回生产者，否则返回 nil。
func (a *app) eventPublisher() service.EventPublisher {
	if a.cfg.Kafka.Brokers == "" {
		return nil
	}
	if a.producer == nil {
		a.producer = kafka.NewProducer(a.cfg.Kafka)
		p := a.producer
		a.closers = append(a.closers, func() {
			if err := p.Close(); err != nil {
				log.Errorf("关闭 Kafka 生产者失败: %v", err)
			}
		})
	}
	return a.producer
}

func (a *app) dialogues(ctx context.Context) (service.DialogueService, error) {
	if a.dialogueService != nil {
		return a.dialogueService, nil
	}
	repo, err := a.dialogueRepository(ctx)
	if err != nil {
		return nil, err
	}
	a.dialogueService = service.NewDialogueService(repo, llm.NewClient(a.cfg.LLM), a.eventPublisher(), a.metrics, service.DialogueOptions{
		MaxChars:    a.cfg.Dialogue.MaxChars,
		MaxTokens:   a.cfg.LLM.Generation.MaxTokens,
		Temperature: a.cfg.LLM.Generation.Temperature,
	})
	return a.dialogueService, nil
}
