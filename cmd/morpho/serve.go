package main

import (
	"context"
	"errors"
	"fmt"
	"morpho-bot/internal/handler"
	"morpho-bot/internal/middleware"
	"morpho-bot/internal/pipeline"
	"morpho-bot/internal/repository"
	"morpho-bot/internal/service"
	"morpho-bot/pkg/es"
	"morpho-bot/pkg/kafka"
	"morpho-bot/pkg/log"
	"morpho-bot/pkg/storage"
	"morpho-bot/pkg/telegram"
	"morpho-bot/pkg/token"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动机器人、管理接口和归档消费者",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	// 1. 对话服务与 Telegram 机器人
	dialogueService, err := a.dialogues(ctx)
	if err != nil {
		return err
	}
	allowList := middleware.NewAllowList(cfg.Bot.AllowedUsers)
	if allowList.Len() == 0 {
		log.Warnf("bot.allowed_users 为空，所有用户都会被拒绝")
	}
	botHandler := handler.NewBotHandler(dialogueService, allowList.Allowed, cfg.Bot.Messages, a.metrics)
	b, err := telegram.New(cfg.Bot, botHandler.Handle)
	if err != nil {
		return err
	}

	// 2. 可选的归档、检索与导出后端
	var (
		conversationRepo repository.ConversationRepository
		indexer          pipeline.TurnIndexer
		searcher         service.TurnSearcher
		uploader         service.ObjectUploader
	)
	if cfg.Archive.Enabled {
		db, err := a.gorm(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return err
		}
		if conversationRepo, err = repository.NewConversationRepository(db); err != nil {
			return err
		}
	}
	if cfg.Elasticsearch.Addresses != "" {
		turnIndex, err := es.NewTurnIndex(cfg.Elasticsearch)
		if err != nil {
			return fmt.Errorf("es 初始化失败: %w", err)
		}
		indexer, searcher = turnIndex, turnIndex
	}
	if cfg.MinIO.Endpoint != "" {
		objectStore, err := storage.NewObjectStore(ctx, cfg.MinIO)
		if err != nil {
			return err
		}
		uploader = objectStore
	}

	// 3. 启动后台 Kafka 消费者
	if cfg.Kafka.Brokers != "" && (conversationRepo != nil || indexer != nil) {
		var attempts kafka.AttemptCounter
		if cfg.Redis.Addr != "" {
			rdb, err := a.redis(ctx)
			if err != nil {
				return err
			}
			attempts = kafka.NewRedisAttemptCounter(rdb)
		}
		consumer := kafka.NewConsumer(cfg.Kafka, pipeline.NewProcessor(conversationRepo, indexer), attempts)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Errorf("Kafka 消费者退出: %v", err)
			}
		}()
	}

	// 4. 管理接口
	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		jwtSecret = token.GenerateRandomString(32)
		log.Warnf("未配置 jwt.secret，使用随机密钥，重启后已签发的 token 失效")
	}
	jwtManager := token.NewJWTManager(jwtSecret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	adminService := service.NewAdminService(cfg.Admin, jwtManager, dialogueService, conversationRepo, searcher, uploader)

	routerOpts := handler.RouterOptions{
		Mode:         cfg.Server.Mode,
		JWTManager:   jwtManager,
		AdminService: adminService,
		Metrics:      a.metrics,
	}
	if cfg.Bot.Mode == telegram.ModeWebhook {
		routerOpts.Webhook = b.WebhookHandler()
		routerOpts.WebhookPath = cfg.Bot.WebhookPath
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: handler.NewRouter(routerOpts),
	}

	errCh := make(chan error, 2)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
	}()
	go func() {
		if err := telegram.Run(ctx, b, cfg.Bot); err != nil {
			errCh <- err
		}
	}()

	// 等待中断信号以实现优雅停机
	select {
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	case err := <-errCh:
		log.Errorf("服务异常退出: %v", err)
		return shutdown(srv, err)
	}
	return shutdown(srv, nil)
}

func shutdown(srv *http.Server, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
	return cause
}
