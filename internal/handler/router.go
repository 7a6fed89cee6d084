package handler

import (
	"morpho-bot/internal/middleware"
	"morpho-bot/internal/service"
	"morpho-bot/pkg/metrics"
	"morpho-bot/pkg/token"
	"net/http"

	"github.com/gin-gonic/gin"
)

const loginPath = "/api/v1/admin/login"

// RouterOptions 汇总了 HTTP 路由需要的依赖。
type RouterOptions struct {
	Mode         string
	JWTManager   *token.JWTManager
	AdminService service.AdminService
	Metrics      *metrics.Metrics
	// Webhook 不为 nil 时挂载到 WebhookPath，接收 Telegram 的推送。
	Webhook     http.Handler
	WebhookPath string
}

// NewRouter 创建 Gin 路由引擎并注册所有路由。
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(loginPath, "/api/v1/admin/refresh"), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	if opts.Webhook != nil {
		r.POST(opts.WebhookPath, gin.WrapH(opts.Webhook))
	}

	authHandler := NewAuthHandler(opts.AdminService)
	adminHandler := NewAdminHandler(opts.AdminService)

	apiV1 := r.Group("/api/v1")
	{
		admin := apiV1.Group("/admin")
		admin.POST("/login", authHandler.Login)
		admin.POST("/refresh", authHandler.RefreshToken)

		// 需要同时通过认证和管理员授权两个中间件
		authed := admin.Group("")
		authed.Use(middleware.AuthMiddleware(opts.JWTManager), middleware.AdminAuthMiddleware())
		{
			dialogues := authed.Group("/dialogues")
			{
				dialogues.GET("", adminHandler.ListDialogues)
				dialogues.POST("/export", adminHandler.ExportDialogues)
				dialogues.GET("/:userId", adminHandler.GetDialogue)
				dialogues.DELETE("/:userId", adminHandler.ResetDialogue)
			}
			turns := authed.Group("/turns")
			{
				turns.GET("", adminHandler.ListTurns)
				turns.GET("/search", adminHandler.SearchTurns)
			}
		}
	}
	return r
}
