// Package main は財務ドキュメント解析APIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/findoc-analyzer/internal/analysis"
	"github.com/yourusername/findoc-analyzer/internal/auth"
	"github.com/yourusername/findoc-analyzer/internal/config"
	"github.com/yourusername/findoc-analyzer/internal/document"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// 認証設定がある場合のみセッションストアを配線する
	if cfg.AuthEnabled() {
		store := cookie.NewStore([]byte(cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   auth.SessionMaxAgeSeconds(),
			HttpOnly: true,
			Secure:   cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))
	}

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ドキュメント受付サービスと解析ケイパビリティの構築
	docService := document.NewService(cfg.DataDir, cfg.MaxFileSize)
	analyzer, analyzerCleanup, err := setupAnalyzer(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to set up analyzer: %v", err)
	}
	defer analyzerCleanup()

	// ジョブ管理（Redisストア・SQLite履歴・Asynqワーカー）の構築
	deps, err := setupJobs(cfg, docService, analyzer)
	if err != nil {
		log.Fatalf("Failed to set up jobs: %v", err)
	}
	defer deps.Close()

	deps.manager.StartWorkers()

	// ルーティングの設定
	setupRoutes(router, cfg, docService, analyzer, deps)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, docService *document.Service, analyzer analysis.Analyzer, deps *jobDeps) {
	// 誰でも叩けるヘルスチェック
	router.GET("/health", healthHandler(cfg))
	router.GET("/health/ready", readyHandler(deps))

	api := router.Group("/api")

	var protected *gin.RouterGroup
	if cfg.AuthEnabled() {
		authManager := auth.NewManager(cfg)

		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected = api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
	} else {
		protected = api.Group("")
	}

	scheduler := &analysisJobScheduler{manager: deps.manager}
	{
		protected.POST("/analyze", document.AnalyzeHandler(docService, analyzer))
		protected.POST("/analyze/async", document.AnalyzeAsyncHandler(docService, scheduler))
		protected.GET("/jobs/:id", jobStatusHandler(deps.manager))
		protected.GET("/analyses", historyListHandler(deps.history))
		protected.GET("/analyses/:id", historyGetHandler(deps.history))
	}
}
