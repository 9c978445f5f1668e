// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/layer-forge/internal/api"
	"github.com/yourusername/layer-forge/internal/config"
	"github.com/yourusername/layer-forge/internal/history"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = 32 << 20

	// 履歴用のセッションストア。ローカル開発では鍵が無くても動くようにする
	secret := cfg.SessionSecret
	if secret == "" {
		secret = "layer-forge-dev-secret"
		logger.Warn("SESSION_SECRET is not set; using development secret")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   history.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(history.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "If-None-Match"}
	// ダウンロード時のファイル名とジョブIDをフロントエンドから読めるように公開
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "ETag", "X-Job-Id", "Retry-After"}
	router.Use(cors.New(corsConfig))

	manager, err := setupJobs(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to setup jobs: %v", err)
	}
	if err := manager.StartWorkers(); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	setupRoutes(router, cfg, manager, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker shutdown failed", "error", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "layer-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes はハンドラーとセッション履歴の配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, manager api.Service, logger *slog.Logger) {
	router.GET("/health", handleHealth)

	tracker := history.NewTracker(manager, history.DefaultLimit)
	api.NewHandler(manager, tracker, cfg.MaxUploadSize, logger).Register(router)
}
