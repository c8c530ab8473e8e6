// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/ZineForge/internal/app"
	"github.com/Corphon/ZineForge/internal/config"
	"github.com/Corphon/ZineForge/internal/utils"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("🚀 启动 ZineForge 服务器...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s", cfg.Port)

	// 2. 初始化日志
	logger := utils.GetLogger()
	logger.SetLogLevel(utils.ParseLogLevel(cfg.LogLevel))
	if err := logger.InitLogger(filepath.Join(cfg.LogDir, "zineforge.log")); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Close()

	// 3. 初始化服务
	application, err := app.Build(cfg, logger)
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	defer application.Close()
	log.Println("✅ 所有服务初始化完成")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go application.RunMaintenance(ctx, time.Minute)

	// 4. 启动服务器
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           application.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
		logger.Infof("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Server stopped unexpectedly: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("🛑 正在关闭服务器...")

	// 给进行中的同步生成留出时间
	logger.Warnf("Shutdown requested, waiting up to %s for in-flight requests", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Forced shutdown: %v", err)
		return
	}

	log.Println("✅ 服务器优雅关闭完成")
}
