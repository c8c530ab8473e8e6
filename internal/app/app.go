// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Corphon/ZineForge/internal/api"
	"github.com/Corphon/ZineForge/internal/config"
	"github.com/Corphon/ZineForge/internal/di"
	"github.com/Corphon/ZineForge/internal/imagegen"
	"github.com/Corphon/ZineForge/internal/services"
	"github.com/Corphon/ZineForge/internal/storage"
	"github.com/Corphon/ZineForge/internal/utils"
	"github.com/gin-gonic/gin"

	// 注册提供者
	_ "github.com/Corphon/ZineForge/internal/imagegen/providers/dalle"
	_ "github.com/Corphon/ZineForge/internal/imagegen/providers/runware"
	_ "github.com/Corphon/ZineForge/internal/llm/providers/openai"
	_ "github.com/Corphon/ZineForge/internal/llm/providers/openrouter"
)

// 容器中的服务名称
const (
	ServiceLLM      = "llm"
	ServiceImages   = "images"
	ServicePlanner  = "planner"
	ServiceContent  = "content"
	ServiceZine     = "zine"
	ServiceShare    = "share"
	ServiceProgress = "progress"
	ServiceStore    = "store"
	ServiceMetrics  = "metrics"
)

// App 持有一个进程内所有已装配的服务
type App struct {
	config    *config.Config
	container *di.Container
	logger    *utils.Logger
	metrics   *utils.MetricsCollector
	store     storage.ZineStore
	limiter   *api.IntervalRateLimiter
}

// Build 按依赖顺序创建服务并注册到容器
func Build(cfg *config.Config, logger *utils.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := utils.NewMetricsCollector()
	container := di.NewContainer()

	llmService := services.NewLLMServiceFromConfig(cfg, logger)
	if !llmService.IsReady() {
		logger.Warn("LLM service not ready, generation will fail at story planning", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"state":    llmService.GetReadyState(),
		})
	}

	primary := newImageProvider(cfg.ImagePrimaryProvider, cfg, logger)
	secondary := newImageProvider(cfg.ImageSecondaryProvider, cfg, logger)
	imageService := services.NewImageService(primary, secondary, services.ImageServiceOptions{
		PrimaryTimeout: cfg.ImagePrimaryTimeout,
		Placeholder:    cfg.PlaceholderImageURL,
	}, logger, metrics)

	planner := services.NewStoryPlanner(llmService, services.StoryPlannerOptions{
		Model:         cfg.PlannerModel,
		PageCount:     cfg.PageCount,
		AllowDegraded: cfg.AllowDegradedPlan,
	}, logger, metrics)
	content := services.NewContentGenerator(llmService, cfg.ContentModel, logger, metrics)

	zineService := services.NewZineService(planner, content, imageService, services.ZineServiceOptions{
		PageConcurrency: cfg.PageConcurrency,
		MinPromptLength: cfg.MinPromptLength,
		Placeholder:     imageService.Placeholder(),
	}, logger, metrics)

	container.Register(ServiceMetrics, metrics)
	container.Register(ServiceStore, store)
	container.Register(ServiceLLM, llmService)
	container.Register(ServiceImages, imageService)
	container.Register(ServicePlanner, planner)
	container.Register(ServiceContent, content)
	container.Register(ServiceZine, zineService)
	container.Register(ServiceShare, services.NewShareService(store, cfg.PublicBaseURL, logger, metrics))
	container.Register(ServiceProgress, services.NewProgressService())

	logger.Info("Services initialized", map[string]interface{}{
		"services":      len(container.GetNames()),
		"pages":         planner.PageCount(),
		"llm_provider":  cfg.LLMProvider,
		"image_primary": cfg.ImagePrimaryProvider,
		"share_backend": cfg.ShareBackend,
	})

	return &App{
		config:    cfg,
		container: container,
		logger:    logger,
		metrics:   metrics,
		store:     store,
		limiter:   api.NewIntervalRateLimiter(cfg.RateLimitPerMinute, time.Minute, cfg.RateLimitMinInterval),
	}, nil
}

// openStore 根据配置选择分享存储后端
func openStore(cfg *config.Config, logger *utils.Logger) (storage.ZineStore, error) {
	switch cfg.ShareBackend {
	case config.ShareBackendFile:
		store, err := storage.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("初始化文件存储失败: %w", err)
		}
		return store, nil
	default:
		store, err := storage.OpenSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("初始化SQLite存储失败: %w", err)
		}
		logger.Info("SQLite share store opened", map[string]interface{}{"path": store.Path()})
		return store, nil
	}
}

// newImageProvider 创建图片提供者；未配置或初始化失败时返回 nil，该级直接视为失败
func newImageProvider(name string, cfg *config.Config, logger *utils.Logger) imagegen.Provider {
	var providerConfig map[string]string
	switch name {
	case "", "none":
		return nil
	case "runware":
		providerConfig = map[string]string{
			"api_key": cfg.RunwareAPIKey,
			"model":   cfg.RunwareModel,
		}
	case "openai":
		providerConfig = map[string]string{
			"api_key":  cfg.OpenAIAPIKey,
			"base_url": cfg.OpenAIBaseURL,
		}
	default:
		providerConfig = map[string]string{}
	}

	provider, err := imagegen.GetProvider(name, providerConfig)
	if err != nil {
		logger.Warn("Image provider unavailable", map[string]interface{}{
			"provider": name,
			"error":    err.Error(),
		})
		return nil
	}
	return provider
}

// Container 返回服务容器
func (a *App) Container() *di.Container {
	return a.container
}

// ZineService 生成编排服务
func (a *App) ZineService() *services.ZineService {
	return di.MustResolve[*services.ZineService](a.container, ServiceZine)
}

// ShareService 分享服务
func (a *App) ShareService() *services.ShareService {
	return di.MustResolve[*services.ShareService](a.container, ServiceShare)
}

// ProgressService 异步任务进度服务
func (a *App) ProgressService() *services.ProgressService {
	return di.MustResolve[*services.ProgressService](a.container, ServiceProgress)
}

// Router 构建 HTTP 路由
func (a *App) Router() *gin.Engine {
	handler := api.NewHandler(
		a.ZineService(),
		a.ShareService(),
		a.ProgressService(),
		di.MustResolve[*services.LLMService](a.container, ServiceLLM),
		di.MustResolve[*services.ImageService](a.container, ServiceImages),
		a.metrics,
		a.logger,
	)

	opts := api.RouterOptions{
		Admission: a.limiter,
		Debug:     a.config.DebugMode,
	}
	if info, err := os.Stat(a.config.StaticDir); err == nil && info.IsDir() {
		opts.StaticDir = filepath.Clean(a.config.StaticDir)
	}
	return api.SetupRouter(handler, opts)
}

// RunMaintenance 定期清理过期任务与限流记录，直到 ctx 结束
func (a *App) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

func (a *App) sweep(now time.Time) {
	tasks := a.ProgressService().CleanupCompletedTasks(a.config.TaskRetention)
	visitors := a.limiter.Prune(now)
	if tasks > 0 || visitors > 0 {
		a.logger.Debug("Maintenance sweep", map[string]interface{}{
			"tasks_removed":    tasks,
			"visitors_removed": visitors,
		})
	}
}

// Close 释放存储等资源
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭存储失败: %w", err))
		}
	}
	a.logger.Info("Application resources released", nil)
	return errors.Join(errs...)
}
