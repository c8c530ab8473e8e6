// internal/api/router.go
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouterOptions 路由配置
type RouterOptions struct {
	Admission AdmissionController // 为 nil 时不限流
	Debug     bool
	StaticDir string // 非空时提供前端静态文件与占位图
}

// SetupRouter 配置HTTP路由
func SetupRouter(handler *Handler, opts RouterOptions) *gin.Engine {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(requestLogger(handler.Logger, handler.Metrics))
	r.Use(corsMiddleware())

	admission := AdmissionMiddleware(opts.Admission, handler.Response, handler.Logger)

	api := r.Group("/api")
	{
		api.GET("/health", handler.HealthCheck)
		api.GET("/metrics", handler.GetMetrics)

		zines := api.Group("/zines")
		{
			zines.POST("", admission, handler.GenerateZine)
			zines.POST("/tasks", admission, handler.StartZineTask)
			zines.GET("/tasks/:taskID", handler.GetZineTask)
			zines.GET("/tasks/:taskID/progress", handler.SubscribeZineProgress)
		}

		share := api.Group("/share")
		{
			share.POST("", handler.ShareZine)
			share.GET("/:id", handler.GetSharedZine)
		}
	}

	r.GET("/ws/zines/:taskID", handler.ZineProgressSocket)

	if opts.StaticDir != "" {
		r.Static("/static", opts.StaticDir)
		r.StaticFile("/placeholder-error.svg", opts.StaticDir+"/placeholder-error.svg")
	}

	r.NoRoute(func(c *gin.Context) {
		handler.Response.Error(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})

	return r
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
