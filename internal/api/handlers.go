// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Corphon/ZineForge/internal/errors"
	"github.com/Corphon/ZineForge/internal/imagegen"
	"github.com/Corphon/ZineForge/internal/llm"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/services"
	"github.com/Corphon/ZineForge/internal/utils"
	"github.com/gin-gonic/gin"
)

const sseHeartbeatInterval = 15 * time.Second

// Handler 处理API请求
type Handler struct {
	ZineService     *services.ZineService     // 生成编排
	ShareService    *services.ShareService    // 分享存储
	ProgressService *services.ProgressService // 异步任务进度
	LLMService      *services.LLMService      // 文本模型状态（健康检查）
	ImageService    *services.ImageService    // 图片提供者（健康检查）
	Metrics         *utils.MetricsCollector
	Response        *ResponseHelper
	Logger          *utils.Logger

	heartbeat time.Duration
}

// NewHandler 创建处理器
func NewHandler(
	zineService *services.ZineService,
	shareService *services.ShareService,
	progressService *services.ProgressService,
	llmService *services.LLMService,
	imageService *services.ImageService,
	metrics *utils.MetricsCollector,
	logger *utils.Logger,
) *Handler {
	return &Handler{
		ZineService:     zineService,
		ShareService:    shareService,
		ProgressService: progressService,
		LLMService:      llmService,
		ImageService:    imageService,
		Metrics:         metrics,
		Response:        NewResponseHelper(),
		Logger:          logger,
		heartbeat:       sseHeartbeatInterval,
	}
}

// GenerateZineRequest 生成请求
type GenerateZineRequest struct {
	Prompt string `json:"prompt"`
}

// TaskStatusResponse 异步任务状态
type TaskStatusResponse struct {
	Task   services.ProgressUpdate `json:"task"`
	Result *models.ZineResult      `json:"result,omitempty"`
}

func (h *Handler) bindPrompt(c *gin.Context) (string, bool) {
	var req GenerateZineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return "", false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		h.Response.Error(c, http.StatusBadRequest, ErrorValidation, "prompt is required")
		return "", false
	}
	return req.Prompt, true
}

// GenerateZine 同步生成，请求断开时取消生成
func (h *Handler) GenerateZine(c *gin.Context) {
	prompt, ok := h.bindPrompt(c)
	if !ok {
		return
	}

	result := h.ZineService.GenerateZine(c.Request.Context(), prompt, nil)
	if !result.Success {
		h.writeFailedResult(c, result)
		return
	}
	h.Response.Success(c, result)
}

// writeFailedResult 422 响应，同时保留结果中的阶段与故事骨架
func (h *Handler) writeFailedResult(c *gin.Context, result *models.ZineResult) {
	c.JSON(http.StatusUnprocessableEntity, &APIResponse{
		Success: false,
		Data:    result,
		Error: &APIError{
			Code:    ErrorZineGenerationFailed,
			Message: sanitizeErrorMessage(result.Error),
			Details: string(result.Stage),
		},
		Timestamp: time.Now(),
		RequestID: h.Response.getRequestID(c),
	})
}

// StartZineTask 后台生成，立即返回任务ID
func (h *Handler) StartZineTask(c *gin.Context) {
	prompt, ok := h.bindPrompt(c)
	if !ok {
		return
	}

	// 任务生命周期独立于本次请求
	ctx := context.WithoutCancel(c.Request.Context())
	taskID := h.ZineService.GenerateAsync(ctx, prompt, h.ProgressService)

	h.Logger.Info("Zine task started", map[string]interface{}{"task_id": taskID})
	h.Response.Accepted(c, gin.H{
		"task_id":      taskID,
		"status_url":   "/api/zines/tasks/" + taskID,
		"progress_url": "/api/zines/tasks/" + taskID + "/progress",
	}, "generation started")
}

// GetZineTask 查询任务状态，结束后附带结果
func (h *Handler) GetZineTask(c *gin.Context) {
	tracker, ok := h.ProgressService.GetTracker(c.Param("taskID"))
	if !ok {
		h.Response.NotFound(c, ErrorTaskNotFound, "task not found")
		return
	}

	h.Response.Success(c, TaskStatusResponse{
		Task:   tracker.Snapshot(),
		Result: tracker.Result(),
	})
}

// SubscribeZineProgress 以 SSE 推送任务进度，任务结束时发送 result 事件并关闭
func (h *Handler) SubscribeZineProgress(c *gin.Context) {
	tracker, exists := h.ProgressService.GetTracker(c.Param("taskID"))
	if !exists {
		h.Response.NotFound(c, ErrorTaskNotFound, "task not found")
		return
	}

	// 设置SSE响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()

	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	writeSSE(c, "connected", gin.H{"task_id": tracker.TaskID})

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updateChan:
			if !ok {
				return
			}
			writeSSE(c, "progress", update)

			if update.Status != services.TaskRunning {
				<-tracker.Done
				writeSSE(c, "result", tracker.Result())
				return
			}
		case <-tracker.Done:
			// 订阅通道满时终态更新可能被丢弃
			writeSSE(c, "progress", tracker.Snapshot())
			writeSSE(c, "result", tracker.Result())
			return
		case <-ticker.C:
			writeSSE(c, "heartbeat", gin.H{"time": time.Now().Unix()})
		}
	}
}

func writeSSE(c *gin.Context, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}

// ShareZine 保存分享记录
func (h *Handler) ShareZine(c *gin.Context) {
	var req services.ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	resp, err := h.ShareService.Save(c.Request.Context(), req)
	if err != nil {
		if apperrors.IsProcessingError(err) {
			h.Logger.Error("Share save failed", map[string]interface{}{"error": err.Error()})
			h.Response.Error(c, http.StatusInternalServerError, ErrorShareSaveFailed, "failed to save zine", "")
			return
		}
		h.Response.AppError(c, err)
		return
	}
	h.Response.Created(c, resp, "zine shared")
}

// GetSharedZine 读取分享记录
func (h *Handler) GetSharedZine(c *gin.Context) {
	zine, err := h.ShareService.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, zine)
}

// GetMetrics 返回运行指标
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, h.Metrics.GetMetrics())
}

// HealthCheck 报告文本模型与图片提供者的就绪状态。
// 文本模型未就绪时服务仍可访问，但生成会在规划阶段失败。
func (h *Handler) HealthCheck(c *gin.Context) {
	status := "ok"
	llmState := "unconfigured"
	llmProvider := ""
	if h.LLMService != nil {
		llmState = h.LLMService.GetReadyState()
		llmProvider = h.LLMService.GetProviderName()
		if !h.LLMService.IsReady() {
			status = "degraded"
		}
	}

	images := gin.H{}
	if h.ImageService != nil {
		primary, secondary := h.ImageService.Providers()
		images["primary"] = primary
		images["secondary"] = secondary
	}

	h.Response.Success(c, gin.H{
		"status": status,
		"llm": gin.H{
			"provider": llmProvider,
			"state":    llmState,
		},
		"images": images,
		"registered": gin.H{
			"llm":    llm.ListProviders(),
			"images": imagegen.ListProviders(),
		},
		"active": gin.H{
			"zines":      h.Metrics.GetGauge("zine.in_flight"),
			"websockets": h.Metrics.GetGauge("ws.connections"),
			"generated":  h.Metrics.GetCounterValue("zine.generated"),
		},
		"time": time.Now().Format(time.RFC3339),
	})
}
