// internal/services/zine_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/Corphon/ZineForge/internal/errors"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ProgressStep 生成状态机的状态
type ProgressStep string

const (
	StepPlanning   ProgressStep = "planning"
	StepContent    ProgressStep = "content"
	StepGenerating ProgressStep = "generating"
	StepAssembling ProgressStep = "assembling"
	StepComplete   ProgressStep = "complete"
	StepError      ProgressStep = "error"
)

// IsTerminal reports whether no further events follow this step.
func (s ProgressStep) IsTerminal() bool {
	return s == StepComplete || s == StepError
}

// ProgressEvent 每次状态转换和每页插图完成时发出
type ProgressEvent struct {
	Step       ProgressStep `json:"step"`
	Status     string       `json:"status"`
	Percent    int          `json:"percent"`
	Page       int          `json:"page,omitempty"`
	TotalPages int          `json:"totalPages,omitempty"`
	Error      string       `json:"error,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// ProgressFunc 进度回调，由编排器异步调用，不会阻塞管线
type ProgressFunc func(ProgressEvent)

// Planner 故事规划能力
type Planner interface {
	Plan(ctx context.Context, theme string) (*models.StoryPlan, error)
}

// PageExpander 内容生成能力
type PageExpander interface {
	Expand(ctx context.Context, plan *models.StoryPlan) ([]models.PageDraft, error)
}

// Illustrator 图片生成能力，总是返回结果
type Illustrator interface {
	Generate(ctx context.Context, prompt string) models.ImageResult
}

// ZineServiceOptions 编排器参数
type ZineServiceOptions struct {
	PageConcurrency int
	MinPromptLength int
	Placeholder     string
}

// ZineService 驱动 规划 → 内容 → 插图 → 组装 的生成流程。
// 每次 GenerateZine 调用都是独立的状态机，服务本身不保存调用间状态。
type ZineService struct {
	planner     Planner
	expander    PageExpander
	illustrator Illustrator
	opts        ZineServiceOptions
	logger      *utils.Logger
	metrics     *utils.MetricsCollector
}

// NewZineService 创建编排器
func NewZineService(planner Planner, expander PageExpander, illustrator Illustrator, opts ZineServiceOptions, logger *utils.Logger, metrics *utils.MetricsCollector) *ZineService {
	if opts.PageConcurrency <= 0 {
		opts.PageConcurrency = 1
	}
	if opts.Placeholder == "" {
		opts.Placeholder = models.DefaultPlaceholderImage
	}
	return &ZineService{
		planner:     planner,
		expander:    expander,
		illustrator: illustrator,
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
	}
}

// generation 一次生成调用的私有状态
type generation struct {
	prompt   string
	notifier *progressNotifier
	percent  int
}

func (g *generation) report(step ProgressStep, percent int, status string) {
	g.percent = percent
	g.notifier.emit(ProgressEvent{Step: step, Status: status, Percent: percent})
}

// GenerateZine 执行一次完整生成。失败时返回 Success=false 的结果并注明阶段，不返回 error。
func (s *ZineService) GenerateZine(ctx context.Context, prompt string, onProgress ProgressFunc) *models.ZineResult {
	started := time.Now()
	s.metrics.IncGauge("zine.in_flight")
	defer s.metrics.DecGauge("zine.in_flight")

	gen := &generation{
		prompt:   prompt,
		notifier: newProgressNotifier(onProgress, s.logger),
	}
	defer gen.notifier.close()

	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" || utf8.RuneCountInString(trimmed) < s.opts.MinPromptLength {
		err := apperrors.NewValidationError(
			fmt.Sprintf("prompt must be at least %d characters", s.opts.MinPromptLength), nil)
		return s.fail(gen, models.StageStoryPlanning, err, nil)
	}

	// planning
	gen.report(StepPlanning, 10, "Planning your story...")
	plan, err := s.planner.Plan(ctx, trimmed)
	if err != nil {
		return s.fail(gen, models.StageStoryPlanning, err, nil)
	}
	if plan.Degraded {
		s.logger.Warn("Continuing with degraded story plan", map[string]interface{}{"title": plan.Title})
	}

	// content
	gen.report(StepContent, 25, "Writing the pages...")
	drafts, err := s.expander.Expand(ctx, plan)
	if err != nil {
		if !apperrors.IsCountMismatch(err) {
			return s.fail(gen, models.StageContentGeneration, err, plan)
		}
		s.logger.Warn("Content page count differs from story beats, filling gaps with placeholders", map[string]interface{}{
			"beats":  len(plan.Beats),
			"drafts": len(drafts),
		})
	}

	// generating
	total := len(plan.Beats)
	gen.notifier.emit(ProgressEvent{
		Step:       StepGenerating,
		Status:     fmt.Sprintf("Creating %d illustrations...", total),
		Percent:    30,
		TotalPages: total,
	})
	pages := s.illustrate(ctx, gen, plan, drafts)

	// assembling
	gen.report(StepAssembling, 95, "Assembling your zine...")
	result := &models.ZineResult{
		Success:     true,
		Title:       plan.Title,
		Description: plan.Description,
		Pages:       pages,
		Prompt:      prompt,
		Degraded:    plan.Degraded,
	}

	failedPages := 0
	for _, page := range pages {
		if page.HasError() {
			failedPages++
		}
	}

	s.metrics.IncrementCounter("zine.generated")
	s.metrics.RecordDuration("zine.duration_ms", started)
	s.logger.Info("Zine generated", map[string]interface{}{
		"title":        plan.Title,
		"pages":        len(pages),
		"failed_pages": failedPages,
		"duration_ms":  time.Since(started).Milliseconds(),
	})

	gen.notifier.emit(ProgressEvent{Step: StepComplete, Status: "Your zine is ready!", Percent: 100, TotalPages: total})
	return result
}

// illustrate 为每个节拍生成插图页。页面按下标写入，顺序与节拍一致，与完成顺序无关；
// 单页失败不会取消其他页。
func (s *ZineService) illustrate(ctx context.Context, gen *generation, plan *models.StoryPlan, drafts []models.PageDraft) []models.ZinePage {
	total := len(plan.Beats)
	pages := make([]models.ZinePage, total)

	var (
		group     errgroup.Group
		mu        sync.Mutex
		completed int
	)
	group.SetLimit(s.opts.PageConcurrency)

	for i := range plan.Beats {
		i := i
		group.Go(func() error {
			pages[i] = s.buildPage(ctx, i, plan.Beats[i], drafts)

			// 计数与入队在同一把锁内，事件按完成数递增的顺序进入队列
			mu.Lock()
			defer mu.Unlock()
			completed++
			gen.notifier.emit(ProgressEvent{
				Step:       StepGenerating,
				Status:     fmt.Sprintf("Illustration %d of %d ready", completed, total),
				Percent:    30 + 60*completed/total,
				Page:       i + 1,
				TotalPages: total,
			})
			return nil
		})
	}
	_ = group.Wait()

	return pages
}

// buildPage 把草稿与插图合成一页；缺失草稿的节拍直接使用占位图
func (s *ZineService) buildPage(ctx context.Context, index int, beat string, drafts []models.PageDraft) models.ZinePage {
	pageNumber := index + 1

	if index >= len(drafts) {
		msg := "no content was generated for this page"
		return models.ZinePage{
			PageNumber:  pageNumber,
			Text:        beat,
			ImageURL:    s.opts.Placeholder,
			ImagePrompt: beat,
			Provider:    models.ProviderNone,
			Error:       &msg,
		}
	}

	draft := drafts[index]
	image := s.illustrator.Generate(ctx, draft.ImagePrompt)

	page := models.ZinePage{
		PageNumber:   pageNumber,
		Text:         draft.Text,
		ImageURL:     image.ImageURL,
		ImagePrompt:  draft.ImagePrompt,
		Provider:     image.Provider,
		ProviderName: image.ProviderName,
	}
	if !image.Success {
		msg := image.Error
		if msg == "" {
			msg = "image generation failed"
		}
		page.Error = &msg
		if page.ImageURL == "" {
			page.ImageURL = s.opts.Placeholder
		}
	}
	return page
}

// fail 生成失败结果。内容阶段失败时附带故事骨架。
func (s *ZineService) fail(gen *generation, stage models.Stage, err error, plan *models.StoryPlan) *models.ZineResult {
	s.metrics.IncrementCounter("zine.failed." + string(stage))
	s.logger.Error("Zine generation failed", map[string]interface{}{
		"stage": string(stage),
		"error": err.Error(),
	})

	if raw := apperrors.RawResponse(err); raw != "" {
		s.logger.Debug("Raw model response", map[string]interface{}{
			"stage": string(stage),
			"raw":   truncate(raw, 2000),
		})
	}

	result := &models.ZineResult{
		Success: false,
		Pages:   []models.ZinePage{},
		Prompt:  gen.prompt,
		Stage:   stage,
		Error:   err.Error(),
	}
	if plan != nil {
		result.Title = plan.Title
		result.Description = plan.Description
		result.Plan = plan
		result.Degraded = plan.Degraded
	}

	gen.notifier.emit(ProgressEvent{
		Step:    StepError,
		Status:  "Something went wrong",
		Percent: gen.percent,
		Error:   err.Error(),
	})
	return result
}

// GenerateAsync 在后台执行生成，进度与结果写入新建的跟踪器，返回任务ID
func (s *ZineService) GenerateAsync(ctx context.Context, prompt string, progress *ProgressService) string {
	taskID := uuid.New().String()
	tracker := progress.CreateTracker(taskID)

	go func() {
		result := s.GenerateZine(ctx, prompt, tracker.Callback())
		tracker.Finish(result)
	}()

	return taskID
}

// progressNotifier 把回调放到单独的 goroutine 中执行。
// 队列满时丢弃事件，回调 panic 会被恢复并记录。
type progressNotifier struct {
	events chan ProgressEvent
	logger *utils.Logger
}

const notifierQueueSize = 64

func newProgressNotifier(fn ProgressFunc, logger *utils.Logger) *progressNotifier {
	if fn == nil {
		return nil
	}
	n := &progressNotifier{
		events: make(chan ProgressEvent, notifierQueueSize),
		logger: logger,
	}
	go func() {
		for event := range n.events {
			n.deliver(fn, event)
		}
	}()
	return n
}

func (n *progressNotifier) deliver(fn ProgressFunc, event ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("Progress callback panicked", map[string]interface{}{
				"step":  string(event.Step),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	fn(event)
}

func (n *progressNotifier) emit(event ProgressEvent) {
	if n == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case n.events <- event:
	default:
		n.logger.Debug("Progress event dropped", map[string]interface{}{"step": string(event.Step)})
	}
}

func (n *progressNotifier) close() {
	if n == nil {
		return
	}
	close(n.events)
}
