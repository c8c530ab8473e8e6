// internal/services/story_planner.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/Corphon/ZineForge/internal/errors"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/utils"
)

const plannerSystemPrompt = `You are a creative storyteller who plans short illustrated zines.
Respond with a JSON object of the shape:
{"title": string, "description": string, "beats": [string, ...]}
"beats" holds the narrative beats in story order, one per page.`

// StoryPlannerOptions 规划器参数
type StoryPlannerOptions struct {
	Model         string
	PageCount     int
	AllowDegraded bool
}

// StoryPlanner 把主题扩展为故事骨架
type StoryPlanner struct {
	llm     TextCompleter
	opts    StoryPlannerOptions
	logger  *utils.Logger
	metrics *utils.MetricsCollector
}

// NewStoryPlanner 创建故事规划器
func NewStoryPlanner(completer TextCompleter, opts StoryPlannerOptions, logger *utils.Logger, metrics *utils.MetricsCollector) *StoryPlanner {
	if opts.PageCount <= 0 {
		opts.PageCount = 5
	}
	return &StoryPlanner{llm: completer, opts: opts, logger: logger, metrics: metrics}
}

// PageCount 返回每个故事的固定节拍数
func (p *StoryPlanner) PageCount() int {
	return p.opts.PageCount
}

type planPayload struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Beats       []json.RawMessage `json:"beats"`
	StoryArc    []json.RawMessage `json:"storyArc"`
}

// Plan 发起一次规划请求并解析为 StoryPlan
func (p *StoryPlanner) Plan(ctx context.Context, theme string) (*models.StoryPlan, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return nil, apperrors.NewValidationError("theme is empty", nil).
			WithStage(string(models.StageStoryPlanning))
	}

	prompt := fmt.Sprintf(`Create a story plan for a %d-page illustrated zine based on this theme: "%s".
Return exactly %d beats, each a one or two sentence summary of what happens on that page.`,
		p.opts.PageCount, theme, p.opts.PageCount)

	raw, err := p.llm.CreateStructuredCompletion(ctx, prompt, plannerSystemPrompt, p.opts.Model)
	if err != nil {
		return nil, stageError(err, models.StageStoryPlanning)
	}

	var payload planPayload
	if decodeErr := json.Unmarshal([]byte(cleanJSONString(raw)), &payload); decodeErr != nil {
		if p.opts.AllowDegraded {
			if degraded, ok := splitPlanLines(raw, p.opts.PageCount); ok {
				p.metrics.IncrementCounter("planner.degraded")
				p.logger.Warn("Story plan decoded with line-split fallback", map[string]interface{}{
					"theme": theme,
					"error": decodeErr.Error(),
				})
				return degraded, nil
			}
		}
		return nil, apperrors.NewMalformedResponseError("story plan is not valid JSON", raw, decodeErr).
			WithStage(string(models.StageStoryPlanning))
	}

	return p.validatePlan(payload, raw)
}

// validatePlan 校验标题、简介与节拍数；不截断也不补齐
func (p *StoryPlanner) validatePlan(payload planPayload, raw string) (*models.StoryPlan, error) {
	beatsRaw := payload.Beats
	if len(beatsRaw) == 0 {
		beatsRaw = payload.StoryArc
	}

	beats := make([]string, 0, len(beatsRaw))
	for _, item := range beatsRaw {
		if beat := decodeBeat(item); beat != "" {
			beats = append(beats, beat)
		}
	}

	title := strings.TrimSpace(payload.Title)
	description := strings.TrimSpace(payload.Description)

	var problem string
	switch {
	case title == "":
		problem = "story plan has no title"
	case description == "":
		problem = "story plan has no description"
	case len(beats) != p.opts.PageCount:
		problem = fmt.Sprintf("story plan has %d beats, want %d", len(beats), p.opts.PageCount)
	}
	if problem != "" {
		return nil, apperrors.NewMalformedResponseError(problem, raw, nil).
			WithStage(string(models.StageStoryPlanning))
	}

	return &models.StoryPlan{Title: title, Description: description, Beats: beats}, nil
}

// decodeBeat 节拍可以是字符串，也可以是带 summary/description 字段的对象
func decodeBeat(item json.RawMessage) string {
	var text string
	if err := json.Unmarshal(item, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(item, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"summary", "description", "beat", "text", "event"} {
		if value, ok := obj[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)]|#+)\s*`)

// splitPlanLines 逐行降级解析：第一行标题，第二行简介，其后为节拍
func splitPlanLines(raw string, pageCount int) (*models.StoryPlan, bool) {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		line = strings.Trim(line, `"`)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < pageCount+2 {
		return nil, false
	}

	return &models.StoryPlan{
		Title:       lines[0],
		Description: lines[1],
		Beats:       append([]string(nil), lines[2:2+pageCount]...),
		Degraded:    true,
	}, true
}
