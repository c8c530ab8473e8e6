// internal/services/content_generator.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/Corphon/ZineForge/internal/errors"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/utils"
)

const contentSystemPrompt = `You write the pages of short illustrated zines.
Respond with a JSON object {"pages": [{"pageNumber": number, "text": string, "imagePrompt": string}, ...]}.
"text" is the caption shown on the page. "imagePrompt" describes the illustration for that page.`

// ContentGenerator 把故事骨架展开为逐页文字与图片提示词
type ContentGenerator struct {
	llm     TextCompleter
	model   string
	logger  *utils.Logger
	metrics *utils.MetricsCollector
}

// NewContentGenerator 创建内容生成器
func NewContentGenerator(completer TextCompleter, model string, logger *utils.Logger, metrics *utils.MetricsCollector) *ContentGenerator {
	return &ContentGenerator{llm: completer, model: model, logger: logger, metrics: metrics}
}

// Expand 为每个节拍生成一页草稿。
// 页数与节拍数不一致时同时返回已解析的草稿和 CountMismatch 错误，调用方可据此恢复。
func (g *ContentGenerator) Expand(ctx context.Context, plan *models.StoryPlan) ([]models.PageDraft, error) {
	if plan == nil || len(plan.Beats) == 0 {
		return nil, apperrors.NewValidationError("story plan has no beats", nil).
			WithStage(string(models.StageContentGeneration))
	}

	var beatList strings.Builder
	for i, beat := range plan.Beats {
		fmt.Fprintf(&beatList, "%d. %s\n", i+1, beat)
	}
	prompt := fmt.Sprintf(`Title: %s
Description: %s
Story beats:
%s
Write exactly %d pages, one for each beat and in the same order.`,
		plan.Title, plan.Description, beatList.String(), len(plan.Beats))

	raw, err := g.llm.CreateStructuredCompletion(ctx, prompt, contentSystemPrompt, g.model)
	if err != nil {
		return nil, stageError(err, models.StageContentGeneration)
	}

	drafts, strategy, ok := extractDrafts(cleanJSONString(raw))
	if !ok {
		return nil, apperrors.NewMalformedResponseError("no recognizable page list in content response", raw, nil).
			WithStage(string(models.StageContentGeneration))
	}

	g.logger.Debug("Content response parsed", map[string]interface{}{
		"strategy": strategy,
		"pages":    len(drafts),
	})

	if len(drafts) > len(plan.Beats) {
		drafts = drafts[:len(plan.Beats)]
	}
	if got := len(drafts); got != len(plan.Beats) {
		g.metrics.IncrementCounter("content.count_mismatch")
		return drafts, apperrors.NewCountMismatchError(len(plan.Beats), got).
			WithStage(string(models.StageContentGeneration))
	}

	return drafts, nil
}

// rawDraft 兼容模型输出中常见的字段别名
// 页码只用于排序，任意类型都能解码，无法识别时视为未编号
type rawDraft struct {
	PageNumber     json.RawMessage `json:"pageNumber"`
	PageNumberAlt  json.RawMessage `json:"page"`
	Text           string          `json:"text"`
	Caption        string          `json:"caption"`
	ImagePrompt    string          `json:"imagePrompt"`
	ImagePromptAlt string          `json:"image_prompt"`
}

func (r rawDraft) number() int {
	for _, raw := range []json.RawMessage{r.PageNumber, r.PageNumberAlt} {
		if v := parsePageNumber(raw); v > 0 {
			return v
		}
	}
	return 0
}

// parsePageNumber 接受整数或数字字符串（如 3、"3"），其他值返回 0
func parsePageNumber(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		if number >= 1 && number == math.Trunc(number) {
			return int(number)
		}
		return 0
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(text)); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

func (r rawDraft) text() string {
	return strings.TrimSpace(firstNonEmpty(r.Text, r.Caption))
}

func (r rawDraft) imagePrompt() string {
	return strings.TrimSpace(firstNonEmpty(r.ImagePrompt, r.ImagePromptAlt))
}

// draftStrategy 一种响应外形的提取方式，匹配失败返回 false
type draftStrategy struct {
	name    string
	extract func(data []byte) ([]rawDraft, bool)
}

// draftStrategies 按顺序尝试，第一个匹配的生效
var draftStrategies = []draftStrategy{
	{name: "bare-array", extract: extractBareArray},
	{name: "pages-field", extract: extractArrayField("pages")},
	{name: "items-field", extract: extractArrayField("items")},
	{name: "content-pages", extract: extractContentPages},
	{name: "pages-string", extract: extractPagesString},
	{name: "single-page", extract: extractSinglePage},
}

func extractBareArray(data []byte) ([]rawDraft, bool) {
	var drafts []rawDraft
	if err := json.Unmarshal(data, &drafts); err != nil || len(drafts) == 0 {
		return nil, false
	}
	return drafts, true
}

func extractArrayField(field string) func([]byte) ([]rawDraft, bool) {
	return func(data []byte) ([]rawDraft, bool) {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, false
		}
		value, exists := envelope[field]
		if !exists {
			return nil, false
		}
		return extractBareArray(value)
	}
}

// extractContentPages 处理 {"content": {"pages": [...]}} 或 {"content": [...]}
func extractContentPages(data []byte) ([]rawDraft, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false
	}
	content, exists := envelope["content"]
	if !exists {
		return nil, false
	}
	if drafts, ok := extractBareArray(content); ok {
		return drafts, true
	}
	return extractArrayField("pages")(content)
}

// extractPagesString 处理 pages 字段本身是一段 JSON 字符串的情况
func extractPagesString(data []byte) ([]rawDraft, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false
	}
	var encoded string
	if err := json.Unmarshal(envelope["pages"], &encoded); err != nil {
		return nil, false
	}
	return extractBareArray([]byte(cleanJSONString(encoded)))
}

func extractSinglePage(data []byte) ([]rawDraft, bool) {
	var draft rawDraft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, false
	}
	if draft.text() == "" && draft.imagePrompt() == "" {
		return nil, false
	}
	return []rawDraft{draft}, true
}

// extractDrafts 运行提取链并规范化为 PageDraft，返回命中的策略名
func extractDrafts(cleaned string) ([]models.PageDraft, string, bool) {
	data := []byte(cleaned)
	for _, strategy := range draftStrategies {
		raws, ok := strategy.extract(data)
		if !ok {
			continue
		}
		drafts := normalizeDrafts(raws)
		if len(drafts) == 0 {
			continue
		}
		return drafts, strategy.name, true
	}
	return nil, "", false
}

// normalizeDrafts 丢弃空页；当所有条目都带有效页码时按页码排序；页码重写为位置序号
func normalizeDrafts(raws []rawDraft) []models.PageDraft {
	kept := make([]rawDraft, 0, len(raws))
	numbered := true
	for _, r := range raws {
		if r.text() == "" && r.imagePrompt() == "" {
			continue
		}
		if r.number() == 0 {
			numbered = false
		}
		kept = append(kept, r)
	}

	if numbered {
		sort.SliceStable(kept, func(i, j int) bool {
			return kept[i].number() < kept[j].number()
		})
	}

	drafts := make([]models.PageDraft, len(kept))
	for i, r := range kept {
		prompt := r.imagePrompt()
		if prompt == "" {
			prompt = r.text()
		}
		drafts[i] = models.PageDraft{
			PageNumber:  i + 1,
			Text:        r.text(),
			ImagePrompt: prompt,
		}
	}
	return drafts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
