// internal/models/zine.go
package models

import "time"

// Stage 标识生成管线中的阶段
type Stage string

const (
	StageStoryPlanning     Stage = "story-planning"
	StageContentGeneration Stage = "content-generation"
	StageImageGeneration   Stage = "image-generation"
	StageAssembling        Stage = "assembling"
)

// ProviderRole 图片来源：主提供者、备用提供者或无
type ProviderRole string

const (
	ProviderPrimary   ProviderRole = "primary"
	ProviderSecondary ProviderRole = "secondary"
	ProviderNone      ProviderRole = "none"
)

// DefaultPlaceholderImage 所有图片提供者都失败时使用的本地占位图
const DefaultPlaceholderImage = "/placeholder-error.svg"

// StoryPlan 故事骨架：标题、简介与按叙事顺序排列的节拍
type StoryPlan struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Beats       []string `json:"beats"`
	Degraded    bool     `json:"degraded,omitempty"` // 由逐行降级解析得到
}

// PageDraft 每个节拍对应的一页文字与图片提示词
type PageDraft struct {
	PageNumber  int    `json:"pageNumber"`
	Text        string `json:"text"`
	ImagePrompt string `json:"imagePrompt"`
}

// ImageResult 单张插图的生成结果，总是存在
type ImageResult struct {
	Success      bool         `json:"success"`
	ImageURL     string       `json:"imageUrl"`
	Provider     ProviderRole `json:"provider"`
	ProviderName string       `json:"providerName,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ZinePage 最终输出中的一页
type ZinePage struct {
	PageNumber   int          `json:"pageNumber"`
	Text         string       `json:"text"`
	ImageURL     string       `json:"imageUrl"`
	ImagePrompt  string       `json:"imagePrompt"`
	Provider     ProviderRole `json:"provider"`
	ProviderName string       `json:"providerName,omitempty"`
	Error        *string      `json:"error"`
}

// HasError reports whether the page is rendered with a placeholder.
func (p ZinePage) HasError() bool {
	return p.Error != nil
}

// ZineResult 一次生成调用的最终产物
type ZineResult struct {
	Success     bool       `json:"success"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Pages       []ZinePage `json:"pages"`
	Prompt      string     `json:"prompt"`
	Stage       Stage      `json:"stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	Plan        *StoryPlan `json:"plan,omitempty"`
	Degraded    bool       `json:"degraded,omitempty"`
}

// ShareItem 分享记录中的一页
type ShareItem struct {
	ImageURL string       `json:"imageUrl"`
	Caption  string       `json:"caption"`
	Provider ProviderRole `json:"provider"`
}

// SharedZine 持久化的分享记录
type SharedZine struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Prompt    string      `json:"prompt"`
	Items     []ShareItem `json:"items"`
	CreatedAt time.Time   `json:"createdAt"`
}
