// internal/services/llm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/Corphon/ZineForge/internal/config"
	apperrors "github.com/Corphon/ZineForge/internal/errors"
	"github.com/Corphon/ZineForge/internal/llm"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/utils"
)

var ErrLLMNotReady = errors.New("llm service not ready")

var providerDefaultModels = map[string]string{
	"openai":     "gpt-4o-mini",
	"openrouter": "openai/gpt-4o-mini",
}

// TextCompleter 结构化补全能力，规划器与内容生成器只依赖它
type TextCompleter interface {
	CreateStructuredCompletion(ctx context.Context, prompt, systemPrompt, model string) (string, error)
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	provider     llm.Provider
	providerName string
	defaultModel string
	readyState   string
	logger       *utils.Logger
}

// NewLLMService 用已初始化的提供者创建服务
func NewLLMService(provider llm.Provider, providerName, defaultModel string, logger *utils.Logger) *LLMService {
	if defaultModel == "" {
		defaultModel = providerDefaultModels[providerName]
	}
	state := "Ready"
	if provider == nil {
		state = "Uninitialized"
	}
	return &LLMService{
		provider:     provider,
		providerName: providerName,
		defaultModel: defaultModel,
		readyState:   state,
		logger:       logger,
	}
}

// NewLLMServiceFromConfig 根据配置选择文本提供者
// 未配置密钥时返回未就绪的服务而不是错误
func NewLLMServiceFromConfig(cfg *config.Config, logger *utils.Logger) *LLMService {
	providerConfig := map[string]string{}
	switch cfg.LLMProvider {
	case "openrouter":
		providerConfig["api_key"] = cfg.OpenRouterAPIKey
	default:
		providerConfig["api_key"] = cfg.OpenAIAPIKey
		providerConfig["base_url"] = cfg.OpenAIBaseURL
	}
	if cfg.PlannerModel != "" {
		providerConfig["default_model"] = cfg.PlannerModel
	}

	if providerConfig["api_key"] == "" {
		service := NewLLMService(nil, cfg.LLMProvider, cfg.PlannerModel, logger)
		service.readyState = "API key not configured"
		return service
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, providerConfig)
	if err != nil {
		service := NewLLMService(nil, cfg.LLMProvider, cfg.PlannerModel, logger)
		service.readyState = fmt.Sprintf("Initialization failed: %v", err)
		logger.Warn("LLM provider initialization failed", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"error":    err.Error(),
		})
		return service
	}

	return NewLLMService(provider, cfg.LLMProvider, cfg.PlannerModel, logger)
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	return s != nil && s.provider != nil
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	if s == nil {
		return "LLM服务实例未初始化"
	}
	return s.readyState
}

func (s *LLMService) GetProviderName() string {
	return s.providerName
}

func (s *LLMService) resolveModel(requested string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return s.defaultModel
}

// CreateStructuredCompletion 以 JSON 模式请求一次补全，返回模型原始文本
// 解码由调用方完成，以便解析失败时保留原文
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt, systemPrompt, model string) (string, error) {
	if !s.IsReady() {
		return "", apperrors.NewProviderError(
			fmt.Sprintf("LLM service not ready: %s", s.GetReadyState()), ErrLLMNotReady)
	}

	structuredSystemPrompt := systemPrompt
	if systemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: structuredSystemPrompt,
		Temperature:  0.7,
		Model:        s.resolveModel(model),
		JSONMode:     true,
	}

	resp, err := s.provider.CompleteText(ctx, req)
	if err != nil {
		return "", apperrors.NewProviderError(fmt.Sprintf("%s completion failed", s.providerName), err)
	}

	s.logger.Debug("LLM completion finished", map[string]interface{}{
		"provider":      s.providerName,
		"model":         resp.ModelName,
		"tokens_used":   resp.TokensUsed,
		"finish_reason": resp.FinishReason,
	})

	return resp.Text, nil
}

// stageError 为错误标注所属阶段，非 AppError 视为上游调用失败
func stageError(err error, stage models.Stage) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		tagged := *appErr
		tagged.Stage = string(stage)
		return &tagged
	}
	return apperrors.NewProviderError("provider call failed", err).WithStage(string(stage))
}

// 清理JSON字符串，去除前后非JSON内容
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

var structuralPunctuationMap = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'；': ';',
	'﹔': ';',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
	'（': '(',
	'）': ')',
}

var quotePairs = map[rune]rune{
	'"': '"',
	'“': '”',
	'”': '”',
	'„': '”',
	'‟': '”',
	'「': '」',
	'」': '」',
	'『': '』',
	'﹁': '﹂',
	'﹂': '﹂',
}

func normalizeJSONStructure(s string) string {
	if s == "" {
		return s
	}

	var builder strings.Builder
	builder.Grow(len(s))
	inString := false
	escaped := false
	currentClosing := '"'

	for _, r := range s {
		if inString {
			if !escaped && r == '\\' {
				escaped = true
				builder.WriteRune(r)
				continue
			}

			if escaped {
				escaped = false
				builder.WriteRune(r)
				continue
			}

			if r == currentClosing || r == '"' {
				inString = false
				currentClosing = '"'
				builder.WriteRune('"')
				continue
			}

			builder.WriteRune(r)
			continue
		}

		if replacement, ok := structuralPunctuationMap[r]; ok {
			r = replacement
		} else if closing, ok := quotePairs[r]; ok {
			inString = true
			currentClosing = closing
			builder.WriteRune('"')
			continue
		} else if r == '"' {
			inString = true
			currentClosing = '"'
			builder.WriteRune(r)
			continue
		} else if r > unicode.MaxASCII {
			// 字符串外的非ASCII空白换成空格，其余（例如 æ、•、✓）丢弃；字符串内的内容原样保留
			if unicode.IsSpace(r) {
				builder.WriteByte(' ')
			}
			continue
		}

		builder.WriteRune(r)
	}

	return builder.String()
}

func cleanJSONString(s string) string {
	if s == "" {
		return s
	}

	// 统一替换常见的噪声、全角符号以及Markdown标记
	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	// 查找第一个 { 或 [，将其之前的内容全部丢弃
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}

	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	// 规范化JSON结构所需的标点符号，移除字符串外的异常字符
	s = normalizeJSONStructure(s)

	isArray := len(s) > 0 && s[0] == '['

	// 简单的括号计数匹配
	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if isArray {
				if char == '[' {
					balance++
				} else if char == ']' {
					balance--
				}
			} else {
				if char == '{' {
					balance++
				} else if char == '}' {
					balance--
				}
			}

			if balance == 0 {
				// 找到了匹配的结束符
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	// 如果没找到匹配的结束符，尝试回退到旧逻辑（找最后一个）
	end := -1
	if isArray {
		end = strings.LastIndex(s, "]")
	} else {
		end = strings.LastIndex(s, "}")
	}

	if end != -1 && end >= 0 {
		return strings.TrimSpace(s[:end+1])
	}

	return strings.TrimSpace(s)
}

