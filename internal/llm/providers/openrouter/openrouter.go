// internal/llm/providers/openrouter/openrouter.go
package openrouter

import (
	"context"
	"errors"
	"net/http"

	"github.com/Corphon/ZineForge/internal/llm"
	"github.com/Corphon/ZineForge/internal/llm/providers/openai"
)

func init() {
	llm.Register("openrouter", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"openai/gpt-4o-mini",
				"google/gemma-3-27b-it:free",
				"qwen/qwen3-235b-a22b:free",
			},
		}
	})
}

// Provider 通过 OpenRouter 访问的文本提供者，协议与 OpenAI 兼容
type Provider struct {
	client            openai.ChatClient
	recommendedModels []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("OpenRouter API密钥未提供")
	}

	p.client = openai.ChatClient{
		Name:         "OpenRouter",
		APIKey:       apiKey,
		BaseURL:      "https://openrouter.ai/api/v1",
		DefaultModel: "openai/gpt-4o-mini",
		HTTPClient:   &http.Client{},
		Headers: map[string]string{
			"HTTP-Referer": "https://zineforge.example.com",
			"X-Title":      "ZineForge",
		},
	}

	if model := config["default_model"]; model != "" {
		p.client.DefaultModel = model
	}
	if baseURL := config["base_url"]; baseURL != "" {
		p.client.BaseURL = baseURL
	}
	if appName := config["app_name"]; appName != "" {
		p.client.Headers["X-Title"] = appName
	}
	if referer := config["http_referer"]; referer != "" {
		p.client.Headers["HTTP-Referer"] = referer
	}

	return nil
}

func (p *Provider) GetName() string {
	return "OpenRouter"
}

func (p *Provider) GetSupportedModels() []string {
	return p.recommendedModels
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.client.Complete(ctx, req)
}
