// internal/imagegen/providers/dalle/dalle.go
package dalle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Corphon/ZineForge/internal/imagegen"
)

const defaultBaseURL = "https://api.openai.com/v1"

func init() {
	imagegen.Register("openai", func() imagegen.Provider {
		return &Provider{}
	})
}

// Provider OpenAI DALL-E 图片生成
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	size       string
	httpClient *http.Client
}

type generationResponse struct {
	Data []struct {
		URL           string `json:"url"`
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("OpenAI API密钥未提供")
	}

	p.apiKey = apiKey
	p.baseURL = defaultBaseURL
	p.model = "dall-e-3"
	p.size = "1024x1024"
	p.httpClient = &http.Client{}

	if baseURL := config["base_url"]; baseURL != "" {
		p.baseURL = baseURL
	}
	if model := config["model"]; model != "" {
		p.model = model
	}
	if size := config["size"]; size != "" {
		p.size = size
	}

	return nil
}

func (p *Provider) GetName() string {
	return "openai"
}

// GenerateImage 调用 images/generations 接口
func (p *Provider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":  p.model,
		"prompt": prompt,
		"n":      1,
		"size":   p.size,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.baseURL, "/")+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}

	var result generationResponse
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("DALL-E API错误(%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return "", fmt.Errorf("DALL-E 响应解码失败: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("DALL-E API错误: %s", result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("DALL-E API错误(%d)", resp.StatusCode)
	}
	if len(result.Data) == 0 {
		return "", imagegen.ErrEmptyImageURL
	}

	if result.Data[0].URL != "" {
		return result.Data[0].URL, nil
	}
	if result.Data[0].B64JSON != "" {
		return "data:image/png;base64," + result.Data[0].B64JSON, nil
	}
	return "", imagegen.ErrEmptyImageURL
}
