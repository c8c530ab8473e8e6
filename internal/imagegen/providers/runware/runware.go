// internal/imagegen/providers/runware/runware.go
package runware

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
	"github.com/google/uuid"
)

const (
	defaultEndpoint = "https://api.runware.ai/v1"
	defaultModel    = "runware:100@1"
)

func init() {
	imagegen.Register("runware", func() imagegen.Provider {
		return &Provider{}
	})
}

// Provider Runware 图片生成
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	width      int
	height     int
	httpClient *http.Client
}

type inferenceTask struct {
	TaskType       string  `json:"taskType"`
	TaskUUID       string  `json:"taskUUID"`
	PositivePrompt string  `json:"positivePrompt"`
	Model          string  `json:"model"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	NumberResults  int     `json:"numberResults"`
	OutputType     string  `json:"outputType"`
	OutputFormat   string  `json:"outputFormat"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"CFGScale"`
}

type inferenceResponse struct {
	Data []struct {
		TaskType string `json:"taskType"`
		TaskUUID string `json:"taskUUID"`
		ImageURL string `json:"imageURL"`
	} `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("Runware API密钥未提供")
	}

	p.apiKey = apiKey
	p.endpoint = defaultEndpoint
	p.model = defaultModel
	p.width = 1024
	p.height = 1024
	p.httpClient = &http.Client{}

	if endpoint := config["base_url"]; endpoint != "" {
		p.endpoint = endpoint
	}
	if model := config["model"]; model != "" {
		p.model = model
	}

	return nil
}

func (p *Provider) GetName() string {
	return "runware"
}

// GenerateImage 提交一个 imageInference 任务并返回图片地址
func (p *Provider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	taskUUID := uuid.New().String()
	tasks := []inferenceTask{{
		TaskType:       "imageInference",
		TaskUUID:       taskUUID,
		PositivePrompt: prompt,
		Model:          p.model,
		Width:          p.width,
		Height:         p.height,
		NumberResults:  1,
		OutputType:     "URL",
		OutputFormat:   "JPEG",
		Steps:          28,
		CFGScale:       3.5,
	}}

	payload, err := json.Marshal(tasks)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
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

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var result inferenceResponse
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("Runware API错误(%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return "", fmt.Errorf("Runware 响应解码失败: %w", err)
	}

	if len(result.Errors) > 0 {
		return "", fmt.Errorf("Runware API错误: %s", result.Errors[0].Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Runware API错误(%d)", resp.StatusCode)
	}

	for _, item := range result.Data {
		if item.TaskUUID != "" && item.TaskUUID != taskUUID {
			continue
		}
		if item.ImageURL != "" {
			return item.ImageURL, nil
		}
	}
	return "", imagegen.ErrEmptyImageURL
}
