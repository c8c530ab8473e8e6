package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Corphon/ZineForge/internal/llm"
)

// scriptedCompleter 依次返回预设的模型输出
type scriptedCompleter struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []string
}

func (c *scriptedCompleter) CreateStructuredCompletion(ctx context.Context, prompt, systemPrompt, model string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := len(c.prompts)
	c.prompts = append(c.prompts, prompt)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

// fakeImageProvider 由函数决定行为，并统计调用次数
type fakeImageProvider struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, prompt string) (string, error)
}

func (p *fakeImageProvider) Initialize(map[string]string) error { return nil }

func (p *fakeImageProvider) GetName() string { return p.name }

func (p *fakeImageProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	p.calls.Add(1)
	return p.fn(ctx, prompt)
}

func succeedWith(url string) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return url, nil }
}

func failWith(msg string) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return "", errors.New(msg) }
}

// fakeTextProvider 记录最后一次请求
type fakeTextProvider struct {
	lastReq llm.CompletionRequest
	text    string
	err     error
}

func (p *fakeTextProvider) Initialize(map[string]string) error { return nil }
func (p *fakeTextProvider) GetName() string                    { return "fake" }
func (p *fakeTextProvider) GetSupportedModels() []string       { return []string{"fake-model"} }

func (p *fakeTextProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Text: p.text, ModelName: req.Model}, nil
}
