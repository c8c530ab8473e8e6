// internal/imagegen/interface.go
package imagegen

import (
	"context"
	"errors"
	"sort"
)

var ErrEmptyImageURL = errors.New("图片提供者未返回图片地址")

// Provider 图片生成提供者接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 根据提示词生成一张图片，返回可访问的图片地址
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

// 只在 init 阶段写入
var providers = make(map[string]ProviderFactory)

// Register 注册图片提供者工厂
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider 创建并初始化指定名称的图片提供者
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		return nil, errors.New("未知的图片提供者: " + name)
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的图片提供者名称
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
