// internal/services/image_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Corphon/ZineForge/internal/imagegen"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/utils"
)

// StyleModifier 加在每个图片提示词前的固定画风描述
const StyleModifier = "Mythic zine art style, evocative, cinematic lighting, detailed illustration for a visual story: "

var (
	errProviderNotConfigured = errors.New("provider not configured")
	errInvalidImageURL       = errors.New("provider returned an invalid image url")
)

// ImageServiceOptions 图片服务参数
type ImageServiceOptions struct {
	PrimaryTimeout time.Duration
	Placeholder    string
}

// ImageService 主/备两级图片生成。Generate 从不返回错误。
type ImageService struct {
	primary   imagegen.Provider
	secondary imagegen.Provider
	opts      ImageServiceOptions
	logger    *utils.Logger
	metrics   *utils.MetricsCollector
}

// NewImageService 创建图片服务，任一提供者可为 nil（视为该级失败）
func NewImageService(primary, secondary imagegen.Provider, opts ImageServiceOptions, logger *utils.Logger, metrics *utils.MetricsCollector) *ImageService {
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = 8 * time.Second
	}
	if opts.Placeholder == "" {
		opts.Placeholder = models.DefaultPlaceholderImage
	}
	return &ImageService{
		primary:   primary,
		secondary: secondary,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
}

// Placeholder 返回失败页使用的占位图地址
func (s *ImageService) Placeholder() string {
	return s.opts.Placeholder
}

// Providers 返回主/备提供者名称
func (s *ImageService) Providers() (primary, secondary string) {
	return providerName(s.primary), providerName(s.secondary)
}

// Generate 先在超时限制内尝试主提供者，失败后同步尝试备用提供者，都失败时返回占位图
func (s *ImageService) Generate(ctx context.Context, prompt string) models.ImageResult {
	styled := StyleModifier + strings.TrimSpace(prompt)
	started := time.Now()

	primaryURL, primaryErr := utils.RunWithTimeout(ctx, s.opts.PrimaryTimeout, func(ctx context.Context) (string, error) {
		return attemptProvider(ctx, s.primary, styled)
	})
	if primaryErr == nil {
		s.metrics.IncrementCounter("image.provider.primary")
		s.metrics.RecordDuration("image.primary.duration_ms", started)
		return models.ImageResult{
			Success:      true,
			ImageURL:     primaryURL,
			Provider:     models.ProviderPrimary,
			ProviderName: providerName(s.primary),
		}
	}

	if errors.Is(primaryErr, utils.ErrTimeout) {
		s.metrics.IncrementCounter("image.primary.timeout")
		primaryErr = fmt.Errorf("timed out after %s", s.opts.PrimaryTimeout)
	}
	s.logger.Warn("Primary image provider failed, trying secondary", map[string]interface{}{
		"provider": providerName(s.primary),
		"error":    primaryErr.Error(),
	})

	secondaryURL, secondaryErr := attemptProvider(ctx, s.secondary, styled)
	if secondaryErr == nil {
		s.metrics.IncrementCounter("image.provider.secondary")
		return models.ImageResult{
			Success:      true,
			ImageURL:     secondaryURL,
			Provider:     models.ProviderSecondary,
			ProviderName: providerName(s.secondary),
		}
	}

	s.metrics.IncrementCounter("image.provider.none")
	diagnostic := fmt.Sprintf("primary(%s): %v; secondary(%s): %v",
		providerName(s.primary), primaryErr, providerName(s.secondary), secondaryErr)
	s.logger.Error("All image providers failed", map[string]interface{}{
		"error": diagnostic,
	})

	return models.ImageResult{
		Success:  false,
		ImageURL: s.opts.Placeholder,
		Provider: models.ProviderNone,
		Error:    diagnostic,
	}
}

// attemptProvider 调用一次提供者并校验返回的地址
func attemptProvider(ctx context.Context, provider imagegen.Provider, prompt string) (string, error) {
	if provider == nil {
		return "", errProviderNotConfigured
	}
	imageURL, err := provider.GenerateImage(ctx, prompt)
	if err != nil {
		return "", err
	}
	if !isValidImageURL(imageURL) {
		return "", fmt.Errorf("%w: %q", errInvalidImageURL, truncate(imageURL, 80))
	}
	return imageURL, nil
}

// isValidImageURL 接受带主机名的 http(s) 地址或 data:image/ 内联图片
func isValidImageURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:image/") {
		return true
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func providerName(provider imagegen.Provider) string {
	if provider == nil {
		return "unset"
	}
	return provider.GetName()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
