// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ShareBackendSQLite = "sqlite"
	ShareBackendFile   = "file"
)

// Config 存储应用配置，加载后只读
type Config struct {
	// 基础配置
	Port          string
	DataDir       string
	LogDir        string
	LogLevel      string
	DebugMode     bool
	PublicBaseURL string
	StaticDir     string

	// 文本模型配置
	LLMProvider      string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenRouterAPIKey string
	PlannerModel     string
	ContentModel     string

	// 图片模型配置
	ImagePrimaryProvider   string
	ImageSecondaryProvider string
	RunwareAPIKey          string
	RunwareModel           string
	ImagePrimaryTimeout    time.Duration
	PlaceholderImageURL    string

	// 生成管线配置
	PageCount         int
	PageConcurrency   int
	MinPromptLength   int
	AllowDegradedPlan bool

	// 分享存储
	ShareBackend string

	// 准入控制
	RateLimitPerMinute   int
	RateLimitMinInterval time.Duration

	// 异步任务保留时长
	TaskRetention time.Duration
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DataDir:       getEnv("DATA_DIR", "data"),
		LogDir:        getEnv("LOG_DIR", "logs"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DebugMode:     getEnvBool("DEBUG_MODE", false),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		StaticDir:     getEnv("STATIC_DIR", "static"),

		LLMProvider:      getEnv("LLM_PROVIDER", "openai"),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		PlannerModel:     getEnv("PLANNER_MODEL", ""),
		ContentModel:     getEnv("CONTENT_MODEL", ""),

		ImagePrimaryProvider:   getEnv("IMAGE_PRIMARY_PROVIDER", "runware"),
		ImageSecondaryProvider: getEnv("IMAGE_SECONDARY_PROVIDER", "openai"),
		RunwareAPIKey:          getEnv("RUNWARE_API_KEY", ""),
		RunwareModel:           getEnv("RUNWARE_MODEL", ""),
		ImagePrimaryTimeout:    getEnvDuration("IMAGE_PRIMARY_TIMEOUT", 8*time.Second),
		PlaceholderImageURL:    getEnv("PLACEHOLDER_IMAGE_URL", "/placeholder-error.svg"),

		PageCount:         getEnvInt("PAGE_COUNT", 5),
		PageConcurrency:   getEnvInt("PAGE_CONCURRENCY", 1),
		MinPromptLength:   getEnvInt("MIN_PROMPT_LENGTH", 10),
		AllowDegradedPlan: getEnvBool("ALLOW_DEGRADED_PLAN", false),

		ShareBackend: strings.ToLower(getEnv("SHARE_BACKEND", ShareBackendSQLite)),

		RateLimitPerMinute:   getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
		RateLimitMinInterval: getEnvDuration("RATE_LIMIT_MIN_INTERVAL", 5*time.Second),

		TaskRetention: getEnvDuration("TASK_RETENTION", 30*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.OpenAIAPIKey == "" && cfg.OpenRouterAPIKey == "" {
		// 只记录警告，不返回错误
		log.Println("警告: 未设置文本模型API密钥，生成请求将在故事规划阶段失败")
	}

	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.PageCount <= 0 {
		return fmt.Errorf("PAGE_COUNT 必须为正数: %d", c.PageCount)
	}
	if c.PageConcurrency <= 0 {
		return fmt.Errorf("PAGE_CONCURRENCY 必须为正数: %d", c.PageConcurrency)
	}
	if c.ImagePrimaryTimeout <= 0 {
		return fmt.Errorf("IMAGE_PRIMARY_TIMEOUT 必须为正数: %s", c.ImagePrimaryTimeout)
	}
	if c.MinPromptLength < 0 {
		return fmt.Errorf("MIN_PROMPT_LENGTH 不能为负数: %d", c.MinPromptLength)
	}
	switch c.ShareBackend {
	case ShareBackendSQLite, ShareBackendFile:
	default:
		return fmt.Errorf("未知的分享存储后端: %s", c.ShareBackend)
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(getEnv(key, ""))
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数类型环境变量，无法解析时使用默认值
func getEnvInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("警告: %s=%q 不是有效整数，使用默认值 %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration 支持 "8s" 这类时长，也接受纯数字（毫秒）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("警告: %s=%q 不是有效时长，使用默认值 %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
