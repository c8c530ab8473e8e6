// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorValidation    = "VALIDATION_ERROR"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"

	// 生成相关错误
	ErrorZineGenerationFailed = "ZINE_GENERATION_FAILED"
	ErrorTaskNotFound         = "TASK_NOT_FOUND"
	ErrorProviderUnavailable  = "PROVIDER_UNAVAILABLE"

	// 分享相关错误
	ErrorShareNotFound   = "SHARE_NOT_FOUND"
	ErrorShareSaveFailed = "SHARE_SAVE_FAILED"

	// 准入控制
	ErrorRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)
