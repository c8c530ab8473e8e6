// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 生成管线错误类型
	ErrorTypeProvider      ErrorType = "provider_error"
	ErrorTypeMalformed     ErrorType = "malformed_response"
	ErrorTypeCountMismatch ErrorType = "count_mismatch"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
	Stage   string // 出错的管线阶段（可为空）
	Raw     string // 模型原始输出，用于诊断
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStage 标记错误所属阶段
func (e *AppError) WithStage(stage string) *AppError {
	e.Stage = stage
	return e
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewProviderError 上游模型调用失败
func NewProviderError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProvider, message, originalError)
}

// NewMalformedResponseError 模型输出无法解析为期望结构，raw 保留原文
func NewMalformedResponseError(message, raw string, originalError error) *AppError {
	appErr := NewAppError(ErrorTypeMalformed, message, originalError)
	appErr.Raw = raw
	return appErr
}

// NewCountMismatchError 生成的页数与故事节拍数不一致（可恢复）
func NewCountMismatchError(expected, got int) *AppError {
	return NewAppError(ErrorTypeCountMismatch,
		fmt.Sprintf("expected %d pages, got %d", expected, got), nil)
}

func isType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsProcessingError 检查是否为内部处理错误
func IsProcessingError(err error) bool {
	return isType(err, ErrorTypeError)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

// IsProviderError 检查是否为上游调用错误
func IsProviderError(err error) bool {
	return isType(err, ErrorTypeProvider)
}

// IsMalformedResponse 检查是否为无法解析的模型输出
func IsMalformedResponse(err error) bool {
	return isType(err, ErrorTypeMalformed)
}

// IsCountMismatch 检查是否为页数不一致
func IsCountMismatch(err error) bool {
	return isType(err, ErrorTypeCountMismatch)
}

// RawResponse 返回错误链中携带的模型原始输出
func RawResponse(err error) string {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Raw
	}
	return ""
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeProvider:
		return "PROVIDER_ERROR"
	case ErrorTypeMalformed:
		return "MALFORMED_RESPONSE"
	case ErrorTypeCountMismatch:
		return "COUNT_MISMATCH"
	default:
		return "UNKNOWN_ERROR"
	}
}
