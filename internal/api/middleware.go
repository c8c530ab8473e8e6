// internal/api/middleware.go
package api

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Corphon/ZineForge/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDKey = "request_id"

// Admission 一次准入判断的结果
type Admission struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// AdmissionController 决定某个来源的生成请求是否放行。
// 生成管线本身不做限流，由路由层按需挂载。
type AdmissionController interface {
	Admit(key string, now time.Time) Admission
}

// IntervalRateLimiter 每个来源在滑动窗口内最多 limit 次，且两次请求间隔不少于 minInterval
type IntervalRateLimiter struct {
	limit       int
	window      time.Duration
	minInterval time.Duration
	visitors    map[string]*visitor
	mu          sync.Mutex
}

type visitor struct {
	requests []time.Time
	last     time.Time
}

// NewIntervalRateLimiter 创建限流器；limit<=0 表示不限次数
func NewIntervalRateLimiter(limit int, window, minInterval time.Duration) *IntervalRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &IntervalRateLimiter{
		limit:       limit,
		window:      window,
		minInterval: minInterval,
		visitors:    make(map[string]*visitor),
	}
}

// Admit 实现 AdmissionController
func (rl *IntervalRateLimiter) Admit(key string, now time.Time) Admission {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{}
		rl.visitors[key] = v
	}
	v.requests = pruneBefore(v.requests, now.Add(-rl.window))

	if !v.last.IsZero() && rl.minInterval > 0 {
		if elapsed := now.Sub(v.last); elapsed < rl.minInterval {
			return Admission{
				Limit:      rl.limit,
				Remaining:  rl.remaining(v),
				RetryAfter: rl.minInterval - elapsed,
				Reason:     "requests are too frequent",
			}
		}
	}

	if rl.limit > 0 && len(v.requests) >= rl.limit {
		return Admission{
			Limit:      rl.limit,
			RetryAfter: v.requests[0].Add(rl.window).Sub(now),
			Reason:     fmt.Sprintf("at most %d requests per %s", rl.limit, rl.window),
		}
	}

	v.requests = append(v.requests, now)
	v.last = now
	return Admission{Allowed: true, Limit: rl.limit, Remaining: rl.remaining(v)}
}

func (rl *IntervalRateLimiter) remaining(v *visitor) int {
	if rl.limit <= 0 {
		return math.MaxInt32
	}
	if left := rl.limit - len(v.requests); left > 0 {
		return left
	}
	return 0
}

// Prune 删除窗口与最小间隔都已过期的来源，返回删除数量
func (rl *IntervalRateLimiter) Prune(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	idle := rl.window
	if rl.minInterval > idle {
		idle = rl.minInterval
	}

	removed := 0
	for key, v := range rl.visitors {
		if now.Sub(v.last) > idle {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// pruneBefore 丢弃早于 cutoff 的时间戳（切片按时间递增）
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// AdmissionMiddleware 以客户端IP为键执行准入控制
func AdmissionMiddleware(controller AdmissionController, rh *ResponseHelper, logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if controller == nil {
			c.Next()
			return
		}

		key := c.ClientIP()
		decision := controller.Admit(key, time.Now())

		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
		}

		if !decision.Allowed {
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			logger.Warn("Generation request rejected by admission control", map[string]interface{}{
				"client": key,
				"reason": decision.Reason,
			})
			rh.TooManyRequests(c, "Rate limit exceeded: "+decision.Reason)
			c.Abort()
			return
		}

		c.Next()
	}
}

// requestIDMiddleware 为每个请求分配ID，沿用客户端提供的 X-Request-ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// requestLogger 用结构化日志记录请求
func requestLogger(logger *utils.Logger, metrics *utils.MetricsCollector) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		metrics.IncrementCounter(fmt.Sprintf("http.status.%d", status))
		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      status,
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  c.GetString(requestIDKey),
		}
		if status >= 500 {
			logger.Error("HTTP request", fields)
			return
		}
		logger.Debug("HTTP request", fields)
	}
}
