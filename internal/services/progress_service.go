// internal/services/progress_service.go
package services

import (
	"sync"
	"time"

	"github.com/Corphon/ZineForge/internal/models"
)

// 任务状态
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// ProgressUpdate 表示进度更新
type ProgressUpdate struct {
	TaskID     string       `json:"task_id"`
	Step       ProgressStep `json:"step"`
	Progress   int          `json:"progress"` // 进度百分比 (0-100)
	Message    string       `json:"message"`  // 描述性消息
	Status     string       `json:"status"`   // 状态：running, completed, failed
	Page       int          `json:"page,omitempty"`
	TotalPages int          `json:"total_pages,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// ProgressTracker 跟踪一次异步生成任务的进度
type ProgressTracker struct {
	TaskID      string
	Progress    int
	Message     string
	Step        ProgressStep
	Status      string
	StartTime   time.Time
	UpdateTime  time.Time
	Done        chan struct{} // 任务结束信号
	result      *models.ZineResult
	lastPage    int
	totalPages  int
	errMsg      string
	subscribers map[chan ProgressUpdate]bool
	mutex       sync.Mutex
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker 创建新的进度跟踪器
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// 如果已存在，返回现有追踪器
	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	now := time.Now()
	tracker := &ProgressTracker{
		TaskID:      taskID,
		Message:     "Task queued",
		Step:        StepPlanning,
		Status:      TaskRunning,
		StartTime:   now,
		UpdateTime:  now,
		Done:        make(chan struct{}),
		subscribers: make(map[chan ProgressUpdate]bool),
	}

	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// Callback 返回可交给编排器的进度回调
func (t *ProgressTracker) Callback() ProgressFunc {
	return t.UpdateProgress
}

// UpdateProgress 记录一次进度事件并通知订阅者；任务结束后的事件被忽略
func (t *ProgressTracker) UpdateProgress(event ProgressEvent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TaskRunning || event.Step.IsTerminal() {
		return
	}

	if event.Percent > t.Progress {
		t.Progress = event.Percent
	}
	if event.Status != "" {
		t.Message = event.Status
	}
	t.Step = event.Step
	if event.Page > 0 {
		t.lastPage = event.Page
	}
	if event.TotalPages > 0 {
		t.totalPages = event.TotalPages
	}
	t.UpdateTime = time.Now()

	t.broadcast()
}

// Finish 根据结果标记任务完成或失败
func (t *ProgressTracker) Finish(result *models.ZineResult) {
	if result != nil && result.Success {
		t.Complete(result)
		return
	}
	t.Fail(result)
}

// Complete 标记任务完成
func (t *ProgressTracker) Complete(result *models.ZineResult) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TaskRunning {
		return
	}

	t.Progress = 100
	t.Message = "Your zine is ready!"
	t.Step = StepComplete
	t.Status = TaskCompleted
	t.result = result
	t.UpdateTime = time.Now()

	t.broadcast()
	close(t.Done)
}

// Fail 标记任务失败，结果中可能仍带有部分数据
func (t *ProgressTracker) Fail(result *models.ZineResult) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TaskRunning {
		return
	}

	t.Step = StepError
	t.Status = TaskFailed
	t.result = result
	t.errMsg = "generation failed"
	if result != nil && result.Error != "" {
		t.errMsg = result.Error
	}
	t.Message = "Task failed: " + t.errMsg
	t.UpdateTime = time.Now()

	t.broadcast()
	close(t.Done)
}

// Snapshot 返回当前进度
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.currentLocked()
}

// Result 返回任务结果，任务未结束时为 nil
func (t *ProgressTracker) Result() *models.ZineResult {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.result
}

func (t *ProgressTracker) currentLocked() ProgressUpdate {
	return ProgressUpdate{
		TaskID:     t.TaskID,
		Step:       t.Step,
		Progress:   t.Progress,
		Message:    t.Message,
		Status:     t.Status,
		Page:       t.lastPage,
		TotalPages: t.totalPages,
		Error:      t.errMsg,
	}
}

// broadcast 非阻塞通知所有订阅者，通道已满则跳过；调用方持有锁
func (t *ProgressTracker) broadcast() {
	update := t.currentLocked()
	for subscriber := range t.subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

// Subscribe 订阅进度更新
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// 缓冲区设为16以避免阻塞
	subscriber := make(chan ProgressUpdate, 16)
	t.subscribers[subscriber] = true

	// 立即发送当前状态
	subscriber <- t.currentLocked()

	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.subscribers[subscriber]; !exists {
		return
	}
	delete(t.subscribers, subscriber)
	close(subscriber)
}

// CleanupCompletedTasks 清理已结束且超过 maxAge 的任务，返回清理数量
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		isFinished := tracker.Status != TaskRunning
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if isFinished && isOld {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}
