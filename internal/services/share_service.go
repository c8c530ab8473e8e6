// internal/services/share_service.go
package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	apperrors "github.com/Corphon/ZineForge/internal/errors"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/storage"
	"github.com/Corphon/ZineForge/internal/utils"
)

const (
	shareIDLength      = 10
	shareIDAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxShareIDAttempts = 5
	defaultShareTitle  = "Unnamed Zine"
)

// ShareRequest 保存分享的请求体
type ShareRequest struct {
	Title  string             `json:"title"`
	Prompt string             `json:"prompt"`
	Items  []models.ShareItem `json:"items"`
}

// ShareResponse 保存成功后的响应
type ShareResponse struct {
	Success  bool   `json:"success"`
	ID       string `json:"id"`
	ShareURL string `json:"shareUrl"`
}

// ShareService 分享记录的保存与读取
type ShareService struct {
	store   storage.ZineStore
	baseURL string
	newID   func() (string, error)
	now     func() time.Time
	logger  *utils.Logger
	metrics *utils.MetricsCollector
}

// NewShareService 创建分享服务；baseURL 为空时返回相对链接
func NewShareService(store storage.ZineStore, baseURL string, logger *utils.Logger, metrics *utils.MetricsCollector) *ShareService {
	return &ShareService{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		newID:   generateShareID,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// ShareRequestFromResult 把生成结果转换为分享请求
func ShareRequestFromResult(result *models.ZineResult) ShareRequest {
	items := make([]models.ShareItem, 0, len(result.Pages))
	for _, page := range result.Pages {
		items = append(items, models.ShareItem{
			ImageURL: page.ImageURL,
			Caption:  page.Text,
			Provider: page.Provider,
		})
	}
	return ShareRequest{Title: result.Title, Prompt: result.Prompt, Items: items}
}

// Save 生成新 ID 并写入。ID 冲突时重新生成，不会覆盖已有记录。
func (s *ShareService) Save(ctx context.Context, req ShareRequest) (*ShareResponse, error) {
	if len(req.Items) == 0 {
		return nil, apperrors.NewValidationError("zine has no pages to share", nil)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultShareTitle
	}

	for attempt := 1; attempt <= maxShareIDAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return nil, apperrors.NewProcessingError("failed to generate share id", err)
		}

		zine := &models.SharedZine{
			ID:        id,
			Title:     title,
			Prompt:    req.Prompt,
			Items:     req.Items,
			CreatedAt: s.now().UTC(),
		}

		err = s.store.Insert(ctx, zine)
		if err == nil {
			s.metrics.IncrementCounter("share.saved")
			s.logger.Info("Zine shared", map[string]interface{}{
				"id":    id,
				"pages": len(req.Items),
			})
			return &ShareResponse{Success: true, ID: id, ShareURL: s.shareURL(id)}, nil
		}

		if !errors.Is(err, storage.ErrDuplicateID) {
			return nil, apperrors.NewProcessingError("failed to save zine", err)
		}

		s.metrics.IncrementCounter("share.id_collision")
		s.logger.Warn("Share id collision, regenerating", map[string]interface{}{
			"attempt": attempt,
		})
	}

	return nil, apperrors.NewConflictError(
		fmt.Sprintf("could not allocate a unique share id after %d attempts", maxShareIDAttempts), storage.ErrDuplicateID)
}

// Load 按 ID 读取分享记录
func (s *ShareService) Load(ctx context.Context, id string) (*models.SharedZine, error) {
	zine, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("zine %q not found", id), err)
		}
		return nil, apperrors.NewProcessingError("failed to load zine", err)
	}
	return zine, nil
}

func (s *ShareService) shareURL(id string) string {
	return s.baseURL + "/view/" + id
}

// generateShareID 生成 10 位字母数字 ID
func generateShareID() (string, error) {
	limit := big.NewInt(int64(len(shareIDAlphabet)))
	id := make([]byte, shareIDLength)
	for i := range id {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		id[i] = shareIDAlphabet[n.Int64()]
	}
	return string(id), nil
}
