// internal/storage/store.go
package storage

import (
	"context"
	"errors"
	"regexp"

	"github.com/Corphon/ZineForge/internal/models"
)

var (
	// ErrDuplicateID 插入时 ID 已存在，调用方应重新生成 ID
	ErrDuplicateID = errors.New("zine id already exists")
	// ErrNotFound 指定 ID 的分享记录不存在
	ErrNotFound = errors.New("zine not found")
	// ErrInvalidID ID 含有非法字符
	ErrInvalidID = errors.New("invalid zine id")
)

// ZineStore 分享记录的持久化契约。记录写入后不再修改。
type ZineStore interface {
	Insert(ctx context.Context, zine *models.SharedZine) error
	Get(ctx context.Context, id string) (*models.SharedZine, error)
	Close() error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id is safe to use as a storage key.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// zineData 存储在单列中的页面数据
type zineData struct {
	Items []models.ShareItem `json:"items"`
}
