// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Corphon/ZineForge/internal/models"
)

const createZinesTable = `CREATE TABLE IF NOT EXISTS zines (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    prompt TEXT NOT NULL DEFAULT '',
    zine_data TEXT NOT NULL,
    created_at TEXT NOT NULL
)`

// SQLiteStore 基于 SQLite 的分享记录存储
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore 打开或创建 dataDir/zines.db 并建表
func OpenSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	dbPath := filepath.Join(dataDir, "zines.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(createZinesTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zines table: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Path 返回数据库文件路径
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert 写入一条新记录；ID 已存在时返回 ErrDuplicateID，不覆盖
func (s *SQLiteStore) Insert(ctx context.Context, zine *models.SharedZine) error {
	if !ValidID(zine.ID) {
		return ErrInvalidID
	}

	data, err := json.Marshal(zineData{Items: zine.Items})
	if err != nil {
		return fmt.Errorf("marshal zine data: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO zines (id, title, prompt, zine_data, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(id) DO NOTHING`,
		zine.ID,
		zine.Title,
		zine.Prompt,
		string(data),
		zine.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert zine: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateID
	}
	return nil
}

// Get 按 ID 读取记录
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.SharedZine, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, prompt, zine_data, created_at FROM zines WHERE id = ?`, id)

	var (
		zine      models.SharedZine
		data      string
		createdAt string
	)
	if err := row.Scan(&zine.ID, &zine.Title, &zine.Prompt, &data, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query zine: %w", err)
	}

	var payload zineData
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("decode zine data: %w", err)
	}
	zine.Items = payload.Items

	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		zine.CreatedAt = parsed
	}

	return &zine, nil
}
