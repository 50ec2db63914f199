package store

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/sceneforge/internal/database"
)

const (
	// DatabaseFile 存储目录中的数据文件名
	DatabaseFile = "sceneforge.db"
	// ChecksumFile 存储目录中的 schema 校验和文件名
	ChecksumFile = "schema.sha256"
)

var (
	// ErrInvalidResult mime_type 与 blob 不同时为空/非空，或字段缺失
	ErrInvalidResult = errors.New("invalid result")
	// ErrSchemaMismatch 已持久化的 schema 校验和与当前定义不一致
	ErrSchemaMismatch = errors.New("schema checksum mismatch")
	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = errors.New("store is closed")
)

//go:embed schema.sql
var schemaSQL string

// SchemaChecksum 返回当前 schema 定义的 sha256 十六进制摘要
func SchemaChecksum() string {
	sum := sha256.Sum256([]byte(schemaSQL))
	return hex.EncodeToString(sum[:])
}

// Observer 接收存储操作的耗时与结果
type Observer interface {
	ObserveStoreOperation(op string, duration time.Duration, err error)
}

// Config 存储配置
type Config struct {
	// Dir 存储目录，包含数据文件和 schema 校验和文件
	Dir string `yaml:"dir" json:"dir"`
	// MaxRetries 写事务遇到锁冲突时的最大尝试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// Pool 连接池配置
	Pool database.PoolConfig `yaml:"pool" json:"pool"`
	// SQLite 打开参数
	SQLite database.SQLiteOptions `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认存储配置
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		MaxRetries: 3,
		Pool:       database.DefaultPoolConfig(),
		SQLite:     database.DefaultSQLiteOptions(),
	}
}

// Option 存储可选项
type Option func(*Store)

// WithObserver 设置操作观察者（通常是指标收集器）
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store 是按 (task_id, version) 版本化的结果存储
type Store struct {
	dir        string
	maxRetries int
	pool       *database.PoolManager
	logger     *zap.Logger
	observer   Observer
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open 打开存储目录下的数据库并执行 Initialize。
// schema 校验失败时返回 ErrSchemaMismatch，调用方应视为致命错误。
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := database.OpenSQLite(filepath.Join(cfg.Dir, DatabaseFile), cfg.SQLite)
	if err != nil {
		return nil, err
	}

	pool, err := database.NewPoolManager(db, cfg.Pool, logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	s := &Store{
		dir:        cfg.Dir,
		maxRetries: cfg.MaxRetries,
		pool:       pool,
		logger:     logger.With(zap.String("component", "store")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Initialize(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

// Initialize 幂等地创建 schema。
// 校验和文件存在但与当前定义不符，或数据库已有表但缺少校验和文件时失败。
func (s *Store) Initialize(ctx context.Context) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}

	want := SchemaChecksum()
	checksumPath := filepath.Join(s.dir, ChecksumFile)

	stored, readErr := os.ReadFile(checksumPath)
	switch {
	case readErr == nil:
		got := strings.TrimSpace(string(stored))
		if got != want {
			return fmt.Errorf("%w: %s has %q, current schema is %q", ErrSchemaMismatch, checksumPath, got, want)
		}
	case errors.Is(readErr, os.ErrNotExist):
		existing, err := s.hasTables(db)
		if err != nil {
			return err
		}
		if existing {
			return fmt.Errorf("%w: tables exist but %s is missing", ErrSchemaMismatch, checksumPath)
		}
	default:
		return fmt.Errorf("read schema checksum: %w", readErr)
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		for _, stmt := range schemaStatements() {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if readErr != nil {
		if err := os.WriteFile(checksumPath, []byte(want+"\n"), 0o644); err != nil {
			return fmt.Errorf("write schema checksum: %w", err)
		}
		s.logger.Info("schema initialized", zap.String("checksum", want))
	}
	return nil
}

func (s *Store) hasTables(db *gorm.DB) (bool, error) {
	var n int64
	err := db.Raw(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('tasks', 'results')",
	).Scan(&n).Error
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	return n > 0, nil
}

// schemaStatements 按分号拆分 schema，schema 中不含触发器等多语句块
func schemaStatements() []string {
	parts := strings.Split(schemaSQL, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			stmts = append(stmts, p)
		}
	}
	return stmts
}

// Dir 返回存储目录
func (s *Store) Dir() string { return s.dir }

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.db(ctx); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

// PoolStats 返回连接池统计
func (s *Store) PoolStats() database.PoolStats {
	return s.pool.GetStats()
}

// Close 关闭存储，可重复调用
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pool.Close()
}

func (s *Store) db(ctx context.Context) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.pool.DB().WithContext(ctx), nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.observer != nil {
		s.observer.ObserveStoreOperation(op, time.Since(start), err)
	}
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}
