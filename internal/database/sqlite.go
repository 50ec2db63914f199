package database

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteOptions SQLite 打开参数
type SQLiteOptions struct {
	// BusyTimeout 写锁等待时间
	BusyTimeout time.Duration
	// WAL 是否启用 WAL 日志模式
	WAL bool
	// LogLevel GORM 日志级别，默认静默
	LogLevel gormlogger.LogLevel
}

// DefaultSQLiteOptions 返回默认 SQLite 参数
func DefaultSQLiteOptions() SQLiteOptions {
	return SQLiteOptions{
		BusyTimeout: 5 * time.Second,
		WAL:         true,
		LogLevel:    gormlogger.Silent,
	}
}

// SQLiteDSN 构建带 pragma 的数据源字符串。外键约束始终开启。
func SQLiteDSN(path string, opts SQLiteOptions) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	if opts.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if opts.WAL {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return path + "?" + q.Encode()
}

// OpenSQLite 打开（必要时创建）一个 SQLite 数据库文件
func OpenSQLite(path string, opts SQLiteOptions) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	level := opts.LogLevel
	if level == 0 {
		level = gormlogger.Silent
	}

	db, err := gorm.Open(sqlite.Open(SQLiteDSN(path, opts)), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(level),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}
