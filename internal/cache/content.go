package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/sceneforge/store"
)

// Observer 接收缓存命中与未命中
type Observer interface {
	ObserveCacheLookup(hit bool)
}

// ContentCache 把已持久化的资产缓存在 Redis 哈希中：
// 每个对象一个键，字段为版本号。失效时整键删除。
type ContentCache struct {
	manager  *Manager
	observer Observer
	logger   *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// contentEntry 缓存中的序列化格式
type contentEntry struct {
	Version  string  `json:"version"`
	MimeType *string `json:"mime_type,omitempty"`
	Blob     []byte  `json:"blob,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// NewContentCache 创建资产缓存
func NewContentCache(manager *Manager, observer Observer) *ContentCache {
	return &ContentCache{
		manager:  manager,
		observer: observer,
		logger:   manager.logger.With(zap.String("cache", "content")),
	}
}

func (c *ContentCache) key(taskID string) string {
	return c.manager.Key("content", taskID)
}

// Get 读取某版本的资产，未命中返回 (nil, nil)
func (c *ContentCache) Get(ctx context.Context, taskID, version string) (*store.ResultContent, error) {
	raw, err := c.manager.HGet(ctx, c.key(taskID), version)
	if IsCacheMiss(err) {
		c.record(false)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry contentEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("dropping corrupt cache entry", zap.String("task_id", taskID), zap.String("version", version), zap.Error(err))
		_ = c.manager.Delete(ctx, c.key(taskID))
		c.record(false)
		return nil, nil
	}
	c.record(true)
	return &store.ResultContent{
		Version:  entry.Version,
		MimeType: entry.MimeType,
		Blob:     entry.Blob,
		Error:    entry.Error,
	}, nil
}

// Set 缓存某版本的资产，超过单条上限时跳过
func (c *ContentCache) Set(ctx context.Context, taskID string, content *store.ResultContent) error {
	if content == nil || content.Version == "" {
		return fmt.Errorf("cache content: version is required")
	}
	if limit := c.manager.config.MaxEntryBytes; limit > 0 && len(content.Blob) > limit {
		c.logger.Debug("content too large to cache",
			zap.String("task_id", taskID),
			zap.Int("bytes", len(content.Blob)),
		)
		return nil
	}
	raw, err := json.Marshal(contentEntry{
		Version:  content.Version,
		MimeType: content.MimeType,
		Blob:     content.Blob,
		Error:    content.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.manager.HSet(ctx, c.key(taskID), content.Version, raw, 0)
}

// Invalidate 删除对象的全部缓存版本
func (c *ContentCache) Invalidate(ctx context.Context, taskID string) error {
	return c.manager.Delete(ctx, c.key(taskID))
}

// Stats 返回进程内的命中与未命中计数
func (c *ContentCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ContentCache) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.observer != nil {
		c.observer.ObserveCacheLookup(hit)
	}
}
