package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

const (
	defaultBufferSize = 4 << 10
	// maxPooledBuffer 超过此容量的缓冲区归还时直接丢弃
	maxPooledBuffer = 4 << 20
)

// BufferPool 复用 GLB 编码与控制台格式化使用的字节缓冲区。
type BufferPool struct {
	pool    sync.Pool
	maxSize int

	gets    atomic.Int64
	allocs  atomic.Int64
	dropped atomic.Int64
}

// NewBufferPool 创建缓冲池，maxSize <= 0 时不限制归还的容量
func NewBufferPool(initialSize, maxSize int) *BufferPool {
	if initialSize <= 0 {
		initialSize = defaultBufferSize
	}
	p := &BufferPool{maxSize: maxSize}
	p.pool.New = func() any {
		p.allocs.Add(1)
		return bytes.NewBuffer(make([]byte, 0, initialSize))
	}
	return p
}

// Get 取出一个空缓冲区
func (p *BufferPool) Get() *bytes.Buffer {
	p.gets.Add(1)
	return p.pool.Get().(*bytes.Buffer)
}

// Put 归还缓冲区。调用方此后不得再持有其内容。
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if p.maxSize > 0 && buf.Cap() > p.maxSize {
		p.dropped.Add(1)
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

// Stats 返回统计快照
func (p *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		Gets:    p.gets.Load(),
		Allocs:  p.allocs.Load(),
		Dropped: p.dropped.Load(),
	}
}

// BufferPoolStats 缓冲池统计
type BufferPoolStats struct {
	Gets    int64 `json:"gets"`
	Allocs  int64 `json:"allocs"`
	Dropped int64 `json:"dropped"`
}

// ReuseRate 未触发新分配的 Get 占比
func (s BufferPoolStats) ReuseRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.Allocs) / float64(s.Gets)
}

// ByteBufferPool 进程共享的资产缓冲池
var ByteBufferPool = NewBufferPool(defaultBufferSize, maxPooledBuffer)
