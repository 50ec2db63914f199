package sandbox

import "sync"

// DefaultConsoleCapacity is the number of console lines kept per execution.
const DefaultConsoleCapacity = 2000

// ConsoleLine is one captured console call.
type ConsoleLine struct {
	Level       string `json:"level"`
	Message     string `json:"message"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// ConsoleBuffer is a fixed-capacity ring of console lines. When full, the
// oldest line is evicted and the dropped counter grows by one.
type ConsoleBuffer struct {
	mu      sync.Mutex
	lines   []ConsoleLine
	start   int
	size    int
	dropped int
}

// NewConsoleBuffer creates a buffer holding at most capacity lines.
func NewConsoleBuffer(capacity int) *ConsoleBuffer {
	if capacity <= 0 {
		capacity = DefaultConsoleCapacity
	}
	return &ConsoleBuffer{lines: make([]ConsoleLine, capacity)}
}

// Append stores line, evicting the oldest one if the buffer is full.
func (b *ConsoleBuffer) Append(line ConsoleLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.lines)
	if b.size < capacity {
		b.lines[(b.start+b.size)%capacity] = line
		b.size++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % capacity
	b.dropped++
}

// Lines returns the retained lines, oldest first.
func (b *ConsoleBuffer) Lines() []ConsoleLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linesLocked()
}

func (b *ConsoleBuffer) linesLocked() []ConsoleLine {
	out := make([]ConsoleLine, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

// Len returns the number of retained lines.
func (b *ConsoleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns how many lines were evicted.
func (b *ConsoleBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Capacity returns the maximum number of retained lines.
func (b *ConsoleBuffer) Capacity() int {
	return len(b.lines)
}

// Snapshot returns the retained lines and the drop count taken atomically.
func (b *ConsoleBuffer) Snapshot() Diagnostics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Diagnostics{Lines: b.linesLocked(), DroppedCount: b.dropped}
}
