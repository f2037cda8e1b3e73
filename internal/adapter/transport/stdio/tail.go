package stdio

import (
	"strings"
	"sync"
)

// tailBuffer keeps the last max bytes written to it. It captures a spawned
// worker's stderr so a crash can be reported with its last words.
type tailBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer.
func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.data = append(tb.data, p...)
	tb.written += int64(len(p))
	if len(tb.data) > tb.max {
		tb.data = tb.data[len(tb.data)-tb.max:]
	}
	return len(p), nil
}

// String returns everything still buffered.
func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return string(tb.data)
}

// Dropped reports how many bytes fell off the front.
func (tb *tailBuffer) Dropped() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.written - int64(len(tb.data))
}

// Lines returns up to n of the last complete or partial lines.
func (tb *tailBuffer) Lines(n int) []string {
	s := strings.TrimRight(tb.String(), "\n")
	if s == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
