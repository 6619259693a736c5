package tools

import (
	"bytes"
	"io"
	"sync"
)

// outputBuffer collects interleaved stdout/stderr of a command up to max bytes.
type outputBuffer struct {
	max int

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func newOutputBuffer(max int) *outputBuffer {
	if max <= 0 {
		max = 1
	}
	return &outputBuffer{max: max}
}

func (b *outputBuffer) Writer() io.Writer { return b }

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Always report success so the child process never blocks on a full pipe.
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	n := len(p)
	if n > remain {
		n = remain
		b.truncated = true
	}
	_, _ = b.buf.Write(p[:n])
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
