package session

import (
	"strings"
	"sync"
	"time"
)

// outputBuffer is an append-only view of the agent's merged output stream.
// A single drain goroutine writes, the scheduler reads snapshots. Content
// past the byte budget is dropped oldest-first: quiescence detection and the
// decision prompt only ever need the tail.
type outputBuffer struct {
	mu         sync.Mutex
	data       []byte
	maxBytes   int
	totalBytes int64
	lineCount  int
	lastAppend time.Time
}

func newOutputBuffer(maxBytes int) *outputBuffer {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &outputBuffer{maxBytes: maxBytes}
}

func (b *outputBuffer) AppendLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, line...)
	b.data = append(b.data, '\n')
	b.totalBytes += int64(len(line)) + 1
	b.lineCount++
	b.lastAppend = time.Now()
	if len(b.data) > b.maxBytes {
		trimmed := len(b.data) - b.maxBytes
		// Trim on a line boundary so the view never starts mid-line.
		if idx := indexByteFrom(b.data, trimmed, '\n'); idx >= 0 {
			trimmed = idx + 1
		}
		b.data = append(b.data[:0:0], b.data[trimmed:]...)
	}
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Total returns the monotonic count of bytes ever appended. Trimming never
// decreases it, so equal totals across a window mean no new output arrived.
func (b *outputBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

func (b *outputBuffer) LineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lineCount
}

func (b *outputBuffer) LastAppend() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAppend
}

func (b *outputBuffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.data)) == ""
}

func indexByteFrom(data []byte, from int, c byte) int {
	for i := from; i < len(data); i++ {
		if data[i] == c {
			return i
		}
	}
	return -1
}
