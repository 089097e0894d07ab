package runner

import "sync"

// StderrLimit caps how much stderr is kept per attempt.
const StderrLimit = 4096

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest while still reporting full writes, so the writer never blocks.
type cappedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
	lost  int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.lost += len(p) - max(room, 0)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether anything was dropped.
func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lost > 0
}
