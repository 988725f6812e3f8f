package supervisor

import (
	"sync"
	"unicode/utf8"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// TailBuffer is an io.Writer that keeps only the most recent bytes written.
// It is safe for concurrent use.
type TailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
	total int64
}

func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = experiment.DefaultTailCap
	}
	return &TailBuffer{limit: limit, buf: make([]byte, 0, limit)}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total += int64(len(p))
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	if over := len(t.buf) + len(p) - t.limit; over > 0 {
		n := copy(t.buf, t.buf[over:])
		t.buf = t.buf[:n]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

// String returns the retained tail, trimmed to a valid UTF-8 start.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := string(t.buf)
	if t.total > int64(len(t.buf)) {
		// The cut may have split a rune.
		for i := 0; i < len(s) && i < utf8.UTFMax; i++ {
			if utf8.RuneStart(s[i]) {
				return s[i:]
			}
		}
	}
	return s
}

// Total reports how many bytes were written overall.
func (t *TailBuffer) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
