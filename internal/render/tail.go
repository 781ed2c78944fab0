package render

import "sync"

// tailWriter keeps the last limit bytes written to it. The renderer's
// combined stdout/stderr goes through one of these so failure messages can
// quote the end of the output without buffering all of it.
type tailWriter struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
