package sandbox

import "bytes"

// capWriter accepts writes up to a byte cap and silently drops the rest,
// so a script spewing output cannot balloon the stored result.
type capWriter struct {
	buf bytes.Buffer
	max int
}

func newCapWriter(max int) *capWriter {
	return &capWriter{max: max}
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *capWriter) String() string {
	return w.buf.String()
}
