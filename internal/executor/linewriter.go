package executor

import (
	"bytes"
	"unicode/utf8"
)

// maxLineBytes bounds an emitted line; longer lines are split, never inside
// a UTF-8 sequence.
const maxLineBytes = 1 << 20

// lineWriter splits a byte stream into lines. It is not safe for concurrent
// use, exec.Cmd copies each stream from its own goroutine.
type lineWriter struct {
	fn  LineFunc
	buf []byte
}

func newLineWriter(fn LineFunc) *lineWriter {
	if fn == nil {
		fn = func(string) {}
	}
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		switch {
		case i >= 0 && i <= maxLineBytes:
			w.emit(w.buf[:i])
			w.buf = w.buf[i+1:]
		case len(w.buf) > maxLineBytes:
			// over long, terminated or not
			n := cutPoint(w.buf, maxLineBytes)
			w.emit(w.buf[:n])
			w.buf = w.buf[n:]
		default:
			return len(p), nil
		}
	}
}

// cutPoint returns the largest index <= n that starts a rune in b. len(b)
// must exceed n.
func cutPoint(b []byte, n int) int {
	for i := n; i > n-utf8.UTFMax && i > 0; i-- {
		if utf8.RuneStart(b[i]) {
			return i
		}
	}
	return n
}

// Flush emits a trailing line that was not terminated.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
	}
	w.buf = nil
}

func (w *lineWriter) emit(line []byte) {
	w.fn(string(bytes.TrimSuffix(line, []byte{'\r'})))
}
