package engine

import (
	"bytes"
	"sync"
)

// lineWriter is an io.Writer that splits its input into lines and hands each
// complete line to the publish callback. Serial console reads arrive in
// arbitrary chunks, so a partial trailing line is buffered until its newline
// shows up.
type lineWriter struct {
	mu      sync.Mutex
	publish func(line string)
	buf     bytes.Buffer
}

func newLineWriter(publish func(line string)) *lineWriter {
	return &lineWriter{publish: publish}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		raw := w.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(raw[:i], "\r"))
		w.buf.Next(i + 1)
		w.publish(line)
	}
	return len(p), nil
}
