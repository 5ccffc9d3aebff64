package runner

import (
	"fmt"
	"os"
	"sync"

	"tuned/pkg/textutil"
)

// LogWriter appends messages to a run's log file from a single background
// goroutine, so concurrent logical callers never interleave mid-line and
// never block on file I/O. Messages are sanitized before they are queued.
type LogWriter struct {
	path string
	msgs chan string
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// NewLogWriter starts the writer goroutine for the given log file. The file
// is created on first append if absent.
func NewLogWriter(path string) *LogWriter {
	w := &LogWriter{
		path: path,
		msgs: make(chan string, 256),
		done: make(chan struct{}),
	}
	go w.drain()
	return w
}

// Append queues one sanitized message for writing. It only blocks when the
// queue is full. Append after Close is a no-op.
func (w *LogWriter) Append(msg string) {
	// The send stays under the mutex so Close cannot close the channel
	// between the check and the send. The drain goroutine never takes the
	// mutex to receive, so a full queue still makes progress.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.msgs <- textutil.StripEscapeCodes(msg)
}

// Appendf formats and queues one message, newline-terminated.
func (w *LogWriter) Appendf(format string, args ...any) {
	w.Append(fmt.Sprintf(format, args...) + "\n")
}

// Close drains outstanding messages, closes the file, and returns the first
// write error encountered, if any.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return w.err
	}
	w.closed = true
	w.mu.Unlock()

	close(w.msgs)
	<-w.done
	return w.err
}

func (w *LogWriter) drain() {
	defer close(w.done)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.setErr(err)
		for range w.msgs {
			// Discard: the caller learns about the failure from Close.
		}
		return
	}
	defer f.Close()

	for msg := range w.msgs {
		if _, err := f.WriteString(msg); err != nil {
			w.setErr(err)
		}
	}
	if err := f.Sync(); err != nil {
		w.setErr(err)
	}
}

func (w *LogWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}
