package logging

import (
	"os"
	"sync"
)

const defaultMaxMB = 10

// sizeLimitedWriter appends to a single log file and starts the file over
// when the next write would push it past the cap. One file, no rotation
// chain; what is on disk is always the newest window of logs.
type sizeLimitedWriter struct {
	path string
	cap  int64

	mu   sync.Mutex
	file *os.File
	size int64
}

func newSizeLimitedWriter(path string, maxMB int) (*sizeLimitedWriter, error) {
	if maxMB <= 0 {
		maxMB = defaultMaxMB
	}
	w := &sizeLimitedWriter{path: path, cap: int64(maxMB) << 20}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *sizeLimitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		if err := w.open(os.O_APPEND); err != nil {
			return 0, err
		}
	}
	if w.size+int64(len(p)) > w.cap {
		if err := w.open(os.O_TRUNC); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *sizeLimitedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// open (re)opens the log file with the given disposition flag and refreshes
// the tracked size. Callers hold w.mu.
func (w *sizeLimitedWriter) open(flag int) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|flag, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}
