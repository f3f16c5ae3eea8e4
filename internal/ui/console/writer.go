// Package console contains utilities for writing to the console output.
package console

import (
	"io"
	"sync"
)

// Writer syncs writes with a mutex and can also re-print any persistent text
// after each write. IsTTY records whether the output is a terminal.
type Writer struct {
	RawOutFd int
	Mutex    *sync.Mutex
	Writer   io.Writer
	IsTTY    bool

	// PersistentText is executed, while the mutex is held, after every
	// write, so progress-like text can survive interleaved log lines.
	PersistentText func()
}

func (w *Writer) Write(p []byte) (n int, err error) {
	origLen := len(p)

	w.Mutex.Lock()
	n, err = w.Writer.Write(p)
	if w.PersistentText != nil {
		w.PersistentText()
	}
	w.Mutex.Unlock()

	if err != nil && n < origLen {
		return n, err
	}
	return origLen, nil
}
