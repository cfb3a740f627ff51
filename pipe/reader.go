package pipe

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// LineReader is a blocking reader of newline-terminated records on a FIFO.
//
// The FIFO is opened read-write: holding a write end of our own means the
// pipe never reaches EOF when the engine closes its write end after a
// line, so ReadLine simply blocks until the next record. Close unblocks a
// pending ReadLine, which then returns os.ErrClosed.
type LineReader struct {
	path string

	mu     sync.Mutex
	f      *os.File
	br     *bufio.Reader
	closed bool
}

func NewLineReader(path string) *LineReader {
	return &LineReader{path: path}
}

func (r *LineReader) open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	if r.f != nil {
		return nil
	}
	// O_NONBLOCK keeps the fd on the runtime poller so Close can
	// interrupt a blocked read. O_RDWR on a FIFO never blocks.
	f, err := os.OpenFile(r.path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.path, err)
	}
	r.f = f
	r.br = bufio.NewReader(f)
	return nil
}

// ReadLine blocks until the next line is available and returns it with the
// trailing newline stripped.
func (r *LineReader) ReadLine() ([]byte, error) {
	if err := r.open(); err != nil {
		return nil, err
	}
	// Snapshot under the lock: a concurrent Close nils the fields.
	r.mu.Lock()
	br := r.br
	r.mu.Unlock()
	if br == nil {
		return nil, os.ErrClosed
	}
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}

// Close unblocks a pending ReadLine and releases the FIFO. A closed
// reader stays closed: a later ReadLine returns os.ErrClosed instead of
// reopening.
func (r *LineReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	r.br = nil
	return err
}
