package pipe

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// WriteResult classifies the outcome of a single line write.
type WriteResult int

const (
	// Written means the line reached the pipe's kernel buffer.
	Written WriteResult = iota
	// ReaderAbsent means the reader is gone and the line was dropped.
	ReaderAbsent
	// IOError means an unexpected I/O failure; the error return carries it.
	IOError
)

func (r WriteResult) String() string {
	switch r {
	case Written:
		return "written"
	case ReaderAbsent:
		return "reader-absent"
	case IOError:
		return "io-error"
	}
	return fmt.Sprintf("WriteResult(%d)", int(r))
}

type writerState int

const (
	writerNotOpened writerState = iota
	writerOpen
	writerReaderGone
)

// LineWriter is a single-producer writer of newline-terminated records on
// a FIFO. It is a three-state resource:
//
//	not opened  -> open         first WriteLine blocks until a reader attaches
//	open        -> reader gone  a write fails with EPIPE
//	reader gone -> open         a later WriteLine finds a new reader via a
//	                            non-blocking open attempt
//
// While the reader is gone each WriteLine makes exactly one reopen attempt
// and drops the line if the reader is still absent. There is no back
// buffer: the engine warms up from historical data on reattach, not from
// a replay of dropped bars.
//
// LineWriter is not safe for concurrent use.
type LineWriter struct {
	path  string
	f     *os.File
	state writerState
}

func NewLineWriter(path string) *LineWriter {
	return &LineWriter{path: path}
}

// WriteLine writes one line (the caller includes the trailing newline).
// Writes are unbuffered, so a Written result means the record is flushed
// to the pipe.
func (w *LineWriter) WriteLine(line []byte) (WriteResult, error) {
	switch w.state {
	case writerNotOpened:
		// Blocks until the engine opens its read end.
		f, err := os.OpenFile(w.path, os.O_WRONLY, 0)
		if err != nil {
			return IOError, fmt.Errorf("open %s: %w", w.path, err)
		}
		w.f = f
		w.state = writerOpen
	case writerReaderGone:
		f, err := os.OpenFile(w.path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			if errors.Is(err, syscall.ENXIO) {
				// Still no reader.
				return ReaderAbsent, nil
			}
			return IOError, fmt.Errorf("reopen %s: %w", w.path, err)
		}
		w.f = f
		w.state = writerOpen
	}

	if _, err := w.f.Write(line); err != nil {
		w.f.Close()
		w.f = nil
		if errors.Is(err, syscall.EPIPE) {
			w.state = writerReaderGone
			return ReaderAbsent, nil
		}
		w.state = writerNotOpened
		return IOError, err
	}
	return Written, nil
}

// ReaderGone reports whether the last write observed a missing reader.
func (w *LineWriter) ReaderGone() bool {
	return w.state == writerReaderGone
}

func (w *LineWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	w.state = writerNotOpened
	return err
}

// WriteLineOnce opens the FIFO, writes a single line and closes it again.
// The open blocks until a reader attaches, matching the engine's
// read-one-line-and-close pattern on the response pipe.
func WriteLineOnce(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
