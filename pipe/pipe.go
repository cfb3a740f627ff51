// Package pipe manages the named pipes (FIFOs) connecting the bridge to
// the trading engine and the line-oriented readers and writers over them.
package pipe

import (
	"fmt"
	"os"
	"syscall"
)

const fifoMode = 0o600

// Ensure creates the FIFO at path if it does not exist and reports
// whether this call created it. An existing FIFO is reused: a reader
// from a prior run may still hold it open, so it must not be unlinked
// here. Only pipes created this run are removed at shutdown.
func Ensure(path string) (created bool, err error) {
	fi, err := os.Stat(path)
	if err == nil {
		if fi.Mode()&os.ModeNamedPipe == 0 {
			return false, fmt.Errorf("%s exists and is not a fifo", path)
		}
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, err
	}
	if err := syscall.Mkfifo(path, fifoMode); err != nil {
		return false, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return true, nil
}

// Recreate unlinks whatever is at path and creates a fresh FIFO. Used for
// the order and response pipes at startup: they are request/response and
// self-reset each cycle, so a stale entry from a crashed prior instance
// can be discarded safely.
func Recreate(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := syscall.Mkfifo(path, fifoMode); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// Remove unlinks the FIFO at orderly shutdown. A missing entry is not an
// error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
