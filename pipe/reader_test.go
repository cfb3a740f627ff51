package pipe

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReaderReadsAcrossWriterSessions(t *testing.T) {
	path := fifoPath(t)
	_, err := Ensure(path)
	require.NoError(t, err)

	r := NewLineReader(path)
	defer r.Close()

	lines := make(chan string, 2)
	errs := make(chan error, 2)
	go func() {
		for i := 0; i < 2; i++ {
			line, err := r.ReadLine()
			if err != nil {
				errs <- err
				return
			}
			lines <- string(line)
		}
	}()

	// Each writer opens, writes one line and closes, the way the engine
	// submits orders. The reader must survive the close without EOF.
	require.NoError(t, WriteLineOnce(path, []byte(`{"order_id":"t1"}`+"\n")))

	select {
	case got := <-lines:
		assert.Equal(t, `{"order_id":"t1"}`, got)
	case err := <-errs:
		t.Fatalf("read failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first line")
	}

	require.NoError(t, WriteLineOnce(path, []byte(`{"order_id":"t2"}`+"\n")))

	select {
	case got := <-lines:
		assert.Equal(t, `{"order_id":"t2"}`, got)
	case err := <-errs:
		t.Fatalf("read failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for second line")
	}
}

func TestLineReaderCloseUnblocksRead(t *testing.T) {
	path := fifoPath(t)
	_, err := Ensure(path)
	require.NoError(t, err)

	r := NewLineReader(path)

	readErr := make(chan error, 1)
	go func() {
		_, err := r.ReadLine()
		readErr <- err
	}()

	// Give the goroutine time to block in ReadLine.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("ReadLine did not return after Close")
	}
}

func TestLineReaderCloseRacesReadLine(t *testing.T) {
	path := fifoPath(t)
	_, err := Ensure(path)
	require.NoError(t, err)

	// Close from another goroutine at every stage of ReadLine: before the
	// lazy open, between open and read, and mid-read. Each attempt must
	// come back with an error, never hang or panic.
	for i := 0; i < 50; i++ {
		r := NewLineReader(path)
		readErr := make(chan error, 1)
		go func() {
			_, err := r.ReadLine()
			readErr <- err
		}()
		go r.Close()

		select {
		case err := <-readErr:
			assert.Error(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("ReadLine hung against concurrent Close")
		}
	}
}

func TestLineReaderMissingFifo(t *testing.T) {
	r := NewLineReader(fifoPath(t))
	_, err := r.ReadLine()
	assert.Error(t, err)
}
