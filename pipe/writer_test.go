package pipe

import (
	"bufio"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openReader attaches a read end without blocking. O_RDWR on a FIFO
// succeeds immediately even when no other end is open.
func openReader(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	require.NoError(t, err)
	return f
}

func TestLineWriterDeliversToReader(t *testing.T) {
	path := fifoPath(t)
	_, err := Ensure(path)
	require.NoError(t, err)

	reader := openReader(t, path)
	defer reader.Close()

	w := NewLineWriter(path)
	defer w.Close()

	res, err := w.WriteLine([]byte("first\n"))
	require.NoError(t, err)
	require.Equal(t, Written, res)
	res, err = w.WriteLine([]byte("second\n"))
	require.NoError(t, err)
	require.Equal(t, Written, res)

	br := bufio.NewReader(reader)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "first\n", line)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "second\n", line)
}

func TestLineWriterDropsWhileReaderAbsent(t *testing.T) {
	path := fifoPath(t)
	_, err := Ensure(path)
	require.NoError(t, err)

	reader := openReader(t, path)

	w := NewLineWriter(path)
	defer w.Close()

	res, err := w.WriteLine([]byte("seen\n"))
	require.NoError(t, err)
	require.Equal(t, Written, res)
	require.False(t, w.ReaderGone())

	// Drain and drop the read end. The next write hits EPIPE.
	buf := make([]byte, 64)
	_, err = reader.Read(buf)
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	res, err = w.WriteLine([]byte("dropped\n"))
	require.NoError(t, err)
	assert.Equal(t, ReaderAbsent, res)
	assert.True(t, w.ReaderGone())

	// Still gone: the reopen probe finds no reader and the line drops.
	res, err = w.WriteLine([]byte("dropped too\n"))
	require.NoError(t, err)
	assert.Equal(t, ReaderAbsent, res)
}

func TestLineWriterRecoversWhenReaderReturns(t *testing.T) {
	path := fifoPath(t)
	_, err := Ensure(path)
	require.NoError(t, err)

	reader := openReader(t, path)
	w := NewLineWriter(path)
	defer w.Close()

	res, err := w.WriteLine([]byte("a\n"))
	require.NoError(t, err)
	require.Equal(t, Written, res)

	buf := make([]byte, 64)
	_, err = reader.Read(buf)
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	res, err = w.WriteLine([]byte("b\n"))
	require.NoError(t, err)
	require.Equal(t, ReaderAbsent, res)

	// A new reader attaches; the next write goes through again.
	reader2 := openReader(t, path)
	defer reader2.Close()

	res, err = w.WriteLine([]byte("c\n"))
	require.NoError(t, err)
	assert.Equal(t, Written, res)
	assert.False(t, w.ReaderGone())

	line, err := bufio.NewReader(reader2).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "c\n", line)
}

func TestWriteLineOnce(t *testing.T) {
	path := fifoPath(t)
	_, err := Ensure(path)
	require.NoError(t, err)

	reader := openReader(t, path)
	defer reader.Close()

	require.NoError(t, WriteLineOnce(path, []byte("single\n")))

	line, err := bufio.NewReader(reader).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "single\n", line)
}
