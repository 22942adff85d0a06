package nbio

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func isNonblocking(t *testing.T, fd int) bool {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	return flags&unix.O_NONBLOCK != 0
}

func TestStreamRoundTrip(t *testing.T) {
	rfd, wfd := pipe(t)
	r, err := Open(rfd, "read end")
	require.NoError(t, err)
	defer r.Close()
	w, err := Open(wfd, "write end")
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestStreamLargeWriteBlocksUntilDrained(t *testing.T) {
	rfd, wfd := pipe(t)
	r, err := Open(rfd, "read end")
	require.NoError(t, err)
	defer r.Close()
	w, err := Open(wfd, "write end")
	require.NoError(t, err)
	defer w.Close()

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := w.Write(payload)
		errCh <- err
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 64<<10)
	for len(got) < len(payload) {
		n, err := r.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, payload, got)
}

func TestStreamEOFIsSticky(t *testing.T) {
	rfd, wfd := pipe(t)
	r, err := Open(rfd, "read end")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, unix.Close(wfd))

	buf := make([]byte, 8)
	for i := 0; i < 3; i++ {
		n, err := r.Read(buf)
		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestStreamWriteAfterPeerGone(t *testing.T) {
	rfd, wfd := pipe(t)
	w, err := Open(wfd, "write end")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, unix.Close(rfd))

	_, err = w.Write([]byte("x"))
	require.Error(t, err)
	assert.True(t, IsPeerClosed(err))
	assert.ErrorIs(t, err, ErrPeerClosed)

	n, err := w.Write([]byte("y"))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestStreamReadDeadline(t *testing.T) {
	rfd, _ := pipe(t)
	r, err := Open(rfd, "read end")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = r.Read(make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// a timeout does not end the stream
	require.NoError(t, r.SetReadDeadline(time.Time{}))
	assert.False(t, r.eof)
}

func TestStreamCloseRestoresBlockingAndKeepsOriginal(t *testing.T) {
	rfd, wfd := pipe(t)
	w, err := Open(wfd, "write end")
	require.NoError(t, err)
	assert.True(t, isNonblocking(t, wfd))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.False(t, isNonblocking(t, wfd))

	// the caller's descriptor is still open
	n, err := unix.Write(wfd, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	buf := make([]byte, 2)
	_, err = unix.Read(rfd, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}

func TestStreamCloseUnblocksRead(t *testing.T) {
	rfd, _ := pipe(t)
	r, err := Open(rfd, "read end")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 8))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, os.ErrClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("read was not interrupted by close")
	}
}
