package protocol

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func frames(t *testing.T, msgs ...Message) []byte {
	t.Helper()
	var out bytes.Buffer
	for _, m := range msgs {
		bufs, err := Encode(m)
		require.NoError(t, err)
		_, err = bufs.WriteTo(&out)
		require.NoError(t, err)
	}
	return out.Bytes()
}

func readAll(t *testing.T, r *Reader) ([]Message, error) {
	t.Helper()
	var msgs []Message
	for {
		m, err := r.Next(context.Background())
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
}

func TestReaderDecodesStream(t *testing.T) {
	sent := []Message{
		StartRequest{Arguments: []string{"-c", "cat"}, Environment: map[string]string{"X": "y"}},
		ChannelData{Channel: Stdin, Blob: bytes.Repeat([]byte("z"), 200<<10)},
		ChannelData{Channel: Stdin},
		Result{ExitCode: 3},
	}
	wire := frames(t, sent[0], KeepAlive{}, sent[1], KeepAlive{}, sent[2], sent[3])

	sources := map[string]io.Reader{
		"whole":    bytes.NewReader(wire),
		"one byte": iotest.OneByteReader(bytes.NewReader(wire)),
		"half":     iotest.HalfReader(bytes.NewReader(wire)),
	}
	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			if name == "one byte" {
				// byte-at-a-time is slow for the big blob, so stop after the first message
				r := NewReader(src, WithLogger(log))
				m, err := r.Next(context.Background())
				require.NoError(t, err)
				assert.Equal(t, sent[0], m)
				return
			}
			r := NewReader(src, WithLogger(log))
			got, err := readAll(t, r)
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, sent, got)
			assert.NoError(t, r.Close())

			// end of stream is sticky
			_, err = r.Next(context.Background())
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestReaderEmptyStream(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, r.Close())
}

func TestReaderTruncation(t *testing.T) {
	wire := frames(t, ChannelData{Channel: Stdout, Blob: []byte("hello")})
	cases := map[string][]byte{
		"inside header":    wire[:10],
		"inside blob":      wire[:len(wire)-3],
		"missing blob nul": wire[:len(wire)-1],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(data))
			_, err := r.Next(context.Background())
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestReaderBlobMustEndWithNUL(t *testing.T) {
	wire := frames(t, ChannelData{Channel: Stdout, Blob: []byte("hello")})
	wire[len(wire)-1] = 'x'
	r := NewReader(bytes.NewReader(wire))
	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)

	// errors are final
	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReaderOversizedHeader(t *testing.T) {
	r := NewReader(bytes.NewReader(bytes.Repeat([]byte("{"), MaxMessageSize)))
	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReaderTimesOut(t *testing.T) {
	cases := map[string]func(t *testing.T) io.Reader{
		"deadline": func(t *testing.T) io.Reader {
			a, b := net.Pipe()
			t.Cleanup(func() { a.Close(); b.Close() })
			return a
		},
		"timer": func(t *testing.T) io.Reader {
			pr, pw := io.Pipe()
			t.Cleanup(func() { pw.Close() })
			return pr
		},
	}
	for name, mk := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewReader(mk(t), WithReadTimeout(50*time.Millisecond))
			start := time.Now()
			_, err := r.Next(context.Background())
			assert.ErrorIs(t, err, ErrTimeout)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestReaderCancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewReader(a)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Next(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not cancelled")
	}
}

// A peer that only sends keep-alives, each well within the timeout, never trips it.
func TestReaderKeepAliveTransparency(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	timeout := 100 * time.Millisecond
	w := NewWriter(b, WithKeepAliveInterval(10*time.Millisecond), WithLogger(log))
	r := NewReader(a, WithReadTimeout(timeout), WithLogger(log))

	// keep-alives start after the first real message
	go func() { _ = w.Send(Accepted{}) }()
	m, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Accepted{}, m)

	go func() {
		time.Sleep(5 * timeout)
		_ = w.Send(Result{ExitCode: 0})
	}()
	m, err = r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{ExitCode: 0}, m)

	// Close waits for the heartbeat, which may be blocked writing into the pipe.
	go func() { _, _ = io.Copy(io.Discard, a) }()
	require.NoError(t, w.Close())
}
