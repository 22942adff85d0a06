package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"testing/iotest"
	"time"

	"github.com/guseggert/shelleport/address"
	inet "github.com/guseggert/shelleport/internal/net"
	"github.com/guseggert/shelleport/protocol"
	"github.com/guseggert/shelleport/server"
	"github.com/guseggert/shelleport/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log, _ = zap.NewDevelopment()

type output struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, io.ErrClosedPipe
	}
	return o.buf.Write(p)
}

func (o *output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func (o *output) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// brokenOutput behaves like a pipe whose reader went away.
type brokenOutput struct{ output }

func (b *brokenOutput) Write(p []byte) (int, error) { return 0, syscall.EPIPE }

type session struct {
	stdout, stderr *output
	stdio          Stdio
}

func newSession(stdin string) *session {
	s := &session{stdout: &output{}, stderr: &output{}}
	s.stdio = Stdio{Stdin: io.NopCloser(strings.NewReader(stdin)), Stdout: s.stdout, Stderr: s.stderr}
	return s
}

func newServer(t *testing.T) *server.Server {
	sh, err := shell.New([]string{"/bin/sh", "-c"}, map[string]string{"PATH": "/usr/bin:/bin"},
		shell.WithLogger(log.Sugar()),
		shell.WithTerminateTimeout(time.Second),
	)
	require.NoError(t, err)
	return server.New(sh, server.WithLogger(log), server.WithReadTimeout(5*time.Second))
}

// pipe serves one session on a net.Pipe and returns the client end.
func pipe(t *testing.T) net.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	srv := newServer(t)
	serverConn, clientConn := net.Pipe()
	go srv.ServeConn(ctx, serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return clientConn
}

func newClient() *Client {
	return New(WithLogger(log), WithReadTimeout(5*time.Second))
}

func TestRunEcho(t *testing.T) {
	s := newSession("hello\nworld\n")
	code, err := newClient().Run(context.Background(), pipe(t), protocol.StartRequest{Arguments: []string{"cat; echo done >&2"}}, s.stdio)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\nworld\n", s.stdout.String())
	assert.Equal(t, "done\n", s.stderr.String())
	assert.True(t, s.stdout.isClosed())
	assert.True(t, s.stderr.isClosed())
}

func TestRunExitCode(t *testing.T) {
	s := newSession("")
	code, err := newClient().Run(context.Background(), pipe(t), protocol.StartRequest{Arguments: []string{"exit 7"}}, s.stdio)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestRunSignalExitCode(t *testing.T) {
	s := newSession("")
	code, err := newClient().Run(context.Background(), pipe(t), protocol.StartRequest{Arguments: []string{"kill -9 $$"}}, s.stdio)
	require.NoError(t, err)
	assert.Equal(t, -int(syscall.SIGKILL), code)
}

func TestRunEnvironment(t *testing.T) {
	s := newSession("")
	req, err := BuildStartRequest([]string{"GREETING=hi=there"}, []string{`printf '%s' "$GREETING"`}, nil)
	require.NoError(t, err)
	_, err = newClient().Run(context.Background(), pipe(t), req, s.stdio)
	require.NoError(t, err)
	assert.Equal(t, "hi=there", s.stdout.String())
}

func TestRunRemoteException(t *testing.T) {
	s := newSession("")
	_, err := newClient().Run(context.Background(), pipe(t), protocol.StartRequest{Environment: map[string]string{"": "x"}}, s.stdio)
	assert.ErrorIs(t, err, ErrRemoteException)
	assert.Contains(t, s.stderr.String(), "Remote exception: ")
}

func TestRunLocalOutputGone(t *testing.T) {
	stdout := &brokenOutput{}
	stderr := &output{}
	stdio := Stdio{Stdin: io.NopCloser(strings.NewReader("")), Stdout: stdout, Stderr: stderr}
	req := protocol.StartRequest{Arguments: []string{"trap '' PIPE; echo first; sleep 0.5; echo second 2>/dev/null; echo tail >&2"}}

	code, err := newClient().Run(context.Background(), pipe(t), req, stdio)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "tail\n", stderr.String())
	assert.True(t, stdout.isClosed())
}

// endlessStdin never runs dry until it is closed.
type endlessStdin struct {
	mu     sync.Mutex
	closed bool
}

func (e *endlessStdin) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, os.ErrClosed
	}
	for i := range p {
		p[i] = 'y'
	}
	return len(p), nil
}

func (e *endlessStdin) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func TestRunStdinOutlastsShell(t *testing.T) {
	srv := newServer(t)
	port, err := inet.GetEphemeralTCPPort("127.0.0.1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newClient()

	for _, addr := range []address.Address{
		{Scheme: address.TCP, Host: "127.0.0.1", Port: port},
		{Scheme: address.Unix, Path: filepath.Join(t.TempDir(), "s.sock")},
	} {
		ln, err := server.Listen(addr, server.DefaultUnixAccess)
		require.NoError(t, err)
		go srv.Serve(ctx, ln)

		for i := 0; i < 5; i++ {
			conn, err := c.Dial(ctx, addr)
			require.NoError(t, err)
			stdio := Stdio{Stdin: &endlessStdin{}, Stdout: &output{}, Stderr: &output{}}
			code, err := c.Run(ctx, conn, protocol.StartRequest{Arguments: []string{"sleep 0.2; exit 3"}}, stdio)
			conn.Close()
			require.NoError(t, err, "%s run %d", addr, i)
			assert.Equal(t, 3, code, "%s run %d", addr, i)
		}
	}
}

// scriptedPeer replays fixed server output and swallows everything the client sends.
type scriptedPeer struct {
	io.Reader
	io.Writer
}

func TestRunToleratesResetAfterResult(t *testing.T) {
	var frames bytes.Buffer
	for _, m := range []protocol.Message{protocol.Accepted{}, protocol.Result{ExitCode: 5}} {
		bufs, err := protocol.Encode(m)
		require.NoError(t, err)
		_, err = bufs.WriteTo(&frames)
		require.NoError(t, err)
	}
	peer := scriptedPeer{
		Reader: io.MultiReader(&frames, iotest.ErrReader(syscall.ECONNRESET)),
		Writer: io.Discard,
	}

	s := newSession("")
	code, err := newClient().Run(context.Background(), peer, protocol.StartRequest{}, s.stdio)
	require.NoError(t, err)
	assert.Equal(t, 5, code)
}

func TestRunResetBeforeResultFails(t *testing.T) {
	bufs, err := protocol.Encode(protocol.Accepted{})
	require.NoError(t, err)
	var frames bytes.Buffer
	_, err = bufs.WriteTo(&frames)
	require.NoError(t, err)
	peer := scriptedPeer{
		Reader: io.MultiReader(&frames, iotest.ErrReader(syscall.ECONNRESET)),
		Writer: io.Discard,
	}

	s := newSession("")
	_, err = newClient().Run(context.Background(), peer, protocol.StartRequest{}, s.stdio)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
}

func TestRunServerClosesStream(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go func() {
		r := protocol.NewReader(serverConn)
		w := protocol.NewWriter(serverConn)
		defer w.Close()
		if _, err := r.Next(context.Background()); err != nil {
			return
		}
		_ = w.Send(protocol.Accepted{})
		serverConn.Close()
	}()

	s := newSession("")
	_, err := newClient().Run(context.Background(), clientConn, protocol.StartRequest{}, s.stdio)
	assert.ErrorContains(t, err, "before sending a result")
}

func TestRunRejectsDataAfterResult(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go func() {
		r := protocol.NewReader(serverConn)
		w := protocol.NewWriter(serverConn)
		defer w.Close()
		defer serverConn.Close()
		if _, err := r.Next(context.Background()); err != nil {
			return
		}
		_ = w.Send(protocol.Accepted{})
		_ = w.Send(protocol.Result{ExitCode: 0})
		_ = w.Send(protocol.ChannelData{Channel: protocol.Stdout, Blob: []byte("late")})
		go io.Copy(io.Discard, serverConn)
	}()

	s := newSession("")
	_, err := newClient().Run(context.Background(), clientConn, protocol.StartRequest{}, s.stdio)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestRunOverUnixSocket(t *testing.T) {
	srv := newServer(t)
	addr := address.Address{Scheme: address.Unix, Path: filepath.Join(t.TempDir(), "s.sock")}
	ln, err := server.Listen(addr, server.DefaultUnixAccess)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	c := newClient()
	conn, err := c.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	s := newSession("ping\n")
	code, err := c.Run(ctx, conn, protocol.StartRequest{Arguments: []string{"read x; echo pong $x"}}, s.stdio)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "pong ping\n", s.stdout.String())
}

func TestRunOverWebSocket(t *testing.T) {
	srv := newServer(t)
	port, err := inet.GetEphemeralTCPPort("127.0.0.1")
	require.NoError(t, err)
	addr, err := address.Parse("ws://127.0.0.1:"+strconv.Itoa(port), "")
	require.NoError(t, err)
	ln, err := server.Listen(addr, server.DefaultUnixAccess)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeWebSocket(ctx, ln)

	c := newClient()
	conn, err := c.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	big := strings.Repeat("0123456789abcdef", 64<<10)
	s := newSession(big)
	code, err := c.Run(ctx, conn, protocol.StartRequest{Arguments: []string{"wc -c"}}, s.stdio)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "1048576", strings.TrimSpace(s.stdout.String()))
}

func TestDialRejects(t *testing.T) {
	c := newClient()
	for _, addr := range []address.Address{
		{Scheme: address.Stdio},
		{Scheme: address.TCP, Host: "127.0.0.1"},
		{Scheme: address.WebSocket, Host: "127.0.0.1"},
	} {
		_, err := c.Dial(context.Background(), addr)
		assert.True(t, errors.Is(err, address.ErrInvalidAddress), "%s: %v", addr, err)
	}
}

func TestBuildStartRequest(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "HOME" {
			return "/home/me", true
		}
		return "", false
	}

	cases := []struct {
		name    string
		exports []string
		args    []string
		want    protocol.StartRequest
		wantErr bool
	}{
		{
			name: "no exports",
			args: []string{"-c", "true"},
			want: protocol.StartRequest{Arguments: []string{"-c", "true"}, Environment: map[string]string{}},
		},
		{
			name:    "explicit and inherited",
			exports: []string{"A=1", "HOME", "EMPTY="},
			want:    protocol.StartRequest{Arguments: []string{}, Environment: map[string]string{"A": "1", "HOME": "/home/me", "EMPTY": ""}},
		},
		{
			name:    "value keeps later equals signs",
			exports: []string{"Q=a=b"},
			want:    protocol.StartRequest{Arguments: []string{}, Environment: map[string]string{"Q": "a=b"}},
		},
		{name: "missing local variable", exports: []string{"NOPE"}, wantErr: true},
		{name: "duplicate key", exports: []string{"A=1", "A=2"}, wantErr: true},
		{name: "empty key", exports: []string{"=1"}, wantErr: true},
		{name: "padded key", exports: []string{" A=1"}, wantErr: true},
		{name: "multiline value", exports: []string{"A=1\n2"}, wantErr: true},
		{name: "multiline argument", args: []string{"a\nb"}, wantErr: true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got, err := BuildStartRequest(c.exports, c.args, lookup)
			if c.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}
