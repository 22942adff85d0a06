package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/guseggert/shelleport/internal/nbio"
	"github.com/guseggert/shelleport/protocol"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const stdinChunkSize = 64 << 10

// Stdio is the local end of a session. Closing Stdin must unblock a pending Read.
type Stdio struct {
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

// local tracks which local streams are done. Each is closed at most once.
type local struct {
	Stdio

	mu           sync.Mutex
	closeOnce    map[protocol.Channel]*sync.Once
	closedByPeer map[protocol.Channel]bool
	broken       map[protocol.Channel]bool
}

func newLocal(stdio Stdio) *local {
	return &local{
		Stdio: stdio,
		closeOnce: map[protocol.Channel]*sync.Once{
			protocol.Stdin:  {},
			protocol.Stdout: {},
			protocol.Stderr: {},
		},
		closedByPeer: map[protocol.Channel]bool{},
		broken:       map[protocol.Channel]bool{},
	}
}

func (l *local) stream(ch protocol.Channel) io.Closer {
	switch ch {
	case protocol.Stdin:
		return l.Stdin
	case protocol.Stdout:
		return l.Stdout
	}
	return l.Stderr
}

func (l *local) close(ch protocol.Channel) (err error) {
	l.closeOnce[ch].Do(func() {
		err = l.stream(ch).Close()
	})
	return err
}

func (l *local) closeAll() error {
	return multierr.Combine(l.close(protocol.Stdin), l.close(protocol.Stdout), l.close(protocol.Stderr))
}

func (l *local) mark(set map[protocol.Channel]bool, ch protocol.Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set[ch] {
		return false
	}
	set[ch] = true
	return true
}

func (l *local) is(set map[protocol.Channel]bool, ch protocol.Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return set[ch]
}

// Run runs one session over peer: it sends req, relays stdio until the server reports the
// exit code and returns it. All streams in stdio are closed when Run returns.
func (c *Client) Run(ctx context.Context, peer io.ReadWriter, req protocol.StartRequest, stdio Stdio) (int, error) {
	l := newLocal(stdio)
	defer func() {
		if err := l.closeAll(); err != nil {
			c.log.Debugf("closing local stdio: %s", err)
		}
	}()

	protoOpts := []protocol.Option{
		protocol.WithLogger(c.log.Named("protocol")),
		protocol.WithReadTimeout(c.readTimeout),
	}
	reader := protocol.NewReader(peer, protoOpts...)
	writer := protocol.NewWriter(peer, protoOpts...)
	defer writer.Close()

	if err := writer.Send(req); err != nil {
		return 0, fmt.Errorf("sending start request: %w", err)
	}
	if err := c.awaitAccepted(ctx, reader, l); err != nil {
		return 0, err
	}
	c.log.Debug("session accepted")

	var exitCode int
	group, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { l.close(protocol.Stdin) })
	defer stop()
	group.Go(func() error {
		code, err := c.readLoop(gctx, reader, writer, l)
		exitCode = code
		return err
	})
	group.Go(func() error { return c.writeLoop(gctx, writer, l) })
	if err := group.Wait(); err != nil {
		return 0, err
	}
	if err := reader.Close(); err != nil {
		c.log.Debugf("closing reader: %s", err)
	}
	return exitCode, nil
}

func (c *Client) awaitAccepted(ctx context.Context, reader *protocol.Reader, l *local) error {
	m, err := reader.Next(ctx)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("server closed the stream before accepting")
	}
	if err != nil {
		return fmt.Errorf("waiting for server to accept: %w", err)
	}
	switch m := m.(type) {
	case protocol.Accepted:
		return nil
	case protocol.Exception:
		return c.remoteException(l, m)
	}
	return fmt.Errorf("%w: expected accepted, got %T", protocol.ErrProtocol, m)
}

func (c *Client) remoteException(l *local, e protocol.Exception) error {
	if _, err := fmt.Fprintf(l.Stderr, "Remote exception: %s\n", e.Text); err != nil {
		c.log.Debugf("printing remote exception: %s", err)
	}
	return fmt.Errorf("%w: %s", ErrRemoteException, e.Text)
}

// readLoop applies server messages to the local streams until the server closes the stream.
func (c *Client) readLoop(ctx context.Context, reader *protocol.Reader, writer *protocol.Writer, l *local) (int, error) {
	// nothing is left to send once the server is done
	defer l.close(protocol.Stdin)

	exitCode, resultSeen := 0, false
	for {
		m, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			if !resultSeen {
				return 0, fmt.Errorf("server closed the stream before sending a result")
			}
			return exitCode, nil
		}
		if err != nil {
			if resultSeen && nbio.IsPeerClosed(err) {
				c.log.Debugf("connection reset after result: %s", err)
				return exitCode, nil
			}
			return 0, fmt.Errorf("reading from server: %w", err)
		}
		if resultSeen {
			return 0, fmt.Errorf("%w: %T after result", protocol.ErrProtocol, m)
		}

		switch m := m.(type) {
		case protocol.Result:
			c.log.Debugf("server reported exit code %d", m.ExitCode)
			exitCode, resultSeen = m.ExitCode, true
		case protocol.Exception:
			return 0, c.remoteException(l, m)
		case protocol.ChannelData:
			if err := c.applyChannelData(writer, l, m); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("%w: unexpected %T from server", protocol.ErrProtocol, m)
		}
	}
}

func (c *Client) applyChannelData(writer *protocol.Writer, l *local, m protocol.ChannelData) error {
	if m.IsClose() {
		if !l.mark(l.closedByPeer, m.Channel) {
			return fmt.Errorf("%w: server closed %s twice", protocol.ErrProtocol, m.Channel)
		}
		c.log.Debugf("server closed %s", m.Channel)
		if err := l.close(m.Channel); err != nil {
			c.log.Debugf("closing local %s: %s", m.Channel, err)
		}
		return nil
	}

	if m.Channel == protocol.Stdin {
		return fmt.Errorf("%w: server sent data on stdin", protocol.ErrProtocol)
	}
	if l.is(l.closedByPeer, m.Channel) {
		return fmt.Errorf("%w: server sent data on %s after closing it", protocol.ErrProtocol, m.Channel)
	}
	if l.is(l.broken, m.Channel) {
		return nil
	}

	var out io.Writer = l.Stdout
	if m.Channel == protocol.Stderr {
		out = l.Stderr
	}
	if _, err := out.Write(m.Blob); err != nil {
		if !nbio.IsPeerClosed(err) {
			return fmt.Errorf("writing local %s: %w", m.Channel, err)
		}
		c.log.Debugf("local %s is gone", m.Channel)
		l.mark(l.broken, m.Channel)
		if err := l.close(m.Channel); err != nil {
			c.log.Debugf("closing local %s: %s", m.Channel, err)
		}
		if err := writer.Send(protocol.ChannelData{Channel: m.Channel}); err != nil && !peerGone(err) {
			return fmt.Errorf("sending %s close: %w", m.Channel, err)
		}
	}
	return nil
}

// writeLoop forwards local stdin to the server, then closes the server's stdin.
func (c *Client) writeLoop(ctx context.Context, writer *protocol.Writer, l *local) error {
	buf := make([]byte, stdinChunkSize)
	for {
		n, err := l.Stdin.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if sendErr := writer.Send(protocol.ChannelData{Channel: protocol.Stdin, Blob: data}); sendErr != nil {
				if peerGone(sendErr) {
					c.log.Debugf("server is gone, dropping stdin: %s", sendErr)
					return nil
				}
				return fmt.Errorf("sending stdin: %w", sendErr)
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			if ctx.Err() != nil || l.is(l.closedByPeer, protocol.Stdin) || writer.Err() != nil {
				return nil
			}
			c.log.Debug("local stdin ended")
			if err := writer.Send(protocol.ChannelData{Channel: protocol.Stdin}); err != nil && !peerGone(err) {
				return fmt.Errorf("sending stdin close: %w", err)
			}
			return nil
		case errors.Is(err, os.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			return nil
		default:
			return fmt.Errorf("reading local stdin: %w", err)
		}
	}
}

func peerGone(err error) bool {
	return nbio.IsPeerClosed(err) || errors.Is(err, net.ErrClosed) || errors.Is(err, protocol.ErrWriterClosed)
}

