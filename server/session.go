package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/guseggert/shelleport/protocol"
	"github.com/guseggert/shelleport/shell"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errShellExited ends the relay group once the result went out.
var errShellExited = errors.New("shell exited")

// session relays one peer's message stream to one shell session.
type session struct {
	log    *zap.SugaredLogger
	shell  *shell.Shell
	reader *protocol.Reader
	writer *protocol.Writer

	mu            sync.Mutex
	closedByPeer  map[protocol.Channel]bool
	closedByShell map[protocol.Channel]bool

	// sendMu orders sends against the terminal message; nothing is sent once ended is set.
	sendMu     sync.Mutex
	ended      bool
	resultSent atomic.Bool
}

func newSession(log *zap.SugaredLogger, sh *shell.Shell, reader *protocol.Reader, writer *protocol.Writer) *session {
	return &session{
		log:           log,
		shell:         sh,
		reader:        reader,
		writer:        writer,
		closedByPeer:  map[protocol.Channel]bool{},
		closedByShell: map[protocol.Channel]bool{},
	}
}

func (s *session) run(ctx context.Context) (err error) {
	defer func() {
		if err != nil && !s.resultSent.Load() {
			s.sendException(err)
		}
	}()

	req, err := s.readStartRequest(ctx)
	if err != nil {
		return err
	}
	s.log.Debugw("got start request", "Arguments", req.Arguments, "EnvironmentKeys", len(req.Environment))

	sh, err := s.shell.Start(req.Arguments, req.Environment)
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer func() {
		err = multierr.Append(err, sh.Close())
	}()
	// the peer hears about a failure before the shell is torn down
	defer func() {
		if err != nil {
			s.sendException(err)
		}
	}()
	s.log.Infow("shell started", "PID", sh.Pid())

	if _, err := s.send(protocol.Accepted{}); err != nil {
		return fmt.Errorf("accepting start request: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	// a stdin write blocked on a full pipe must not outlive the group
	stop := context.AfterFunc(gctx, func() {
		_ = sh.CloseChannel(protocol.Stdin)
	})
	defer stop()
	group.Go(func() error { return s.fromPeer(gctx, sh) })
	group.Go(func() error { return s.toPeer(gctx, sh) })

	err = group.Wait()
	if s.resultSent.Load() {
		if !errors.Is(err, errShellExited) {
			s.log.Debugf("ignoring error after result was sent: %s", err)
		}
		return nil
	}
	return err
}

func (s *session) readStartRequest(ctx context.Context) (protocol.StartRequest, error) {
	m, err := s.reader.Next(ctx)
	if errors.Is(err, io.EOF) {
		return protocol.StartRequest{}, fmt.Errorf("peer closed the stream before sending a start request")
	}
	if err != nil {
		return protocol.StartRequest{}, fmt.Errorf("reading start request: %w", err)
	}
	req, ok := m.(protocol.StartRequest)
	if !ok {
		return protocol.StartRequest{}, fmt.Errorf("%w: expected a start request, got %T", protocol.ErrProtocol, m)
	}
	return req, nil
}

// fromPeer writes the peer's stdin into the shell and applies the peer's channel closes.
func (s *session) fromPeer(ctx context.Context, sh *shell.Session) error {
	for {
		m, err := s.reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("peer closed the stream before the shell exited")
		}
		if err != nil {
			return fmt.Errorf("reading from peer: %w", err)
		}
		data, ok := m.(protocol.ChannelData)
		if !ok {
			return fmt.Errorf("%w: unexpected %T from peer", protocol.ErrProtocol, m)
		}

		if data.IsClose() {
			if !s.markClosed(s.closedByPeer, data.Channel) {
				return fmt.Errorf("%w: peer closed %s twice", protocol.ErrProtocol, data.Channel)
			}
			s.log.Debugf("peer closed %s", data.Channel)
			if err := sh.CloseChannel(data.Channel); err != nil && !errors.Is(err, shell.ErrChannelClosed) {
				return fmt.Errorf("closing %s: %w", data.Channel, err)
			}
			continue
		}

		if data.Channel != protocol.Stdin {
			return fmt.Errorf("%w: peer sent data on %s", protocol.ErrProtocol, data.Channel)
		}
		if s.isClosed(s.closedByPeer, protocol.Stdin) {
			return fmt.Errorf("%w: peer sent data on stdin after closing it", protocol.ErrProtocol)
		}
		if s.isClosed(s.closedByShell, protocol.Stdin) {
			continue
		}

		if _, err := sh.Write(data.Blob); err != nil {
			if !errors.Is(err, shell.ErrChannelClosed) {
				return fmt.Errorf("writing to shell stdin: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Debug("shell stopped reading stdin")
			s.markClosed(s.closedByShell, protocol.Stdin)
			sent, err := s.send(protocol.ChannelData{Channel: protocol.Stdin})
			if err != nil {
				return fmt.Errorf("reporting closed stdin: %w", err)
			}
			if !sent {
				s.log.Debug("result already sent, not reporting closed stdin")
			}
		}
	}
}

// toPeer forwards shell output and finally the exit code.
func (s *session) toPeer(ctx context.Context, sh *shell.Session) error {
	for {
		ev, err := sh.Next(ctx)
		if err != nil {
			return fmt.Errorf("reading shell output: %w", err)
		}

		if ev.Exited {
			s.log.Infow("shell exited", "ExitCode", ev.ExitCode)
			if _, err := s.send(protocol.Result{ExitCode: ev.ExitCode}); err != nil {
				return fmt.Errorf("sending result: %w", err)
			}
			return errShellExited
		}

		if ev.IsClose() {
			if !s.markClosed(s.closedByShell, ev.Channel) {
				return fmt.Errorf("shell closed %s twice", ev.Channel)
			}
			if s.isClosed(s.closedByPeer, ev.Channel) {
				continue
			}
			if _, err := s.send(protocol.ChannelData{Channel: ev.Channel}); err != nil {
				return fmt.Errorf("sending %s close: %w", ev.Channel, err)
			}
			continue
		}

		if s.isClosed(s.closedByPeer, ev.Channel) {
			continue
		}
		if _, err := s.send(protocol.ChannelData{Channel: ev.Channel, Blob: ev.Data}); err != nil {
			return fmt.Errorf("sending %s: %w", ev.Channel, err)
		}
	}
}

// send writes m unless a result or exception already ended the stream. It reports
// whether m went out.
func (s *session) send(m protocol.Message) (bool, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ended {
		return false, nil
	}
	if err := s.writer.Send(m); err != nil {
		return false, err
	}
	switch m.(type) {
	case protocol.Result:
		s.ended = true
		s.resultSent.Store(true)
	case protocol.Exception:
		s.ended = true
	}
	return true, nil
}

func (s *session) sendException(cause error) {
	if s.writer.Err() != nil {
		return
	}
	if _, err := s.send(protocol.Exception{Text: cause.Error()}); err != nil {
		s.log.Debugf("error sending exception: %s", err)
	}
}

// markClosed reports false if ch was already in set.
func (s *session) markClosed(set map[protocol.Channel]bool, ch protocol.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set[ch] {
		return false
	}
	set[ch] = true
	return true
}

func (s *session) isClosed(set map[protocol.Channel]bool, ch protocol.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return set[ch]
}
