package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/shelleport/internal/nbio"
	"github.com/guseggert/shelleport/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrChannelClosed is returned when writing to or closing a channel that is already closed,
// including a stdin the process stopped reading.
var ErrChannelClosed = errors.New("channel closed")

// Event is one step of a session's output. Exactly one of these holds:
// Exited is set and ExitCode is final; Data holds output for Channel; Data is empty and Channel ended.
type Event struct {
	Channel  protocol.Channel
	Data     []byte
	Exited   bool
	ExitCode int
}

func (e Event) IsClose() bool { return !e.Exited && len(e.Data) == 0 }

// Session is a running process. Next must only be called from one goroutine at a time,
// and the same holds for Write.
type Session struct {
	log              *zap.SugaredLogger
	cmd              *exec.Cmd
	terminateTimeout time.Duration

	stdin   *nbio.Stream
	outputs map[protocol.Channel]*nbio.Stream

	mu     sync.Mutex
	closed map[protocol.Channel]bool

	events      chan Event
	pumpErr     error
	pumpsDone   chan struct{}
	cancelPumps context.CancelFunc

	waited   chan struct{}
	exitCode int
	waitErr  error

	finished bool

	closeOnce sync.Once
	closeErr  error
}

func newSession(log *zap.SugaredLogger, cmd *exec.Cmd, stdin, stdout, stderr *nbio.Stream, terminateTimeout time.Duration, readSize int) *Session {
	s := &Session{
		log:              log,
		cmd:              cmd,
		terminateTimeout: terminateTimeout,
		stdin:            stdin,
		outputs: map[protocol.Channel]*nbio.Stream{
			protocol.Stdout: stdout,
			protocol.Stderr: stderr,
		},
		closed:    map[protocol.Channel]bool{},
		events:    make(chan Event, 1),
		pumpsDone: make(chan struct{}),
		waited:    make(chan struct{}),
	}

	go s.wait()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelPumps = cancel
	group, gctx := errgroup.WithContext(ctx)
	for ch, stream := range s.outputs {
		ch, stream := ch, stream
		group.Go(func() error { return s.pump(gctx, ch, stream, readSize) })
	}
	go func() {
		s.pumpErr = group.Wait()
		close(s.events)
		close(s.pumpsDone)
	}()
	return s
}

func (s *Session) Pid() int { return s.cmd.Process.Pid }

func (s *Session) wait() {
	defer close(s.waited)
	err := s.cmd.Wait()
	state := s.cmd.ProcessState
	if state == nil {
		s.waitErr = fmt.Errorf("waiting for process: %w", err)
		return
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.log.Debugf("unexpected wait error: %s", err)
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		s.exitCode = -int(status.Signal())
	} else {
		s.exitCode = state.ExitCode()
	}
	s.log.Debugf("process exited with code %d", s.exitCode)
}

// pump reads one output pipe until it ends, then queues the channel's close event.
func (s *Session) pump(ctx context.Context, ch protocol.Channel, stream *nbio.Stream, readSize int) error {
	buf := make([]byte, readSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if err := s.emit(ctx, Event{Channel: ch, Data: data}); err != nil {
				return err
			}
			continue
		}
		// a locally closed pipe ends the channel like EOF does
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return s.emit(ctx, Event{Channel: ch})
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", ch, err)
		}
	}
}

func (s *Session) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next output event. After both output channels ended it waits for the
// process and returns its exit event. After that it returns io.EOF.
func (s *Session) Next(ctx context.Context) (Event, error) {
	if s.finished {
		return Event{}, io.EOF
	}
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}

	if s.pumpErr != nil {
		return Event{}, s.pumpErr
	}
	select {
	case <-s.waited:
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
	if s.waitErr != nil {
		return Event{}, s.waitErr
	}
	s.finished = true
	return Event{Exited: true, ExitCode: s.exitCode}, nil
}

// Write writes p to the process's stdin. Once the process stopped reading, or the channel was
// closed, it returns an error wrapping ErrChannelClosed; n counts the bytes accepted before that.
func (s *Session) Write(p []byte) (int, error) {
	if s.isClosed(protocol.Stdin) {
		return 0, fmt.Errorf("writing stdin: %w", ErrChannelClosed)
	}
	n, err := s.stdin.Write(p)
	if err != nil {
		if nbio.IsPeerClosed(err) || errors.Is(err, os.ErrClosed) {
			return n, fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return n, err
	}
	return n, nil
}

// CloseChannel closes the parent's end of one pipe. Closing stdin delivers EOF to the process;
// closing stdout or stderr ends that channel's events. Closing twice returns ErrChannelClosed.
func (s *Session) CloseChannel(ch protocol.Channel) error {
	stream := s.stdin
	if ch != protocol.Stdin {
		stream = s.outputs[ch]
	}
	if stream == nil {
		return fmt.Errorf("closing channel: unknown channel %q", ch)
	}

	s.mu.Lock()
	if s.closed[ch] {
		s.mu.Unlock()
		return fmt.Errorf("closing %s: %w", ch, ErrChannelClosed)
	}
	s.closed[ch] = true
	s.mu.Unlock()

	s.log.Debugf("closing %s", ch)
	return stream.Close()
}

func (s *Session) isClosed(ch protocol.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed[ch]
}

// Close stops the process if it is still running and releases the pipes. It is safe to call
// more than once and from any goroutine; only the first call does any work.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		err := s.terminate()

		err = multierr.Append(err, s.stdin.Close())
		s.cancelPumps()
		for _, stream := range s.outputs {
			err = multierr.Append(err, stream.Close())
		}
		<-s.pumpsDone

		s.closeErr = err
	})
	return s.closeErr
}

func (s *Session) terminate() error {
	select {
	case <-s.waited:
		return nil
	default:
	}

	proc := s.cmd.Process
	s.log.Debug("terminating process")
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Debugf("error sending SIGTERM: %s", err)
	}

	timer := time.NewTimer(s.terminateTimeout)
	defer timer.Stop()
	select {
	case <-s.waited:
		return nil
	case <-timer.C:
	}

	s.log.Warnf("process did not exit within %s of SIGTERM, killing it", s.terminateTimeout)
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", proc.Pid, err)
	}
	<-s.waited
	return nil
}
