// Package nbio drives pipes, sockets and terminals through the runtime network poller.
//
// A Stream owns a duplicate of the descriptor it was opened with, so closing the
// Stream never closes the caller's descriptor. The duplicate is switched to
// non-blocking mode for the lifetime of the Stream and switched back on Close.
package nbio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrPeerClosed is returned by Write once the reading side of the descriptor has gone away.
var ErrPeerClosed = errors.New("peer closed")

// IsPeerClosed reports whether err means the other end of a stream went away.
func IsPeerClosed(err error) bool {
	return errors.Is(err, ErrPeerClosed) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, io.ErrClosedPipe)
}

type Stream struct {
	name string
	file *os.File
	raw  syscall.RawConn

	rmu sync.Mutex
	eof bool

	wmu    sync.Mutex
	broken bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open duplicates fd and returns a Stream reading and writing the duplicate.
func Open(fd int, name string) (*Stream, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("duplicating %s (fd %d): %w", name, fd, err)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return nil, fmt.Errorf("setting %s non-blocking: %w", name, err)
	}
	// NewFile registers non-blocking descriptors with the poller.
	file := os.NewFile(uintptr(dup), name)
	raw, err := file.SyscallConn()
	if err != nil {
		_ = unix.SetNonblock(dup, false)
		_ = file.Close()
		return nil, fmt.Errorf("getting raw conn for %s: %w", name, err)
	}
	return &Stream{name: name, file: file, raw: raw}, nil
}

func (s *Stream) Name() string { return s.name }

// Read reads up to len(p) bytes. End of stream is sticky: once Read has
// returned io.EOF it keeps returning io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	var (
		n    int
		rerr error
	)
	err := s.raw.Read(func(fd uintptr) bool {
		for {
			n, rerr = unix.Read(int(fd), p)
			if rerr != unix.EINTR {
				break
			}
		}
		// false parks the goroutine until the poller reports readiness
		return rerr != unix.EAGAIN
	})
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", s.name, s.closedErr(err))
	}
	if rerr != nil {
		return 0, fmt.Errorf("reading %s: %w", s.name, rerr)
	}
	if n <= 0 {
		s.eof = true
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of p unless the peer goes away or a deadline passes.
// Once the peer is gone, every later call returns ErrPeerClosed without writing.
func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.broken {
		return 0, fmt.Errorf("writing %s: %w", s.name, ErrPeerClosed)
	}

	var (
		total int
		werr  error
	)
	err := s.raw.Write(func(fd uintptr) bool {
		for total < len(p) {
			n, err := unix.Write(int(fd), p[total:])
			switch {
			case err == unix.EINTR:
				continue
			case err == unix.EAGAIN:
				return false
			case err != nil:
				werr = err
				return true
			}
			total += n
		}
		return true
	})
	if werr == nil && err != nil {
		werr = s.closedErr(err)
	}
	if werr != nil {
		if IsPeerClosed(werr) {
			s.broken = true
			return total, fmt.Errorf("writing %s: %w: %w", s.name, ErrPeerClosed, werr)
		}
		return total, fmt.Errorf("writing %s: %w", s.name, werr)
	}
	return total, nil
}

// closedErr reports poller errors caused by our own Close as os.ErrClosed.
func (s *Stream) closedErr(err error) error {
	if s.closed.Load() && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %v", os.ErrClosed, err)
	}
	return err
}

func (s *Stream) SetReadDeadline(t time.Time) error  { return s.file.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.file.SetWriteDeadline(t) }

// Close restores blocking mode on the shared file description and closes the
// duplicate. Pending reads and writes fail with os.ErrClosed.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		var flagErr error
		ctlErr := s.raw.Control(func(fd uintptr) {
			flagErr = unix.SetNonblock(int(fd), false)
		})
		if ctlErr != nil && flagErr == nil {
			flagErr = ctlErr
		}
		closeErr := s.file.Close()
		switch {
		case closeErr != nil:
			s.closeErr = fmt.Errorf("closing %s: %w", s.name, closeErr)
		case flagErr != nil && !errors.Is(flagErr, os.ErrClosed):
			s.closeErr = fmt.Errorf("restoring blocking mode on %s: %w", s.name, flagErr)
		}
	})
	return s.closeErr
}
