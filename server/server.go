package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shelleport/internal/nbio"
	"github.com/guseggert/shelleport/protocol"
	"github.com/guseggert/shelleport/shell"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server serves shell sessions to peers, one session per connection.
type Server struct {
	log         *zap.SugaredLogger
	shell       *shell.Shell
	readTimeout time.Duration

	started time.Time
	active  atomic.Int64
	served  atomic.Int64

	wsSessions sync.WaitGroup
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("server").Sugar()
	}
}

// WithReadTimeout sets how long a session waits for any bytes from its peer.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = d
	}
}

func New(sh *shell.Shell, opts ...Option) *Server {
	s := &Server{
		log:         zap.NewNop().Sugar(),
		shell:       sh,
		readTimeout: protocol.DefaultReadTimeout,
		started:     time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServePeer runs one session over r and w. It returns once the session ended and the
// outbound stream was flushed; the caller owns closing r and w.
func (s *Server) ServePeer(ctx context.Context, r io.Reader, w io.Writer) error {
	log := s.log.With("SessionID", uuid.NewString())
	s.active.Add(1)
	defer s.active.Add(-1)
	s.served.Add(1)

	protoOpts := []protocol.Option{
		protocol.WithLogger(log.Named("protocol")),
		protocol.WithReadTimeout(s.readTimeout),
	}
	reader := protocol.NewReader(r, protoOpts...)
	writer := protocol.NewWriter(w, protoOpts...)

	log.Debug("session started")
	err := newSession(log, s.shell, reader, writer).run(ctx)
	if closeErr := writer.Close(); closeErr != nil {
		log.Debugf("closing writer: %s", closeErr)
	}
	if closeErr := reader.Close(); closeErr != nil {
		log.Debugf("closing reader: %s", closeErr)
	}
	if err != nil {
		log.Infof("session failed: %s", err)
		return err
	}
	log.Debug("session finished")
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// ServeConn runs one session over conn and closes it. Connections that support half-close
// get their write side shut first, and whatever the peer still sends is discarded until it
// hangs up or the read timeout passes.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	err := s.ServePeer(ctx, conn, conn)
	if cw, ok := conn.(closeWriter); ok && ctx.Err() == nil {
		s.drain(conn, cw)
	}
	if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		err = multierr.Append(err, closeErr)
	}
	return err
}

func (s *Server) drain(conn net.Conn, cw closeWriter) {
	if err := cw.CloseWrite(); err != nil {
		s.log.Debugf("half-closing connection: %s", err)
		return
	}
	if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		s.log.Debugf("setting drain deadline: %s", err)
		return
	}
	if n, err := io.Copy(io.Discard, conn); err != nil {
		s.log.Debugf("draining connection after %d bytes: %s", n, err)
	}
}

// Serve accepts connections from ln until ctx is done, serving each concurrently.
// It closes ln and waits for the running sessions before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.log.Infof("listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ln.Close()
			return fmt.Errorf("accepting connection: %w", err)
		}
		s.log.Debugf("accepted connection from %s", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.log.Debugf("connection from %s: %s", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeStdio serves exactly one session over the process's own stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.serveFiles(ctx, os.Stdin, os.Stdout)
}

// serveFiles takes over in and out. It serves on non-blocking duplicates and closes the
// originals before the session starts.
func (s *Server) serveFiles(ctx context.Context, in, out *os.File) error {
	src, err := nbio.Open(int(in.Fd()), "peer-in")
	if err != nil {
		return fmt.Errorf("opening peer input: %w", err)
	}
	dst, err := nbio.Open(int(out.Fd()), "peer-out")
	if err != nil {
		return multierr.Append(fmt.Errorf("opening peer output: %w", err), src.Close())
	}
	if err := multierr.Append(in.Close(), out.Close()); err != nil {
		s.log.Debugf("closing original stdio: %s", err)
	}

	stop := context.AfterFunc(ctx, func() {
		src.Close()
		dst.Close()
	})
	defer stop()

	err = s.ServePeer(ctx, src, dst)
	return multierr.Combine(err, src.Close(), dst.Close())
}

// Stats describes the sessions a Server has handled.
type Stats struct {
	Started        string
	ActiveSessions int64
	TotalSessions  int64
}

func (s *Server) Stats() Stats {
	return Stats{
		Started:        s.started.UTC().Format(time.RFC3339),
		ActiveSessions: s.active.Load(),
		TotalSessions:  s.served.Load(),
	}
}
