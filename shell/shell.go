package shell

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/guseggert/shelleport/internal/nbio"
	"github.com/guseggert/shelleport/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultTerminateTimeout = 3 * time.Second
	defaultReadSize         = 64 << 10
)

// Shell starts sessions of one command. It is safe for concurrent use.
type Shell struct {
	log              *zap.SugaredLogger
	command          []string
	env              map[string]string
	terminateTimeout time.Duration
	readSize         int
}

type Option func(s *Shell)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Shell) {
		s.log = l
	}
}

// WithTerminateTimeout sets how long Close waits after SIGTERM before killing the process.
func WithTerminateTimeout(d time.Duration) Option {
	return func(s *Shell) {
		s.terminateTimeout = d
	}
}

// WithReadSize sets the largest chunk read from stdout or stderr at once.
func WithReadSize(n int) Option {
	return func(s *Shell) {
		s.readSize = n
	}
}

// New validates command and returns a Shell whose sessions inherit baseEnv.
func New(command []string, baseEnv map[string]string, opts ...Option) (*Shell, error) {
	command, err := ValidateCommand(command)
	if err != nil {
		return nil, err
	}
	if err := ValidateEnvironment(baseEnv); err != nil {
		return nil, err
	}
	s := &Shell{
		log:              zap.NewNop().Sugar(),
		command:          command,
		env:              make(map[string]string, len(baseEnv)),
		terminateTimeout: DefaultTerminateTimeout,
		readSize:         defaultReadSize,
	}
	for k, v := range baseEnv {
		s.env[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Shell) Command() []string {
	return append([]string{}, s.command...)
}

// Start spawns the command with args appended and env layered over the base environment.
func (s *Shell) Start(args []string, env map[string]string) (*Session, error) {
	args, err := ValidateArguments(args)
	if err != nil {
		return nil, err
	}
	if err := ValidateEnvironment(env); err != nil {
		return nil, err
	}

	var (
		locals  []*nbio.Stream
		remotes []*os.File
	)
	cleanup := func() error {
		var err error
		for _, l := range locals {
			err = multierr.Append(err, l.Close())
		}
		for _, r := range remotes {
			err = multierr.Append(err, r.Close())
		}
		return err
	}
	for _, p := range []struct {
		ch          protocol.Channel
		localWrites bool
	}{
		{ch: protocol.Stdin, localWrites: true},
		{ch: protocol.Stdout},
		{ch: protocol.Stderr},
	} {
		local, remote, err := openPipe(p.ch, p.localWrites)
		if err != nil {
			return nil, multierr.Append(err, cleanup())
		}
		locals = append(locals, local)
		remotes = append(remotes, remote)
	}

	argv := append(s.Command(), args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = s.environ(env)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = remotes[0], remotes[1], remotes[2]
	if err := cmd.Start(); err != nil {
		return nil, multierr.Append(fmt.Errorf("starting %s: %w", argv[0], err), cleanup())
	}

	// the child has its own copies now
	var closeErr error
	for _, r := range remotes {
		closeErr = multierr.Append(closeErr, r.Close())
	}
	log := s.log.With("PID", cmd.Process.Pid)
	if closeErr != nil {
		log.Warnf("closing child ends of pipes: %s", closeErr)
	}
	log.Debugw("process started", "Argv", argv)

	return newSession(log, cmd, locals[0], locals[1], locals[2], s.terminateTimeout, s.readSize), nil
}

func (s *Shell) environ(overlay map[string]string) []string {
	merged := make(map[string]string, len(s.env)+len(overlay))
	for k, v := range s.env {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	environ := make([]string, 0, len(merged))
	for k, v := range merged {
		environ = append(environ, k+"="+v)
	}
	sort.Strings(environ)
	return environ
}

// openPipe returns the parent's end of a new pipe as a Stream and the child's end as a blocking file.
func openPipe(ch protocol.Channel, localWrites bool) (*nbio.Stream, *os.File, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("creating %s pipe: %w", ch, err)
	}
	localFD, remoteFD := fds[0], fds[1]
	if localWrites {
		localFD, remoteFD = fds[1], fds[0]
	}

	local, err := nbio.Open(localFD, string(ch))
	// Open works on a duplicate
	_ = unix.Close(localFD)
	if err != nil {
		_ = unix.Close(remoteFD)
		return nil, nil, err
	}
	return local, os.NewFile(uintptr(remoteFD), string(ch)+" (child)"), nil
}
