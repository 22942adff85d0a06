package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

const readChunkSize = 64 << 10

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader decodes messages from a byte stream. It is not safe for concurrent use.
type Reader struct {
	src     io.Reader
	log     *zap.SugaredLogger
	timeout time.Duration

	buf     readBuffer
	scratch []byte
	err     error
}

func NewReader(src io.Reader, opts ...Option) *Reader {
	o := newOptions(opts)
	return &Reader{
		src:     src,
		log:     o.log,
		timeout: o.readTimeout,
		scratch: make([]byte, readChunkSize),
	}
}

// Next returns the next message that is not a keep-alive. It returns io.EOF once
// the stream ended cleanly on a message boundary. Any error is final: later
// calls return it again.
func (r *Reader) Next(ctx context.Context) (Message, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		m, err := r.next(ctx)
		if err != nil {
			r.err = err
			return nil, err
		}
		if _, ok := m.(KeepAlive); ok {
			r.log.Debug("received keep-alive")
			continue
		}
		r.log.Debugw("received message", "Type", fmt.Sprintf("%T", m))
		return m, nil
	}
}

// Close reports an error if the stream stopped in the middle of a message.
func (r *Reader) Close() error {
	if r.buf.Len() != 0 && (r.err == nil || errors.Is(r.err, io.EOF)) {
		return fmt.Errorf("%w: %d unconsumed bytes", ErrProtocol, r.buf.Len())
	}
	return nil
}

func (r *Reader) next(ctx context.Context) (Message, error) {
	for {
		raw, ok := r.buf.popHeader()
		if !ok {
			if r.buf.Len() >= MaxMessageSize {
				return nil, fmt.Errorf("%w: no header terminator within %d bytes", ErrProtocol, MaxMessageSize)
			}
			err := r.fill(ctx, MaxMessageSize-r.buf.Len())
			if errors.Is(err, io.EOF) {
				if r.buf.Len() != 0 {
					return nil, fmt.Errorf("%w: stream ended inside a header (%d bytes)", ErrProtocol, r.buf.Len())
				}
				return nil, io.EOF
			}
			if err != nil {
				return nil, err
			}
			continue
		}

		h, err := parseHeader(raw)
		if err != nil {
			return nil, err
		}
		var blob []byte
		if h.Blob != nil {
			if blob, err = r.readBlob(ctx, *h.Blob); err != nil {
				return nil, err
			}
		}
		return h.message(blob)
	}
}

// readBlob returns size bytes of payload, consuming the NUL that follows them.
func (r *Reader) readBlob(ctx context.Context, size int) ([]byte, error) {
	for r.buf.Len() < size+1 {
		err := r.fill(ctx, size+1-r.buf.Len())
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: stream ended inside a blob of %d bytes", ErrProtocol, size)
		}
		if err != nil {
			return nil, err
		}
	}
	blob := r.buf.popBlob(size + 1)
	if blob[size] != 0 {
		return nil, fmt.Errorf("%w: blob of %d bytes not followed by NUL", ErrProtocol, size)
	}
	return blob[:size], nil
}

// fill reads at most limit bytes into the buffer.
func (r *Reader) fill(ctx context.Context, limit int) error {
	p := r.scratch[:min(len(r.scratch), limit)]
	n, err := r.read(ctx, p)
	if n > 0 {
		r.buf.push(append([]byte(nil), p[:n]...))
		return nil
	}
	if err == nil {
		return io.ErrNoProgress
	}
	return err
}

func (r *Reader) read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if d, ok := r.src.(readDeadliner); ok {
		return r.readWithDeadline(ctx, d, p)
	}
	return r.readWithTimer(ctx, p)
}

func (r *Reader) readWithDeadline(ctx context.Context, d readDeadliner, p []byte) (int, error) {
	deadline := time.Now().Add(r.timeout)
	if err := d.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("setting read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetReadDeadline(time.Unix(1, 0))
	})
	n, err := r.src.Read(p)
	stop()
	if n > 0 || err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || !time.Now().Before(deadline) {
		return 0, fmt.Errorf("%w: nothing received for %s: %w", ErrTimeout, r.timeout, err)
	}
	return 0, err
}

type readResult struct {
	n   int
	err error
}

// readWithTimer serves sources without deadlines. A read abandoned on timeout or
// cancellation keeps its own buffer, so it cannot scribble over later reads.
func (r *Reader) readWithTimer(ctx context.Context, p []byte) (int, error) {
	own := make([]byte, len(p))
	done := make(chan readResult, 1)
	go func() {
		n, err := r.src.Read(own)
		done <- readResult{n: n, err: err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		copy(p, own[:res.n])
		return res.n, res.err
	case <-timer.C:
		return 0, fmt.Errorf("%w: nothing received for %s", ErrTimeout, r.timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
