package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Writer sends messages on a byte stream, one at a time, and keeps the stream
// alive with keep-alives while nothing else is sent.
//
// A Writer fails permanently on the first write error. Close must be called to
// stop the keep-alive goroutine.
type Writer struct {
	dst      io.Writer
	log      *zap.SugaredLogger
	interval time.Duration

	mu sync.Mutex
	// next is when a keep-alive is due. It stays zero until the first send.
	next   time.Time
	err    error
	closed bool

	kick      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func NewWriter(dst io.Writer, opts ...Option) *Writer {
	o := newOptions(opts)
	w := &Writer{
		dst:      dst,
		log:      o.log,
		interval: o.keepAliveInterval,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.heartbeat()
	return w
}

// Send writes m and returns once it was handed to the destination in full.
// Concurrent calls are serialized.
func (w *Writer) Send(m Message) error {
	if _, ok := m.(KeepAlive); ok {
		return errors.New("keep-alives are sent automatically")
	}
	bufs, err := Encode(m)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.unusable(); err != nil {
		return err
	}
	if _, err := bufs.WriteTo(w.dst); err != nil {
		w.err = err
		w.wake()
		return fmt.Errorf("sending %T: %w", m, err)
	}
	w.log.Debugw("sent message", "Type", fmt.Sprintf("%T", m))
	first := w.next.IsZero()
	w.next = time.Now().Add(w.interval)
	if first {
		w.wake()
	}
	return nil
}

// Err returns the write error that broke the Writer, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Close stops the keep-alives and waits for the keep-alive goroutine to exit.
// Nothing is written after Close returns. If dst supports write deadlines, a write
// still blocked on a stalled peer gets one keep-alive interval to finish.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		if d, ok := w.dst.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(w.interval))
		}
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
		<-w.stopped
	})
	return nil
}

// unusable must be called with mu held.
func (w *Writer) unusable() error {
	if w.err != nil {
		return fmt.Errorf("%w: %w", ErrWriterClosed, w.err)
	}
	if w.closed {
		return ErrWriterClosed
	}
	return nil
}

func (w *Writer) wake() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Writer) heartbeat() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		if w.unusable() != nil {
			w.mu.Unlock()
			return
		}
		next := w.next
		w.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if !next.IsZero() {
			wait := time.Until(next)
			if wait <= 0 {
				w.sendKeepAlive()
				continue
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-w.done:
		case <-w.kick:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (w *Writer) sendKeepAlive() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.unusable() != nil || time.Now().Before(w.next) {
		return
	}
	if _, err := w.dst.Write(keepAliveFrame); err != nil {
		w.log.Debugf("keep-alive failed: %s", err)
		w.err = err
		return
	}
	w.next = time.Now().Add(w.interval)
}
