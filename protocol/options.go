package protocol

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	log               *zap.SugaredLogger
	readTimeout       time.Duration
	keepAliveInterval time.Duration
}

type Option func(o *options)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithReadTimeout sets how long a Reader waits for any bytes. Writers derive their
// keep-alive interval from it unless WithKeepAliveInterval is given.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *options) {
		o.keepAliveInterval = d
	}
}

func newOptions(opts []Option) options {
	o := options{
		log:         zap.NewNop().Sugar(),
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.keepAliveInterval <= 0 {
		o.keepAliveInterval = o.readTimeout / 3
	}
	return o
}
