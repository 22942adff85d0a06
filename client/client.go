package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/shelleport/address"
	"github.com/guseggert/shelleport/protocol"
	"github.com/guseggert/shelleport/server"
	"github.com/guseggert/shelleport/shell"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrRemoteException is returned when the server reports a failure.
var ErrRemoteException = errors.New("remote exception")

// Client connects to shelleport servers and runs sessions against them.
type Client struct {
	log         *zap.SugaredLogger
	readTimeout time.Duration
	dialTimeout time.Duration

	customizeRetryableClient func(*retryablehttp.Client)
	httpClient               *http.Client
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("client").Sugar()
	}
}

// WithReadTimeout sets how long a session waits for any bytes from the server.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = d
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithCustomizeRetryableClient adjusts the HTTP client used for WebSocket handshakes.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func New(opts ...Option) *Client {
	c := &Client{
		log:         zap.NewNop().Sugar(),
		readTimeout: protocol.DefaultReadTimeout,
		dialTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.RetryMax = 3
	retryClient.Logger = &logAdapter{SugaredLogger: c.log}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.httpClient = retryClient.StandardClient()
	return c
}

// Dial connects to a server. TCP, unix and WebSocket addresses are supported; TCP and
// WebSocket addresses need a port.
func (c *Client) Dial(ctx context.Context, addr address.Address) (net.Conn, error) {
	switch addr.Scheme {
	case address.TCP, address.WebSocket:
		if addr.Port == 0 {
			return nil, fmt.Errorf("%w: %s needs a port", address.ErrInvalidAddress, addr)
		}
	case address.Unix:
	default:
		return nil, fmt.Errorf("%w: cannot connect to %s", address.ErrInvalidAddress, addr)
	}

	c.log.Debugf("connecting to %s", addr)
	if addr.Scheme == address.WebSocket {
		return c.dialWebSocket(ctx, addr)
	}

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	network, target := "tcp", addr.HostPort()
	if addr.Scheme == address.Unix {
		network, target = "unix", addr.Path
	}
	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) dialWebSocket(ctx context.Context, addr address.Address) (net.Conn, error) {
	u := "ws://" + addr.HostPort() + server.WebSocketPath
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.httpClient,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket %s: %w", u, err)
	}
	wsConn.SetReadLimit(server.MaxFrameSize)
	// the conn outlives the dial context
	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}

// BuildStartRequest assembles a start request from KEY=VALUE exports and shell arguments.
// A bare KEY exports the value lookup finds for it.
func BuildStartRequest(exports, args []string, lookup func(string) (string, bool)) (protocol.StartRequest, error) {
	env := make(map[string]string, len(exports))
	for _, export := range exports {
		key, value, hasValue := strings.Cut(export, "=")
		if key == "" || strings.TrimSpace(key) != key {
			return protocol.StartRequest{}, fmt.Errorf("invalid export %q: bad key", export)
		}
		if !hasValue {
			v, ok := lookup(key)
			if !ok {
				return protocol.StartRequest{}, fmt.Errorf("invalid export %q: not set in the local environment", key)
			}
			value = v
		}
		if _, dup := env[key]; dup {
			return protocol.StartRequest{}, fmt.Errorf("invalid export %q: exported more than once", key)
		}
		env[key] = value
	}
	if err := shell.ValidateEnvironment(env); err != nil {
		return protocol.StartRequest{}, err
	}
	args, err := shell.ValidateArguments(args)
	if err != nil {
		return protocol.StartRequest{}, err
	}
	return protocol.StartRequest{Arguments: args, Environment: env}, nil
}
