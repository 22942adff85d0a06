package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"
)

const (
	// Magic is carried by every header. It matches the value used by earlier shelleport releases.
	Magic = "p5.shelleport._common.protocol:magic"

	// MaxMessageSize bounds a header plus its NUL, and separately a blob.
	MaxMessageSize = 8 << 20

	DefaultReadTimeout = 9 * time.Second
)

var (
	// ErrProtocol is wrapped by every error caused by a peer breaking the framing or message rules.
	ErrProtocol = errors.New("protocol violation")
	// ErrTimeout is wrapped when the peer sent nothing, not even a keep-alive, within the read timeout.
	ErrTimeout = errors.New("peer unresponsive")
	// ErrWriterClosed is returned when sending on a Writer that was closed or failed earlier.
	ErrWriterClosed = errors.New("writer closed")
)

var zero = []byte{0}

type Channel string

const (
	Stdin  Channel = "stdin"
	Stdout Channel = "stdout"
	Stderr Channel = "stderr"
)

func (c Channel) Valid() bool {
	switch c {
	case Stdin, Stdout, Stderr:
		return true
	}
	return false
}

// Message is one of StartRequest, Accepted, ChannelData, Exception, Result or KeepAlive.
type Message interface {
	isMessage()
}

// StartRequest is the first message a client sends.
type StartRequest struct {
	Arguments   []string
	Environment map[string]string
}

// Accepted acknowledges a StartRequest once the shell is running.
type Accepted struct{}

// ChannelData carries bytes for one channel. An empty Blob closes the channel.
type ChannelData struct {
	Channel Channel
	Blob    []byte
}

func (m ChannelData) IsClose() bool { return len(m.Blob) == 0 }

// Exception reports a fatal server-side failure. Nothing follows it.
type Exception struct {
	Text string
}

// Result carries the shell's exit code. Nothing follows it.
type Result struct {
	ExitCode int
}

type KeepAlive struct{}

func (StartRequest) isMessage() {}
func (Accepted) isMessage()     {}
func (ChannelData) isMessage()  {}
func (Exception) isMessage()    {}
func (Result) isMessage()       {}
func (KeepAlive) isMessage()    {}

// wireHeader is the JSON form of a header. Absent fields stay nil.
type wireHeader struct {
	Arguments   *[]string          `json:"arguments,omitempty"`
	Environment *map[string]string `json:"environment,omitempty"`
	Accepted    *bool              `json:"accepted,omitempty"`
	Channel     *Channel           `json:"channel,omitempty"`
	Blob        *int               `json:"blob,omitempty"`
	Exception   *string            `json:"exception,omitempty"`
	Result      *int               `json:"result,omitempty"`
	Magic       string             `json:"magic"`
}

var (
	keepAliveFrame []byte
	minMessageSize int
)

func init() {
	bufs, err := Encode(KeepAlive{})
	if err != nil {
		panic(err)
	}
	keepAliveFrame = bytes.Join(bufs, nil)
	minMessageSize = len(keepAliveFrame)
}

// Encode returns the wire chunks of m, ready to be written in order.
func Encode(m Message) (net.Buffers, error) {
	h := wireHeader{Magic: Magic}
	var blob []byte
	switch m := m.(type) {
	case StartRequest:
		args, env := m.Arguments, m.Environment
		if args == nil {
			args = []string{}
		}
		if env == nil {
			env = map[string]string{}
		}
		h.Arguments, h.Environment = &args, &env
	case Accepted:
		accepted := true
		h.Accepted = &accepted
	case ChannelData:
		if !m.Channel.Valid() {
			return nil, fmt.Errorf("encoding channel data: unknown channel %q", m.Channel)
		}
		if len(m.Blob) > MaxMessageSize {
			return nil, fmt.Errorf("encoding channel data: blob of %d bytes exceeds %d", len(m.Blob), MaxMessageSize)
		}
		ch := m.Channel
		h.Channel = &ch
		if len(m.Blob) > 0 {
			size := len(m.Blob)
			h.Blob = &size
			blob = m.Blob
		}
	case Exception:
		text := m.Text
		h.Exception = &text
	case Result:
		code := m.ExitCode
		h.Result = &code
	case KeepAlive:
	default:
		return nil, fmt.Errorf("encoding message: unsupported type %T", m)
	}

	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	if len(header)+1 > MaxMessageSize {
		return nil, fmt.Errorf("encoding header: %d bytes exceeds %d", len(header)+1, MaxMessageSize)
	}
	if blob == nil {
		return net.Buffers{header, zero}, nil
	}
	return net.Buffers{header, zero, blob, zero}, nil
}

// parseHeader validates and decodes one header, given without its NUL.
func parseHeader(raw []byte) (*wireHeader, error) {
	size := len(raw) + 1
	if size < minMessageSize || size > MaxMessageSize {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrProtocol, size)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: header is not valid UTF-8", ErrProtocol)
	}
	if bytes.ContainsAny(raw, "\r\n") {
		return nil, fmt.Errorf("%w: header spans multiple lines", ErrProtocol)
	}
	if len(bytes.TrimSpace(raw)) != len(raw) {
		return nil, fmt.Errorf("%w: header has surrounding whitespace", ErrProtocol)
	}

	var h wireHeader
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: decoding header: %w", ErrProtocol, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after header", ErrProtocol)
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrProtocol, h.Magic)
	}
	if h.Blob != nil && (*h.Blob <= 0 || *h.Blob > MaxMessageSize) {
		return nil, fmt.Errorf("%w: blob size %d", ErrProtocol, *h.Blob)
	}
	return &h, nil
}

// message classifies a decoded header into exactly one variant.
func (h *wireHeader) message(blob []byte) (Message, error) {
	switch {
	case h.Channel != nil:
		if h.Arguments != nil || h.Environment != nil || h.Accepted != nil || h.Exception != nil || h.Result != nil {
			break
		}
		if !h.Channel.Valid() {
			return nil, fmt.Errorf("%w: unknown channel %q", ErrProtocol, *h.Channel)
		}
		return ChannelData{Channel: *h.Channel, Blob: blob}, nil
	case h.Blob != nil:
		return nil, fmt.Errorf("%w: blob without a channel", ErrProtocol)
	case h.Arguments != nil || h.Environment != nil:
		if h.Arguments == nil || h.Environment == nil || h.Accepted != nil || h.Exception != nil || h.Result != nil {
			break
		}
		return StartRequest{Arguments: *h.Arguments, Environment: *h.Environment}, nil
	case h.Accepted != nil:
		if !*h.Accepted || h.Exception != nil || h.Result != nil {
			break
		}
		return Accepted{}, nil
	case h.Exception != nil:
		if h.Result != nil {
			break
		}
		return Exception{Text: *h.Exception}, nil
	case h.Result != nil:
		return Result{ExitCode: *h.Result}, nil
	default:
		return KeepAlive{}, nil
	}
	return nil, fmt.Errorf("%w: header mixes message kinds", ErrProtocol)
}
