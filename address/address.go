// Package address parses peer addresses of the form tcp://host[:port], ws://host[:port],
// unix://percent-encoded-path and stdio://.
package address

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid address")

type Scheme string

const (
	TCP       Scheme = "tcp"
	Unix      Scheme = "unix"
	WebSocket Scheme = "ws"
	Stdio     Scheme = "stdio"
)

type Address struct {
	Scheme Scheme
	// Host and Port are set for TCP and WebSocket. Port is 0 when absent.
	Host string
	Port int
	// Path is set for Unix.
	Path string
}

// HostPort returns host:port, bracketing IPv6 hosts.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	switch a.Scheme {
	case Unix:
		return "unix://" + (&url.URL{Path: a.Path}).EscapedPath()
	case Stdio:
		return "stdio://"
	}
	host := a.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if a.Port != 0 {
		host = a.HostPort()
	}
	return string(a.Scheme) + "://" + host
}

// Parse parses value. Values without a scheme prefix are parsed as defaultScheme; an empty
// defaultScheme makes the prefix mandatory.
func Parse(value string, defaultScheme Scheme) (Address, error) {
	if value == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return Address{}, fmt.Errorf("%w: %q spans multiple lines", ErrInvalidAddress, value)
	}

	scheme, rest := defaultScheme, value
	for _, s := range []Scheme{TCP, Unix, WebSocket, Stdio} {
		if prefix := string(s) + "://"; strings.HasPrefix(value, prefix) {
			scheme, rest = s, value[len(prefix):]
			break
		}
	}

	switch scheme {
	case TCP, WebSocket:
		return parseHost(scheme, rest)
	case Unix:
		if rest != value {
			unescaped, err := url.PathUnescape(rest)
			if err != nil {
				return Address{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
			}
			rest = unescaped
		}
		return parseUnix(rest)
	case Stdio:
		if rest != "" {
			return Address{}, fmt.Errorf("%w: stdio:// takes no arguments", ErrInvalidAddress)
		}
		return Address{Scheme: Stdio}, nil
	case "":
		return Address{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidAddress, value)
	}
	return Address{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidAddress, scheme)
}

func parseHost(scheme Scheme, value string) (Address, error) {
	if value == "" || strings.TrimSpace(value) != value {
		return Address{}, fmt.Errorf("%w: bad host %q", ErrInvalidAddress, value)
	}
	// bare IPv6 literals get the brackets the URL grammar needs
	if !strings.HasPrefix(value, "[") && strings.Count(value, ":") > 1 {
		value = "[" + value + "]"
	}
	u, err := url.Parse("scheme://" + value)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	switch {
	case u.Host == "":
		return Address{}, fmt.Errorf("%w: %q has no host", ErrInvalidAddress, value)
	case u.Path != "" && u.Path != "/":
		return Address{}, fmt.Errorf("%w: %q has a path", ErrInvalidAddress, value)
	case u.RawQuery != "" || u.ForceQuery || u.Fragment != "" || u.User != nil:
		return Address{}, fmt.Errorf("%w: %q has extra URL parts", ErrInvalidAddress, value)
	}

	a := Address{Scheme: scheme, Host: u.Hostname()}
	if a.Host == "" {
		return Address{}, fmt.Errorf("%w: %q has no host", ErrInvalidAddress, value)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Address{}, fmt.Errorf("%w: port %q out of range", ErrInvalidAddress, p)
		}
		a.Port = port
	} else if strings.HasSuffix(u.Host, ":") {
		return Address{}, fmt.Errorf("%w: %q has an empty port", ErrInvalidAddress, value)
	}
	return a, nil
}

func parseUnix(p string) (Address, error) {
	switch {
	case p == "":
		return Address{}, fmt.Errorf("%w: empty socket path", ErrInvalidAddress)
	case strings.HasSuffix(p, "/"), strings.HasSuffix(p, "/."), strings.HasSuffix(p, "/.."):
		return Address{}, fmt.Errorf("%w: socket path %q names a directory", ErrInvalidAddress, p)
	}
	return Address{Scheme: Unix, Path: path.Clean(p)}, nil
}
