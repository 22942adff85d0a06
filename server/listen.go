package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/guseggert/shelleport/address"
	"go.uber.org/multierr"
)

// DefaultUnixAccess is the mode given to unix sockets unless configured otherwise.
const DefaultUnixAccess os.FileMode = 0o600

var unixAccessPattern = regexp.MustCompile(`^[0-1]?[0-7]{3}$`)

// ParseUnixAccess parses an octal socket mode such as "600" or "0660".
func ParseUnixAccess(s string) (os.FileMode, error) {
	if !unixAccessPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid unix access mode %q: expected three octal digits", s)
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid unix access mode %q: %w", s, err)
	}
	access := os.FileMode(mode) & os.ModePerm
	if mode&0o1000 != 0 {
		access |= os.ModeSticky
	}
	return access, nil
}

// Listen opens a listener for addr. TCP and WebSocket hosts must be IP literals, or "*"
// for all interfaces. Unix sockets get their parent directory created and their mode set
// to access.
func Listen(addr address.Address, access os.FileMode) (net.Listener, error) {
	switch addr.Scheme {
	case address.TCP, address.WebSocket:
		host := addr.Host
		if host == "*" {
			host = ""
		}
		if host != "" && net.ParseIP(host) == nil {
			return nil, fmt.Errorf("%w: listen host %q must be an IP address or *", address.ErrInvalidAddress, addr.Host)
		}
		if addr.Port == 0 {
			return nil, fmt.Errorf("%w: listen address %s needs a port", address.ErrInvalidAddress, addr)
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(addr.Port)))
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", addr, err)
		}
		return ln, nil

	case address.Unix:
		path, err := filepath.Abs(addr.Path)
		if err != nil {
			return nil, fmt.Errorf("resolving socket path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating socket directory: %w", err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", path, err)
		}
		if err := os.Chmod(path, access); err != nil {
			return nil, multierr.Append(fmt.Errorf("setting socket mode: %w", err), ln.Close())
		}
		return ln, nil

	default:
		return nil, fmt.Errorf("%w: cannot listen on %s", address.ErrInvalidAddress, addr)
	}
}
