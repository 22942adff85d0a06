package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		value         string
		defaultScheme Scheme
		expected      Address
		expectedStr   string
	}{
		{value: "tcp://localhost:8022", expected: Address{Scheme: TCP, Host: "localhost", Port: 8022}, expectedStr: "tcp://localhost:8022"},
		{value: "tcp://example.com", expected: Address{Scheme: TCP, Host: "example.com"}, expectedStr: "tcp://example.com"},
		{value: "tcp://127.0.0.1:1/", expected: Address{Scheme: TCP, Host: "127.0.0.1", Port: 1}, expectedStr: "tcp://127.0.0.1:1"},
		{value: "tcp://[::1]:65535", expected: Address{Scheme: TCP, Host: "::1", Port: 65535}, expectedStr: "tcp://[::1]:65535"},
		{value: "tcp://fe80::1", expected: Address{Scheme: TCP, Host: "fe80::1"}, expectedStr: "tcp://[fe80::1]"},
		{value: "tcp://*:2000", expected: Address{Scheme: TCP, Host: "*", Port: 2000}, expectedStr: "tcp://*:2000"},
		{value: "ws://10.0.0.2:8080", expected: Address{Scheme: WebSocket, Host: "10.0.0.2", Port: 8080}, expectedStr: "ws://10.0.0.2:8080"},
		{value: "unix:///tmp/shelleport.sock", expected: Address{Scheme: Unix, Path: "/tmp/shelleport.sock"}, expectedStr: "unix:///tmp/shelleport.sock"},
		{value: "unix:///tmp/with%20space", expected: Address{Scheme: Unix, Path: "/tmp/with space"}, expectedStr: "unix:///tmp/with%20space"},
		{value: "unix://relative//dir/./sock", expected: Address{Scheme: Unix, Path: "relative/dir/sock"}, expectedStr: "unix://relative/dir/sock"},
		{value: "stdio://", expected: Address{Scheme: Stdio}, expectedStr: "stdio://"},
		{value: "/run/x.sock", defaultScheme: Unix, expected: Address{Scheme: Unix, Path: "/run/x.sock"}, expectedStr: "unix:///run/x.sock"},
		{value: "/run/100%.sock", defaultScheme: Unix, expected: Address{Scheme: Unix, Path: "/run/100%.sock"}, expectedStr: "unix:///run/100%25.sock"},
		{value: "host:22", defaultScheme: TCP, expected: Address{Scheme: TCP, Host: "host", Port: 22}, expectedStr: "tcp://host:22"},
	}
	for _, c := range cases {
		t.Run(c.value, func(t *testing.T) {
			a, err := Parse(c.value, c.defaultScheme)
			require.NoError(t, err)
			assert.Equal(t, c.expected, a)
			assert.Equal(t, c.expectedStr, a.String())
		})
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		value         string
		defaultScheme Scheme
	}{
		{value: ""},
		{value: "/tmp/sock"},
		{value: "tcp://"},
		{value: "tcp://:80"},
		{value: "tcp://host:0"},
		{value: "tcp://host:65536"},
		{value: "tcp://host:"},
		{value: "tcp://host:port"},
		{value: "tcp://host/path"},
		{value: "tcp://host?q=1"},
		{value: "tcp://host#frag"},
		{value: "tcp://user@host"},
		{value: "tcp:// host"},
		{value: "tcp://host\n"},
		{value: "unix://"},
		{value: "unix:///tmp/"},
		{value: "unix:///tmp/."},
		{value: "unix:///tmp/.."},
		{value: "unix:///tmp/%zz"},
		{value: "stdio://x"},
		{value: "http://host"},
	}
	for _, c := range cases {
		t.Run(c.value, func(t *testing.T) {
			_, err := Parse(c.value, c.defaultScheme)
			assert.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "[::1]:22", Address{Scheme: TCP, Host: "::1", Port: 22}.HostPort())
	assert.Equal(t, "example.com:22", Address{Scheme: TCP, Host: "example.com", Port: 22}.HostPort())
}
