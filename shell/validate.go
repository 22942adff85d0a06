package shell

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrInvalidCommand is wrapped by every validation error for commands, arguments and environments.
var ErrInvalidCommand = errors.New("invalid command")

// lineBreaks holds every character that splits a line, plus NUL which cannot reach exec at all.
const lineBreaks = "\x00\n\r\v\f\x1c\x1d\x1e\u0085\u2028\u2029"

func singleLine(s string) bool {
	return !strings.ContainsAny(s, lineBreaks)
}

// ValidateCommand resolves command[0] to an absolute executable path and validates the arguments after it.
// A bare name is looked up in PATH.
func ValidateCommand(command []string) ([]string, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	name := command[0]
	if !singleLine(name) {
		return nil, fmt.Errorf("%w: command %q spans multiple lines", ErrInvalidCommand, name)
	}

	var path string
	if strings.ContainsRune(name, os.PathSeparator) {
		abs, err := filepath.Abs(name)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving %q: %w", ErrInvalidCommand, name, err)
		}
		path = abs
	} else {
		found, err := exec.LookPath(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		if !filepath.IsAbs(found) {
			return nil, fmt.Errorf("%w: %q resolved to relative path %q", ErrInvalidCommand, name, found)
		}
		path = found
	}

	args, err := ValidateArguments(command[1:])
	if err != nil {
		return nil, err
	}
	return append([]string{path}, args...), nil
}

func ValidateArguments(args []string) ([]string, error) {
	for i, arg := range args {
		if !singleLine(arg) {
			return nil, fmt.Errorf("%w: argument %d spans multiple lines", ErrInvalidCommand, i)
		}
	}
	return append([]string{}, args...), nil
}

// ValidateEnvironment checks that keys are non-empty, contain no "=" and that keys and values are single lines.
func ValidateEnvironment(env map[string]string) error {
	for k, v := range env {
		switch {
		case k == "":
			return fmt.Errorf("%w: empty environment key", ErrInvalidCommand)
		case strings.Contains(k, "="):
			return fmt.Errorf("%w: environment key %q contains '='", ErrInvalidCommand, k)
		case !singleLine(k):
			return fmt.Errorf("%w: environment key %q spans multiple lines", ErrInvalidCommand, k)
		case !singleLine(v):
			return fmt.Errorf("%w: value of environment key %q spans multiple lines", ErrInvalidCommand, k)
		}
	}
	return nil
}

// DefaultCommand returns the user's login shell, falling back to /bin/sh, with symlinks resolved.
func DefaultCommand() ([]string, error) {
	name := os.Getenv("SHELL")
	if name == "" {
		name = "/bin/sh"
	}
	command, err := ValidateCommand([]string{name})
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(command[0])
	if err != nil {
		return nil, fmt.Errorf("resolving default shell: %w", err)
	}
	return []string{resolved}, nil
}

// EnvironMap parses os.Environ style "KEY=VALUE" entries. Malformed entries and entries
// spanning several lines, such as exported bash functions, are skipped.
func EnvironMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !singleLine(k) || !singleLine(v) {
			continue
		}
		env[k] = v
	}
	return env
}
