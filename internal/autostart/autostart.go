// Package autostart registers the bridge to start when the user logs in.
package autostart

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// AppName is the key the bridge registers itself under
const AppName = "BoraCumeBridge"

// ErrUnsupported is returned on platforms without a login-item mechanism
var ErrUnsupported = errors.New("autostart is not supported on this platform")

// Entry is one login item: the name it is registered under and the command
// it launches.
type Entry struct {
	Name       string
	Executable string
	Args       []string
}

// Current describes the running bridge binary, launched with args
func Current(args ...string) (Entry, error) {
	exe, err := os.Executable()
	if err != nil {
		return Entry{}, err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return Entry{Name: AppName, Executable: exe, Args: args}, nil
}

// Command quotes the executable so paths with spaces survive
func (e Entry) Command() string {
	cmd := `"` + e.Executable + `"`
	if len(e.Args) > 0 {
		cmd += " " + strings.Join(e.Args, " ")
	}
	return cmd
}

// launches reports whether a registered command starts this entry's
// executable. A login item left behind by a moved or reinstalled bridge
// does not count.
func (e Entry) launches(registered string) bool {
	registered = strings.TrimSpace(registered)
	if registered == "" {
		return false
	}

	exe := registered
	if strings.HasPrefix(registered, `"`) {
		end := strings.Index(registered[1:], `"`)
		if end < 0 {
			return false
		}
		exe = registered[1 : end+1]
	} else if i := strings.IndexByte(registered, ' '); i >= 0 {
		exe = registered[:i]
	}

	if e.Executable == "" {
		return true
	}
	return samePath(exe, e.Executable)
}

func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if filepath.Separator == '\\' {
		return strings.EqualFold(a, b)
	}
	return a == b
}
