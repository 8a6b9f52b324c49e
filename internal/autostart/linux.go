//go:build linux

package autostart

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// configDir is swapped in tests
var configDir = os.UserConfigDir

// desktopFile is the XDG autostart entry for name
func desktopFile(name string) (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "autostart", strings.ToLower(name)+".desktop"), nil
}

// IsEnabled reports whether an XDG autostart entry launches e's executable
func IsEnabled(e Entry) (bool, error) {
	path, err := desktopFile(e.Name)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if exec, ok := strings.CutPrefix(scanner.Text(), "Exec="); ok {
			return e.launches(exec), nil
		}
	}
	return false, scanner.Err()
}

func Enable(e Entry) error {
	path, err := desktopFile(e.Name)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	desktop := fmt.Sprintf("[Desktop Entry]\nType=Application\nName=%s\nComment=BoraCumê printers and scales\nExec=%s\nX-GNOME-Autostart-enabled=true\n",
		e.Name, e.Command())

	return os.WriteFile(path, []byte(desktop), 0o644)
}

func Disable(e Entry) error {
	path, err := desktopFile(e.Name)
	if err != nil {
		return err
	}

	if err = os.Remove(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
