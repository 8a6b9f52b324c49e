//go:build windows

package autostart

import (
	"errors"

	"golang.org/x/sys/windows/registry"
)

// the per-user Run key, no elevation needed
const runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

func openRunKey(access uint32) (registry.Key, error) {
	if access&registry.SET_VALUE != 0 {
		k, _, err := registry.CreateKey(registry.CURRENT_USER, runKeyPath, access)
		return k, err
	}
	return registry.OpenKey(registry.CURRENT_USER, runKeyPath, access)
}

// IsEnabled reports whether the Run key launches e's executable
func IsEnabled(e Entry) (bool, error) {
	k, err := openRunKey(registry.QUERY_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer k.Close()

	registered, _, err := k.GetStringValue(e.Name)
	if errors.Is(err, registry.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.launches(registered), nil
}

// Enable writes e's command under its name, replacing a stale path
func Enable(e Entry) error {
	k, err := openRunKey(registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer k.Close()

	return k.SetStringValue(e.Name, e.Command())
}

func Disable(e Entry) error {
	k, err := openRunKey(registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer k.Close()

	if err = k.DeleteValue(e.Name); errors.Is(err, registry.ErrNotExist) {
		return nil
	}
	return err
}
