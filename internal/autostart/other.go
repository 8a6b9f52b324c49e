//go:build !windows && !linux

package autostart

func IsEnabled(_ Entry) (bool, error) {
	return false, nil
}

func Enable(_ Entry) error {
	return ErrUnsupported
}

func Disable(_ Entry) error {
	return nil
}
