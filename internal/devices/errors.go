package devices

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned when opening or reading exceeded its deadline
type TimeoutError struct {
	Op       string
	DeviceID string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s on %s timed out after %s", e.Op, e.DeviceID, e.After)
}

// Timeout lets callers treat it like a net.Error
func (e *TimeoutError) Timeout() bool {
	return true
}

// TransportError wraps an OS or driver failure
type TransportError struct {
	Op       string
	DeviceID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Op, e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotConnectedError is returned for operations on an absent or closed device
type NotConnectedError struct {
	DeviceID string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("device %s is not connected", e.DeviceID)
}

// ConfigError reports unusable configuration, either a file or a single field
type ConfigError struct {
	Path  string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("device configuration %s: %v", e.Path, e.Err)
	case e.Field != "":
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("device configuration: %v", e.Err)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsNotConnected reports whether err is or wraps a NotConnectedError
func IsNotConnected(err error) bool {
	var nc *NotConnectedError
	return errors.As(err, &nc)
}

// IsTimeout reports whether err is or wraps a TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func errInvalidValue(v any) error {
	return fmt.Errorf("unsupported value %v", v)
}
