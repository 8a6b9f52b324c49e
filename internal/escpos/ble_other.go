//go:build !linux

package escpos

import (
	"context"
	"errors"

	"github.com/boracume/device-bridge/internal/logging"
)

var errBLEUnsupported = errors.New("BLE printers are only supported on Linux")

// BLEWriter is unavailable on this platform
type BLEWriter struct{}

func WithBLEDeviceName(string) func(*BLEWriter)             { return func(*BLEWriter) {} }
func WithBLEDeviceID(string) func(*BLEWriter)               { return func(*BLEWriter) {} }
func WithBLECharacteristic(string, string) func(*BLEWriter) { return func(*BLEWriter) {} }
func WithBLELogger(logging.Logger) func(*BLEWriter)         { return func(*BLEWriter) {} }

func NewBLEWriter(...func(*BLEWriter)) (*BLEWriter, error) {
	return nil, errBLEUnsupported
}

func (w *BLEWriter) WaitReady(context.Context) error {
	return errBLEUnsupported
}

func (w *BLEWriter) WriteChunk(context.Context, []byte) error {
	return errBLEUnsupported
}

func (w *BLEWriter) Close() error {
	return nil
}
