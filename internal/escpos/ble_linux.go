//go:build linux

package escpos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/boracume/device-bridge/internal/logging"
	"github.com/fako1024/gatt"
)

const (
	defaultPrinterService        = "18f0"
	defaultPrinterCharacteristic = "2af1"
)

var defaultBTClientOptions = []gatt.Option{
	gatt.LnxMaxConnections(1),
	gatt.LnxDeviceID(-1, true),
}

// BLEWriter writes chunks to a Bluetooth LE receipt printer through its
// write characteristic. Writes are limited to the default MTU of 20 bytes.
type BLEWriter struct {
	deviceName     string
	deviceID       string
	service        string
	characteristic string

	btDevice gatt.Device

	mu               sync.Mutex
	btPeripheral     gatt.Peripheral
	btCharacteristic *gatt.Characteristic

	ready    chan struct{}
	doneChan chan struct{}
	once     sync.Once

	logger logging.Logger
}

// WithBLEDeviceName matches the peripheral by advertised name
func WithBLEDeviceName(name string) func(*BLEWriter) {
	return func(w *BLEWriter) {
		w.deviceName = name
	}
}

// WithBLEDeviceID matches the peripheral by its address
func WithBLEDeviceID(id string) func(*BLEWriter) {
	return func(w *BLEWriter) {
		w.deviceID = id
	}
}

// WithBLECharacteristic overrides the service and write characteristic UUIDs
func WithBLECharacteristic(service, characteristic string) func(*BLEWriter) {
	return func(w *BLEWriter) {
		w.service = strings.ToLower(service)
		w.characteristic = strings.ToLower(characteristic)
	}
}

// WithBLELogger sets the logger
func WithBLELogger(l logging.Logger) func(*BLEWriter) {
	return func(w *BLEWriter) {
		w.logger = l
	}
}

// NewBLEWriter starts scanning for the printer. Use WaitReady before the
// first write.
func NewBLEWriter(options ...func(*BLEWriter)) (*BLEWriter, error) {
	w := &BLEWriter{
		service:        defaultPrinterService,
		characteristic: defaultPrinterCharacteristic,
		ready:          make(chan struct{}),
		doneChan:       make(chan struct{}),
		logger:         &logging.NullLogger{},
	}

	for _, option := range options {
		option(w)
	}

	if w.deviceName == "" && w.deviceID == "" {
		return nil, errors.New("a BLE printer name or address is required")
	}

	btDevice, err := gatt.NewDevice(defaultBTClientOptions...)
	if err != nil {
		return nil, err
	}
	w.btDevice = btDevice

	w.btDevice.Handle(
		gatt.AddPeripheralDiscovered(w.onPeriphDiscovered),
		gatt.AddPeripheralConnected(w.onPeriphConnected),
		gatt.AddPeripheralDisconnected(w.onPeriphDisconnected),
	)

	return w, w.btDevice.Init(w.onStateChanged)
}

// WaitReady blocks until the write characteristic was discovered
func (w *BLEWriter) WaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-w.doneChan:
		return errors.New("BLE printer was closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *BLEWriter) WriteChunk(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	p, c := w.btPeripheral, w.btCharacteristic
	w.mu.Unlock()

	if p == nil || c == nil {
		return fmt.Errorf("failed to write to uninitialized printer")
	}

	return p.WriteCharacteristic(c, chunk, false)
}

// Close releases the peripheral and stops scanning
func (w *BLEWriter) Close() error {
	w.once.Do(func() {
		close(w.doneChan)
	})

	_ = w.btDevice.StopScanning()
	return w.btDevice.RemoveAllServices()
}

func (w *BLEWriter) onStateChanged(d gatt.Device, s gatt.State) {
	switch s {
	case gatt.StatePoweredOn:
		if err := d.Scan([]gatt.UUID{}, false); err != nil {
			w.logger.Warnf("failed to enable BLE scanning: %s", err)
		}
	default:
		if err := d.StopScanning(); err != nil {
			w.logger.Warnf("failed to stop BLE scanning: %s", err)
		}
	}
}

func (w *BLEWriter) onPeriphDiscovered(p gatt.Peripheral, _ *gatt.Advertisement, _ int) {
	if !w.thisDevice(p) {
		return
	}

	w.logger.Debugf("connecting BLE printer `%s/%s`", p.Name(), p.ID())

	if err := p.Device().StopScanning(); err != nil {
		w.logger.Warnf("failed to stop BLE scanning: %s", err)
	}
	if err := p.Device().Connect(p); err != nil {
		w.logger.Errorf("failed to connect BLE printer `%s/%s`: %s", p.Name(), p.ID(), err)
	}
}

func (w *BLEWriter) onPeriphConnected(p gatt.Peripheral, connErr error) {
	if !w.thisDevice(p) {
		return
	}

	defer func() {
		_ = p.Device().CancelConnection(p)
		if connErr != nil {
			w.logger.Warnf("BLE printer `%s/%s` released: %s", p.Name(), p.ID(), connErr)
		}
	}()

	ss, err := p.DiscoverServices(nil)
	if err != nil {
		connErr = fmt.Errorf("failed to discover services: %w", err)
		return
	}
	for _, s := range ss {
		if s.UUID().String() != w.service {
			continue
		}

		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			connErr = fmt.Errorf("failed to discover characteristics: %w", err)
			return
		}
		for _, c := range cs {
			if c.UUID().String() != w.characteristic {
				continue
			}

			w.mu.Lock()
			w.btPeripheral, w.btCharacteristic = p, c
			w.mu.Unlock()

			select {
			case <-w.ready:
			default:
				close(w.ready)
			}
		}
	}

	<-w.doneChan
}

func (w *BLEWriter) onPeriphDisconnected(p gatt.Peripheral, _ error) {
	if !w.thisDevice(p) {
		return
	}

	w.mu.Lock()
	w.btPeripheral, w.btCharacteristic = nil, nil
	w.mu.Unlock()

	w.logger.Infof("BLE printer `%s/%s` disconnected", p.Name(), p.ID())

	select {
	case <-w.doneChan:
	default:
		if err := w.btDevice.Scan([]gatt.UUID{}, false); err != nil {
			w.logger.Warnf("failed to re-enable BLE scanning: %s", err)
		}
	}
}

func (w *BLEWriter) thisDevice(p gatt.Peripheral) bool {
	if w.deviceID != "" && strings.EqualFold(p.ID(), w.deviceID) {
		return true
	}
	return w.deviceName != "" && strings.EqualFold(p.Name(), w.deviceName)
}
