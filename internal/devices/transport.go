package devices

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Transport is an open byte channel to one device
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// IsOpen reports false once the transport was closed or failed
	IsOpen() bool

	Close() error
}

// Opener opens a transport for a port path
type Opener interface {
	Open(path string, opts ConnectOptions) (Transport, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(path string, opts ConnectOptions) (Transport, error)

func (f OpenerFunc) Open(path string, opts ConnectOptions) (Transport, error) {
	return f(path, opts)
}

// Discoverer lists the serial ports the operating system can see
type Discoverer interface {
	Ports() ([]DiscoveredPort, error)
}

// DiscovererFunc adapts a function to Discoverer
type DiscovererFunc func() ([]DiscoveredPort, error)

func (f DiscovererFunc) Ports() ([]DiscoveredPort, error) {
	return f()
}

const defaultSerialReadTimeout = 200 * time.Millisecond

// SerialOpener opens real serial ports
type SerialOpener struct {
	// ReadTimeout bounds each Read so the reader loop notices a close
	ReadTimeout time.Duration
}

func (o SerialOpener) Open(path string, opts ConnectOptions) (Transport, error) {
	opts = opts.WithDefaults()

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serialParity(opts.Parity),
		StopBits: serialStopBits(opts.StopBits),
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, &TransportError{Op: "open", DeviceID: path, Err: describeSerialError(err)}
	}

	readTimeout := o.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultSerialReadTimeout
	}
	if err = port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, &TransportError{Op: "configure", DeviceID: path, Err: err}
	}

	return &serialTransport{port: port}, nil
}

type serialTransport struct {
	port   serial.Port
	closed atomic.Bool
	failed atomic.Bool
}

func (t *serialTransport) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if err != nil {
		t.failed.Store(true)
	}
	return n, err
}

func (t *serialTransport) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if err != nil {
		t.failed.Store(true)
	}
	return n, err
}

func (t *serialTransport) IsOpen() bool {
	return !t.closed.Load() && !t.failed.Load()
}

func (t *serialTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.port.Close()
}

// SerialDiscoverer lists ports through the platform enumerator. The
// enumerator has no manufacturer string, the USB product string is used.
type SerialDiscoverer struct{}

func (SerialDiscoverer) Ports() ([]DiscoveredPort, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]DiscoveredPort, 0, len(details))
	for _, d := range details {
		ports = append(ports, DiscoveredPort{
			Path:         d.Name,
			VendorID:     d.VID,
			ProductID:    d.PID,
			Manufacturer: d.Product,
		})
	}

	return ports, nil
}

func serialParity(p Parity) serial.Parity {
	switch p {
	case ParityOdd:
		return serial.OddParity
	case ParityEven:
		return serial.EvenParity
	case ParityMark:
		return serial.MarkParity
	case ParitySpace:
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func serialStopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func describeSerialError(err error) error {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return err
	}

	switch portErr.Code() {
	case serial.PortBusy:
		return fmt.Errorf("port is in use by another program: %w", err)
	case serial.PortNotFound:
		return fmt.Errorf("port not found, check the cable: %w", err)
	case serial.PermissionDenied:
		return fmt.Errorf("permission denied opening port: %w", err)
	default:
		return err
	}
}
