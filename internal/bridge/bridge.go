// Package bridge composes the device registry, printers, scales and the
// persisted configuration into the operations the REST API and the cloud
// agent expose.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/boracume/device-bridge/internal/config"
	"github.com/boracume/device-bridge/internal/devices"
	"github.com/boracume/device-bridge/internal/escpos"
	"github.com/boracume/device-bridge/internal/logging"
	"github.com/boracume/device-bridge/internal/metrics"
	"github.com/boracume/device-bridge/internal/usbscale"
)

const (
	usbIDPrefix        = "usb:"
	defaultWeightWait  = 3 * time.Second
	serialPrintMTU     = 256
	networkPrintMTU    = 1024
	usbWeightRetryWait = 50 * time.Millisecond
)

// ErrInvalidRequest marks requests rejected before touching hardware
var ErrInvalidRequest = errors.New("invalid request")

// ScaleOpener opens a USB scale by vendor and product id
type ScaleOpener func(vendorID, productID uint16) (*usbscale.Scale, error)

// Service is the bridge's application layer
type Service struct {
	registry *devices.Registry
	metrics  *metrics.Counters
	logger   logging.Logger

	openScale ScaleOpener

	cfgMu   sync.Mutex
	cfg     *config.Config
	cfgPath string

	scalesMu sync.Mutex
	scales   map[string]*usbscale.Scale
}

// New builds the service and its registry. registryOptions come after the
// ones derived from cfg, so callers can override the transport.
func New(cfg *config.Config, cfgPath string, logger logging.Logger, registryOptions ...func(*devices.Registry)) *Service {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Service{
		metrics: metrics.New(nil),
		logger:  logger,
		cfg:     cfg,
		cfgPath: cfgPath,
		scales:  make(map[string]*usbscale.Scale),
	}
	s.openScale = func(vid, pid uint16) (*usbscale.Scale, error) {
		return usbscale.Open(vid, pid, usbscale.WithLogger(logger), usbscale.WithMetrics(s.metrics))
	}

	options := []func(*devices.Registry){
		devices.WithLogger(logger),
		devices.WithMetrics(s.metrics),
		devices.WithAutoConnect(s.AutoConnect),
		devices.WithWatchdog(time.Duration(cfg.WatchdogInterval)*time.Millisecond, 0),
		devices.WithReconnectDelay(time.Duration(cfg.ReconnectDelay)*time.Millisecond),
	}
	s.registry = devices.NewRegistry(append(options, registryOptions...)...)

	return s
}

// WithScaleOpener replaces the USB scale opener
func (s *Service) WithScaleOpener(fn ScaleOpener) *Service {
	s.openScale = fn
	return s
}

func (s *Service) Registry() *devices.Registry {
	return s.registry
}

func (s *Service) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// AutoConnect reads the persisted flag
func (s *Service) AutoConnect() bool {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.AutoConnect
}

// SetAutoConnect updates and persists the flag
func (s *Service) SetAutoConnect(enabled bool) {
	s.updateConfig(func(c *config.Config) {
		c.AutoConnect = enabled
	})
}

// ScanInterval is the configured auto-scan period
func (s *Service) ScanInterval() time.Duration {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return time.Duration(s.cfg.ScanInterval) * time.Millisecond
}

// StartAutoScan scans periodically at the configured interval
func (s *Service) StartAutoScan() {
	s.registry.StartAutoScan(s.ScanInterval())
}

func (s *Service) StopAutoScan() {
	s.registry.StopAutoScan()
}

func (s *Service) IsScanning() bool {
	return s.registry.IsScanning()
}

// SavedDevices returns the persisted device bindings
func (s *Service) SavedDevices() []config.SavedDevice {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.SavedDevices()
}

// Scan runs one discovery pass
func (s *Service) Scan() []devices.DetectedDevice {
	return s.registry.Scan()
}

// Subscribe delivers registry events until the returned func is called
func (s *Service) Subscribe(buffer int) (<-chan devices.Event, func()) {
	return s.registry.Subscribe(buffer)
}

// Devices lists the connected serial devices
func (s *Service) Devices() []devices.ConnectedDevice {
	return s.registry.Devices()
}

// ConnectRequest names a serial device and its line settings
type ConnectRequest struct {
	ID          string `json:"id"`
	Class       string `json:"class"`
	DisplayName string `json:"displayName,omitempty"`
	BaudRate    int    `json:"baudRate,omitempty"`
	DataBits    int    `json:"dataBits,omitempty"`
	StopBits    int    `json:"stopBits,omitempty"`
	Parity      string `json:"parity,omitempty"`

	// Remember stores the binding so it reconnects on the next start
	Remember bool `json:"remember,omitempty"`
}

func (r ConnectRequest) options() devices.ConnectOptions {
	return devices.ConnectOptions{
		BaudRate: r.BaudRate,
		DataBits: r.DataBits,
		StopBits: r.StopBits,
		Parity:   devices.Parity(r.Parity),
	}
}

// Connect connects a serial device and optionally remembers it
func (s *Service) Connect(ctx context.Context, req ConnectRequest) devices.ConnectResult {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return devices.ConnectResult{Message: "Device id is required", Err: ErrInvalidRequest}
	}
	class, ok := devices.ParseClass(req.Class)
	if !ok {
		return devices.ConnectResult{Message: "Unknown device type", Err: fmt.Errorf("%w: class %q", ErrInvalidRequest, req.Class)}
	}

	res := s.registry.Connect(ctx, id, class, req.options())
	if res.OK && req.Remember {
		opts := res.Device.Options
		s.updateConfig(func(c *config.Config) {
			c.Remember(config.SavedDevice{
				ID:          id,
				Class:       string(class),
				DisplayName: req.DisplayName,
				BaudRate:    opts.BaudRate,
				DataBits:    opts.DataBits,
				StopBits:    opts.StopBits,
				Parity:      string(opts.Parity),
			})
		})
	}

	return res
}

// Disconnect disconnects a serial device; forget also drops its binding
func (s *Service) Disconnect(id string, forget bool) devices.DisconnectResult {
	res := s.registry.Disconnect(id)
	if forget {
		s.updateConfig(func(c *config.Config) {
			c.Forget(id)
		})
	}
	return res
}

// ReconnectSaved connects every remembered device when auto-connect is on
func (s *Service) ReconnectSaved(ctx context.Context) {
	if !s.AutoConnect() {
		return
	}

	var wg sync.WaitGroup
	for _, d := range s.SavedDevices() {
		wg.Add(1)
		go func(d config.SavedDevice) {
			defer wg.Done()
			res := s.Connect(ctx, ConnectRequest{
				ID:       d.ID,
				Class:    d.Class,
				BaudRate: d.BaudRate,
				DataBits: d.DataBits,
				StopBits: d.StopBits,
				Parity:   d.Parity,
			})
			if !res.OK {
				s.logger.Warnf("saved device `%s` not reconnected: %s", d.ID, res.Message)
			}
		}(d)
	}
	wg.Wait()
}

// PrintRequest selects a printer and the content. Either Jobs or Items are
// printed; Items build a receipt.
type PrintRequest struct {
	DeviceID string `json:"deviceId,omitempty"`

	// Host prints to a network printer instead of a serial device
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// BLEName prints to a Bluetooth LE printer with this advertised name
	BLEName string `json:"bleName,omitempty"`

	Jobs    []escpos.Job          `json:"jobs,omitempty"`
	Items   []escpos.Item         `json:"items,omitempty"`
	Total   float64               `json:"total,omitempty"`
	Receipt escpos.ReceiptOptions `json:"receipt,omitempty"`
}

func (r PrintRequest) jobs() []escpos.Job {
	if len(r.Jobs) > 0 {
		return r.Jobs
	}
	if len(r.Items) > 0 {
		return escpos.Receipt(r.Items, r.Total, r.Receipt)
	}
	return nil
}

// Print streams the request to the selected printer
func (s *Service) Print(ctx context.Context, req PrintRequest) (err error) {
	jobs := req.jobs()
	if len(jobs) == 0 {
		return fmt.Errorf("%w: nothing to print", ErrInvalidRequest)
	}

	done := s.metrics.StartPrint()
	defer func() { done(err) }()

	switch {
	case strings.TrimSpace(req.Host) != "":
		w, err := escpos.DialTCP(ctx, req.Host, req.Port, 0)
		if err != nil {
			return fmt.Errorf("failed to reach network printer: %w", err)
		}
		defer w.Close()
		return escpos.Print(ctx, w, escpos.Options{MTU: networkPrintMTU}, jobs...)

	case strings.TrimSpace(req.BLEName) != "":
		w, err := escpos.NewBLEWriter(escpos.WithBLEDeviceName(req.BLEName), escpos.WithBLELogger(s.logger))
		if err != nil {
			return fmt.Errorf("failed to start BLE printer: %w", err)
		}
		defer w.Close()
		if err = w.WaitReady(ctx); err != nil {
			return err
		}
		return escpos.Print(ctx, w, escpos.DefaultOptions(), jobs...)

	case strings.TrimSpace(req.DeviceID) != "":
		w := escpos.RegistryWriter{Sender: s.registry, DeviceID: req.DeviceID}
		return escpos.Print(ctx, w, escpos.Options{MTU: serialPrintMTU}, jobs...)

	default:
		return fmt.Errorf("%w: no printer selected", ErrInvalidRequest)
	}
}

// Weight is a scale reading normalized to kilograms
type Weight struct {
	DeviceID  string    `json:"deviceId"`
	Kilograms float64   `json:"kg"`
	Display   string    `json:"display"`
	Stable    bool      `json:"stable"`
	Raw       string    `json:"raw,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadWeight reads a scale. Ids of the form usb:VVVV:PPPP address USB
// scales, anything else is a connected serial scale.
func (s *Service) ReadWeight(ctx context.Context, id string, timeout time.Duration) (Weight, error) {
	if timeout <= 0 {
		timeout = defaultWeightWait
	}

	if strings.HasPrefix(strings.ToLower(id), usbIDPrefix) {
		return s.readUSBWeight(ctx, id, timeout)
	}

	kg, raw, err := s.registry.ReadSerialWeight(ctx, id, devices.WeightRequest, timeout)
	if err != nil {
		return Weight{DeviceID: id, Raw: raw}, err
	}

	return Weight{
		DeviceID:  id,
		Kilograms: kg,
		Display:   escpos.FormatWeight(kg),
		Stable:    true,
		Raw:       raw,
		Timestamp: time.Now(),
	}, nil
}

func (s *Service) readUSBWeight(ctx context.Context, id string, timeout time.Duration) (Weight, error) {
	scale, err := s.usbScale(id)
	if err != nil {
		return Weight{DeviceID: id}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		r, err := scale.ReadOnce(ctx)
		if err == nil && r != nil {
			return Weight{
				DeviceID:  id,
				Kilograms: r.Kilograms(),
				Display:   escpos.FormatWeight(r.Kilograms()),
				Stable:    r.Stable,
				Timestamp: r.Timestamp,
			}, nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				s.logger.Debugf("last USB read on %s failed: %s", id, err)
			}
			return Weight{DeviceID: id}, &devices.TimeoutError{Op: "read weight", DeviceID: id, After: timeout}
		case <-time.After(usbWeightRetryWait):
		}
	}
}

func (s *Service) usbScale(id string) (*usbscale.Scale, error) {
	vid, pid, err := ParseUSBID(id)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s%04x:%04x", usbIDPrefix, vid, pid)

	s.scalesMu.Lock()
	defer s.scalesMu.Unlock()

	if scale, ok := s.scales[key]; ok {
		return scale, nil
	}

	scale, err := s.openScale(vid, pid)
	if err != nil {
		return nil, err
	}
	s.scales[key] = scale
	s.logger.Infof("opened USB scale %s (%s)", key, scale.Brand().Name)

	return scale, nil
}

// ParseUSBID splits "usb:0eb8:f000" into its vendor and product ids
func ParseUSBID(id string) (uint16, uint16, error) {
	parts := strings.Split(strings.TrimPrefix(strings.ToLower(id), usbIDPrefix), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: USB scale id %q, expected usb:VVVV:PPPP", ErrInvalidRequest, id)
	}

	vid, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: vendor id %q", ErrInvalidRequest, parts[0])
	}
	pid, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: product id %q", ErrInvalidRequest, parts[1])
	}

	return uint16(vid), uint16(pid), nil
}

// Close disconnects all devices and releases open USB scales
func (s *Service) Close() {
	s.registry.Close()

	s.scalesMu.Lock()
	defer s.scalesMu.Unlock()
	for key, scale := range s.scales {
		if err := scale.Close(); err != nil {
			s.logger.Debugf("closing USB scale %s: %s", key, err)
		}
		delete(s.scales, key)
	}
}

func (s *Service) updateConfig(fn func(*config.Config)) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	fn(s.cfg)
	if s.cfgPath == "" {
		return
	}
	if err := config.Save(s.cfgPath, s.cfg); err != nil {
		s.logger.Warnf("configuration change kept in memory only: %s", err)
	}
}
