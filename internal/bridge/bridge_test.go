package bridge

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boracume/device-bridge/internal/config"
	"github.com/boracume/device-bridge/internal/devices"
	"github.com/boracume/device-bridge/internal/escpos"
	"github.com/boracume/device-bridge/internal/usbscale"
)

type pipeTransport struct {
	mu       sync.Mutex
	written  []byte
	reply    []byte
	incoming chan []byte
	closing  chan struct{}
	once     sync.Once
}

func newPipeTransport(reply []byte) *pipeTransport {
	return &pipeTransport{reply: reply, incoming: make(chan []byte, 4), closing: make(chan struct{})}
}

func (p *pipeTransport) Read(b []byte) (int, error) {
	select {
	case data := <-p.incoming:
		return copy(b, data), nil
	case <-p.closing:
		return 0, io.EOF
	}
}

func (p *pipeTransport) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, b...)
	reply := p.reply
	p.mu.Unlock()

	if reply != nil {
		p.incoming <- reply
	}
	return len(b), nil
}

func (p *pipeTransport) IsOpen() bool {
	select {
	case <-p.closing:
		return false
	default:
		return true
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closing) })
	return nil
}

func (p *pipeTransport) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

type pipeOpener struct {
	mu     sync.Mutex
	ports  map[string]*pipeTransport
	replay map[string][]byte
}

func (o *pipeOpener) Open(path string, _ devices.ConnectOptions) (devices.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ports == nil {
		o.ports = make(map[string]*pipeTransport)
	}
	t := newPipeTransport(o.replay[path])
	o.ports[path] = t
	return t, nil
}

func (o *pipeOpener) Port(path string) *pipeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[path]
}

func newTestService(t *testing.T, opener *pipeOpener) (*Service, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := config.InitializeConfig(path)
	require.NoError(t, err)

	s := New(cfg, path, nil, devices.WithOpener(opener), devices.WithWatchdog(time.Hour, 0))
	t.Cleanup(s.Close)

	return s, path
}

func TestConnectRemembersDevice(t *testing.T) {
	s, path := newTestService(t, &pipeOpener{})

	res := s.Connect(context.Background(), ConnectRequest{ID: "COM3", Class: "balança", BaudRate: 4800, Remember: true})
	require.True(t, res.OK, res.Message)
	assert.Equal(t, devices.ClassScale, res.Device.Class)

	saved, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, saved.Devices.Scales, 1)
	assert.Equal(t, "COM3", saved.Devices.Scales[0].ID)
	assert.Equal(t, 4800, saved.Devices.Scales[0].BaudRate)
	assert.Equal(t, "none", saved.Devices.Scales[0].Parity)

	s.Disconnect("COM3", true)
	saved, err = config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, saved.Devices.Scales)
}

func TestConnectValidatesRequest(t *testing.T) {
	s, _ := newTestService(t, &pipeOpener{})

	res := s.Connect(context.Background(), ConnectRequest{Class: "printer"})
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)

	res = s.Connect(context.Background(), ConnectRequest{ID: "COM1", Class: "drawer"})
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)
}

func TestReconnectSaved(t *testing.T) {
	opener := &pipeOpener{}
	s, _ := newTestService(t, opener)

	s.updateConfig(func(c *config.Config) {
		c.Remember(config.SavedDevice{ID: "COM1", Class: "printer"})
		c.Remember(config.SavedDevice{ID: "COM2", Class: "scale", BaudRate: 2400})
	})

	s.ReconnectSaved(context.Background())

	list := s.Devices()
	require.Len(t, list, 2)
	assert.Equal(t, "COM1", list[0].ID)
	assert.Equal(t, 2400, list[1].Options.BaudRate)
}

func TestReconnectSavedRespectsAutoConnect(t *testing.T) {
	s, _ := newTestService(t, &pipeOpener{})

	s.updateConfig(func(c *config.Config) {
		c.Remember(config.SavedDevice{ID: "COM1", Class: "printer"})
	})
	s.SetAutoConnect(false)
	assert.False(t, s.AutoConnect())

	s.ReconnectSaved(context.Background())
	assert.Empty(t, s.Devices())
}

func TestPrintReceiptToSerialPrinter(t *testing.T) {
	opener := &pipeOpener{}
	s, _ := newTestService(t, opener)

	require.True(t, s.Connect(context.Background(), ConnectRequest{ID: "COM4", Class: "printer"}).OK)

	items := []escpos.Item{{Name: "Pastel", Quantity: 2, Price: 16}}
	require.NoError(t, s.Print(context.Background(), PrintRequest{DeviceID: "COM4", Items: items, Total: 16}))

	var want []byte
	for _, j := range escpos.Receipt(items, 16, escpos.ReceiptOptions{}) {
		want = append(want, escpos.Encode(j)...)
	}
	assert.Equal(t, want, opener.Port("COM4").Written())

	m := s.Metrics()
	assert.Equal(t, int64(1), m.PrintJobs)
	assert.Equal(t, int64(len(want)), m.BytesSent)
}

func TestPrintRejectsEmptyRequests(t *testing.T) {
	s, _ := newTestService(t, &pipeOpener{})

	assert.ErrorIs(t, s.Print(context.Background(), PrintRequest{DeviceID: "COM4"}), ErrInvalidRequest)
	assert.ErrorIs(t, s.Print(context.Background(), PrintRequest{Jobs: []escpos.Job{{Text: "x"}}}), ErrInvalidRequest)
}

func TestPrintToDisconnectedPrinter(t *testing.T) {
	s, _ := newTestService(t, &pipeOpener{})

	err := s.Print(context.Background(), PrintRequest{DeviceID: "COM4", Jobs: []escpos.Job{{Text: "x"}}})
	assert.True(t, devices.IsNotConnected(err))
	assert.Equal(t, int64(1), s.Metrics().PrintFailures)
}

func TestReadSerialWeight(t *testing.T) {
	opener := &pipeOpener{replay: map[string][]byte{"COM3": []byte("  1,234 kg\r\n")}}
	s, _ := newTestService(t, opener)

	require.True(t, s.Connect(context.Background(), ConnectRequest{ID: "COM3", Class: "scale"}).OK)

	w, err := s.ReadWeight(context.Background(), "COM3", time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 1.234, w.Kilograms, 1e-9)
	assert.Equal(t, "1,234 kg", w.Display)
	assert.Equal(t, devices.WeightRequest, opener.Port("COM3").Written())
}

type frameEndpoint struct {
	frame []byte
}

func (e *frameEndpoint) ReadFrame(context.Context) ([]byte, error) { return e.frame, nil }
func (e *frameEndpoint) Close() error                              { return nil }

func TestReadUSBWeight(t *testing.T) {
	s, _ := newTestService(t, &pipeOpener{})

	opened := 0
	s.WithScaleOpener(func(vid, pid uint16) (*usbscale.Scale, error) {
		opened++
		brand, err := usbscale.LookupBrand(vid, pid)
		if err != nil {
			return nil, err
		}
		return usbscale.NewScale(brand, &frameEndpoint{frame: []byte{0x01, 0x02, 0x4C, 0x1D, 0x00, 0x00}}), nil
	})

	w, err := s.ReadWeight(context.Background(), "usb:0EB8:F000", time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 0.075, w.Kilograms, 1e-9)
	assert.True(t, w.Stable)

	_, err = s.ReadWeight(context.Background(), "usb:0eb8:f000", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, opened)

	_, err = s.ReadWeight(context.Background(), "usb:1234:5678", time.Second)
	assert.ErrorIs(t, err, usbscale.ErrUnknownScale)
}

func TestParseUSBID(t *testing.T) {
	vid, pid, err := ParseUSBID("usb:0x0EB8:f001")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0EB8), vid)
	assert.Equal(t, uint16(0xF001), pid)

	_, _, err = ParseUSBID("usb:0eb8")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = ParseUSBID("usb:zz:01")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
