package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPort = "/dev/ttyUSB0"

func newTestRegistry(opener *fakeOpener, options ...func(*Registry)) *Registry {
	base := []func(*Registry){
		WithOpener(opener),
		WithDiscoverer(DiscovererFunc(func() ([]DiscoveredPort, error) { return nil, nil })),
		WithOpenTimeout(500 * time.Millisecond),
		WithReceiveTimeout(200 * time.Millisecond),
		WithWatchdog(10*time.Millisecond, 0),
		WithReconnectDelay(20 * time.Millisecond),
	}
	return NewRegistry(append(base, options...)...)
}

func waitForEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event received", typ)
		}
	}
}

func TestScanEmitsDetectedDevices(t *testing.T) {
	r := newTestRegistry(&fakeOpener{}, WithDiscoverer(DiscovererFunc(func() ([]DiscoveredPort, error) {
		return []DiscoveredPort{
			{Path: "/dev/ttyUSB0", VendorID: "04B8", ProductID: "0E15"},
			{Path: "/dev/ttyUSB1", VendorID: "0EB8", ProductID: "F000"},
			{Path: "/dev/ttyS0"},
		}, nil
	})))
	defer r.Close()

	events, cancel := r.Subscribe(8)
	defer cancel()

	found := r.Scan()
	require.Len(t, found, 2)
	assert.Equal(t, ClassPrinter, found[0].Class)
	assert.Equal(t, ClassScale, found[1].Class)

	ev := waitForEvent(t, events, EventDevicesScanned)
	assert.Len(t, ev.Devices, 2)
	assert.Equal(t, int64(1), r.Metrics().Snapshot().Scans)
}

func TestScanFailureYieldsEmptyList(t *testing.T) {
	r := newTestRegistry(&fakeOpener{}, WithDiscoverer(DiscovererFunc(func() ([]DiscoveredPort, error) {
		return nil, errors.New("udev unavailable")
	})))
	defer r.Close()

	events, cancel := r.Subscribe(8)
	defer cancel()

	found := r.Scan()
	assert.NotNil(t, found)
	assert.Empty(t, found)

	ev := waitForEvent(t, events, EventScanError)
	assert.Equal(t, "udev unavailable", ev.Error)
}

func TestConnectIsIdempotent(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	first := r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{})
	require.True(t, first.OK, first.Message)
	assert.False(t, first.AlreadyConnected)
	assert.Equal(t, DefaultBaudRate, first.Device.Options.BaudRate)
	assert.Equal(t, ParityNone, first.Device.Options.Parity)

	second := r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{BaudRate: 115200})
	require.True(t, second.OK)
	assert.True(t, second.AlreadyConnected)
	assert.Equal(t, DefaultBaudRate, second.Device.Options.BaudRate)

	assert.Equal(t, int32(1), opener.openers.Load())
	assert.Equal(t, 1, r.WatcherCount(testPort))
	assert.Len(t, r.Devices(), 1)
}

func TestConcurrentConnectsOpenOnce(t *testing.T) {
	opener := &fakeOpener{block: make(chan struct{})}
	r := newTestRegistry(opener)
	defer r.Close()

	var wg sync.WaitGroup
	results := make([]ConnectResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Connect(context.Background(), testPort, ClassScale, ConnectOptions{})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(opener.block)
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.OK, res.Message)
	}
	assert.Equal(t, int32(1), opener.openers.Load())
	assert.Equal(t, 1, r.WatcherCount(testPort))
}

func TestConnectRejectsBadOptions(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	res := r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{StopBits: 3})
	assert.False(t, res.OK)
	var ce *ConfigError
	require.ErrorAs(t, res.Err, &ce)
	assert.Equal(t, "stopBits", ce.Field)

	res = r.Connect(context.Background(), testPort, Class("drawer"), ConnectOptions{})
	assert.False(t, res.OK)
	assert.Equal(t, int32(0), opener.openers.Load())
}

func TestConnectOpenFailure(t *testing.T) {
	r := newTestRegistry(&fakeOpener{fail: errPortBusy})
	defer r.Close()

	res := r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{})
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, errPortBusy)
	assert.NotEmpty(t, res.Message)
	assert.Equal(t, 0, r.WatcherCount(testPort))
	assert.Empty(t, r.Devices())
}

func TestConnectTimeoutClosesLateTransport(t *testing.T) {
	opener := &fakeOpener{block: make(chan struct{})}
	r := newTestRegistry(opener, WithOpenTimeout(30*time.Millisecond))
	defer r.Close()

	res := r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{})
	assert.False(t, res.OK)
	assert.True(t, IsTimeout(res.Err))
	assert.Empty(t, r.Devices())

	close(opener.block)
	require.Eventually(t, func() bool {
		late := opener.Last()
		return late != nil && late.closes.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.Devices())
}

func TestDisconnect(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	events, cancel := r.Subscribe(8)
	defer cancel()

	require.True(t, r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{}).OK)
	waitForEvent(t, events, EventDeviceConnected)
	assert.Equal(t, 1, r.WatcherCount(testPort))

	res := r.Disconnect(testPort)
	assert.True(t, res.OK)
	assert.Equal(t, 0, r.WatcherCount(testPort))
	assert.False(t, opener.Last().IsOpen())

	ev := waitForEvent(t, events, EventDeviceDisconnected)
	assert.Equal(t, testPort, ev.ID)

	err := r.Send(testPort, []byte("x"))
	assert.True(t, IsNotConnected(err))
}

func TestDisconnectUnknownSucceeds(t *testing.T) {
	r := newTestRegistry(&fakeOpener{})
	defer r.Close()

	res := r.Disconnect("COM9")
	assert.True(t, res.OK)
	assert.NoError(t, res.Err)
}

func TestDisconnectAll(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	for _, id := range []string{"COM1", "COM2", "COM3"} {
		require.True(t, r.Connect(context.Background(), id, ClassPrinter, ConnectOptions{}).OK)
	}
	r.StartAutoScan(time.Hour)
	require.True(t, r.IsScanning())

	r.DisconnectAll()

	assert.Empty(t, r.Devices())
	assert.False(t, r.IsScanning())
	for _, tr := range opener.Opened() {
		assert.False(t, tr.IsOpen())
	}
}

func TestSendWritesInOrder(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	require.True(t, r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{}).OK)

	require.NoError(t, r.Send(testPort, []byte{0x1B, 0x40}))
	require.NoError(t, r.Send(testPort, []byte("Pedido 42\n")))

	assert.Equal(t, append([]byte{0x1B, 0x40}, []byte("Pedido 42\n")...), opener.Last().Written())
	assert.Equal(t, int64(12), r.Metrics().Snapshot().BytesSent)
}

func TestSendHandlesShortWrites(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	require.True(t, r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{}).OK)
	tr := opener.Last()

	var got []byte
	tr.writeFn = func(p []byte) (int, error) {
		got = append(got, p[0])
		return 1, nil
	}

	require.NoError(t, r.Send(testPort, []byte("abc")))
	assert.Equal(t, []byte("abc"), got)
}

func TestSendWrapsTransportErrors(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	require.True(t, r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{}).OK)
	opener.Last().writeFn = func(p []byte) (int, error) {
		return 0, errors.New("i/o error")
	}

	err := r.Send(testPort, []byte("abc"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
}

func TestSendUnknownDevice(t *testing.T) {
	r := newTestRegistry(&fakeOpener{})
	defer r.Close()

	err := r.Send("COM9", []byte("x"))
	var nc *NotConnectedError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "COM9", nc.DeviceID)
}

func TestReceive(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	require.True(t, r.Connect(context.Background(), testPort, ClassScale, ConnectOptions{}).OK)

	tr := opener.Last()
	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.incoming <- []byte("001.250kg\r\n")
	}()

	data, err := r.Receive(context.Background(), testPort, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("001.250kg\r\n"), data)
}

func TestReceiveSkipsEarlierData(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	require.True(t, r.Connect(context.Background(), testPort, ClassScale, ConnectOptions{}).OK)
	tr := opener.Last()

	tr.incoming <- []byte("old")
	require.Eventually(t, func() bool {
		return r.lookup(testPort).seq.Load() == 1
	}, time.Second, 5*time.Millisecond)

	_, err := r.Receive(context.Background(), testPort, 30*time.Millisecond)
	assert.True(t, IsTimeout(err))

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.incoming <- []byte("new")
	}()

	data, err := r.Receive(context.Background(), testPort, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestDisconnectWaitsForInFlightSend(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	require.True(t, r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{}).OK)
	tr := opener.Last()

	entered := make(chan struct{})
	release := make(chan struct{})
	tr.writeFn = func(p []byte) (int, error) {
		close(entered)
		<-release
		return len(p), nil
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- r.Send(testPort, []byte("receipt")) }()
	<-entered

	disconnected := make(chan DisconnectResult, 1)
	go func() { disconnected <- r.Disconnect(testPort) }()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), tr.closes.Load(), "transport closed during a write")
	select {
	case <-disconnected:
		t.Fatal("disconnect finished before the write returned")
	default:
	}

	close(release)
	require.NoError(t, <-sendErr)

	select {
	case res := <-disconnected:
		assert.True(t, res.OK)
	case <-time.After(time.Second):
		t.Fatal("disconnect did not finish")
	}
	assert.Equal(t, int32(1), tr.closes.Load())

	assert.True(t, IsNotConnected(r.Send(testPort, []byte("x"))))
}

func TestReceiveTimeout(t *testing.T) {
	r := newTestRegistry(&fakeOpener{})
	defer r.Close()

	require.True(t, r.Connect(context.Background(), testPort, ClassScale, ConnectOptions{}).OK)

	start := time.Now()
	_, err := r.Receive(context.Background(), testPort, 30*time.Millisecond)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReceiveUnblocksOnDisconnect(t *testing.T) {
	r := newTestRegistry(&fakeOpener{})
	defer r.Close()

	require.True(t, r.Connect(context.Background(), testPort, ClassScale, ConnectOptions{}).OK)

	errs := make(chan error, 1)
	go func() {
		_, err := r.Receive(context.Background(), testPort, 5*time.Second)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.Disconnect(testPort)

	select {
	case err := <-errs:
		assert.True(t, IsNotConnected(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Disconnect")
	}
}

func TestWatchdogReconnectsOnce(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	events, cancel := r.Subscribe(16)
	defer cancel()

	require.True(t, r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{BaudRate: 19200}).OK)
	waitForEvent(t, events, EventDeviceConnected)

	first := opener.Last()
	first.lost.Store(true)

	ev := waitForEvent(t, events, EventDeviceDisconnected)
	assert.Equal(t, testPort, ev.ID)
	assert.Equal(t, int32(1), first.closes.Load())

	ev = waitForEvent(t, events, EventDeviceConnected)
	require.NotNil(t, ev.Device)
	assert.Equal(t, 19200, ev.Device.Options.BaudRate)
	assert.Len(t, opener.Opened(), 2)
	assert.Equal(t, 1, r.WatcherCount(testPort))
	assert.Equal(t, int64(1), r.Metrics().Snapshot().Reconnects)
}

func TestWatchdogDoesNotRetryFailedReconnect(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener)
	defer r.Close()

	events, cancel := r.Subscribe(16)
	defer cancel()

	require.True(t, r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{}).OK)

	opener.mu.Lock()
	opener.fail = errPortBusy
	opener.mu.Unlock()
	opener.Last().lost.Store(true)

	waitForEvent(t, events, EventDeviceDisconnected)

	require.Eventually(t, func() bool {
		return opener.openers.Load() == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), opener.openers.Load())
	assert.Equal(t, 0, r.WatcherCount(testPort))
}

func TestWatchdogWithoutAutoConnect(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener, WithAutoConnect(func() bool { return false }))
	defer r.Close()

	events, cancel := r.Subscribe(16)
	defer cancel()

	require.True(t, r.Connect(context.Background(), testPort, ClassScale, ConnectOptions{}).OK)
	opener.Last().lost.Store(true)

	waitForEvent(t, events, EventDeviceDisconnected)
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, int32(1), opener.openers.Load())
	assert.Empty(t, r.Devices())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRegistry(opener, WithReconnectDelay(80*time.Millisecond))
	defer r.Close()

	events, cancel := r.Subscribe(16)
	defer cancel()

	require.True(t, r.Connect(context.Background(), testPort, ClassPrinter, ConnectOptions{}).OK)
	opener.Last().lost.Store(true)
	waitForEvent(t, events, EventDeviceDisconnected)

	r.Disconnect(testPort)
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(1), opener.openers.Load())
}

func TestAutoScan(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	r := newTestRegistry(&fakeOpener{}, WithDiscoverer(DiscovererFunc(func() ([]DiscoveredPort, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, nil
	})))
	defer r.Close()

	assert.False(t, r.IsScanning())
	r.StartAutoScan(10 * time.Millisecond)
	r.StartAutoScan(10 * time.Millisecond)
	assert.True(t, r.IsScanning())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, 5*time.Millisecond)

	r.StopAutoScan()
	assert.False(t, r.IsScanning())

	mu.Lock()
	stopped := calls
	mu.Unlock()
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, stopped, calls)
	mu.Unlock()
}

func TestSetEventHandler(t *testing.T) {
	r := newTestRegistry(&fakeOpener{})
	defer r.Close()

	got := make(chan EventType, 4)
	stop := r.SetEventHandler(func(ev Event) {
		got <- ev.Type
	})
	defer stop()

	r.Scan()

	select {
	case typ := <-got:
		assert.Equal(t, EventDevicesScanned, typ)
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}
