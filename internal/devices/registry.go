package devices

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boracume/device-bridge/internal/logging"
	"github.com/boracume/device-bridge/internal/metrics"
)

const (
	DefaultOpenTimeout      = 10 * time.Second
	DefaultReceiveTimeout   = 5 * time.Second
	DefaultWatchdogInterval = 3 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
	DefaultScanInterval     = 5 * time.Second

	inboundQueueSize = 16
	readBufferSize   = 256
)

// Registry owns the connected serial devices, discovers candidate hardware
// and supervises every connection with a polling watchdog.
type Registry struct {
	catalog    *Catalog
	discoverer Discoverer
	opener     Opener
	logger     logging.Logger
	metrics    *metrics.Counters
	clock      metrics.Clock

	autoConnect      func() bool
	openTimeout      time.Duration
	receiveTimeout   time.Duration
	watchdogInterval time.Duration
	watchdogJitter   time.Duration
	reconnectDelay   time.Duration

	events *broker

	mu         sync.Mutex
	devices    map[string]*device
	watchers   map[string]*watcher
	connecting map[string]chan struct{}
	reconnects map[string]*time.Timer
	scanStop   chan struct{}
	scanDone   chan struct{}
}

type device struct {
	info      ConnectedDevice
	transport Transport

	// opMu fences writes against teardown: the transport is only closed
	// while holding it.
	opMu    sync.Mutex
	inbound chan inboundChunk
	done    chan struct{}

	// seq numbers inbound chunks in arrival order
	seq atomic.Uint64
}

type inboundChunk struct {
	seq  uint64
	data []byte
}

type watcher struct {
	stop chan struct{}
	done chan struct{}
}

// NewRegistry instantiates a registry, executing functional options, if any
func NewRegistry(options ...func(*Registry)) *Registry {
	r := &Registry{
		catalog:          DefaultCatalog(),
		discoverer:       SerialDiscoverer{},
		opener:           SerialOpener{},
		logger:           &logging.NullLogger{},
		clock:            metrics.SystemClock{},
		autoConnect:      func() bool { return true },
		openTimeout:      DefaultOpenTimeout,
		receiveTimeout:   DefaultReceiveTimeout,
		watchdogInterval: DefaultWatchdogInterval,
		reconnectDelay:   DefaultReconnectDelay,
		devices:          make(map[string]*device),
		watchers:         make(map[string]*watcher),
		connecting:       make(map[string]chan struct{}),
		reconnects:       make(map[string]*time.Timer),
	}

	for _, option := range options {
		option(r)
	}

	if r.metrics == nil {
		r.metrics = metrics.New(r.clock)
	}
	r.events = newBroker(func(ev Event) {
		r.logger.Warnf("event subscriber is full, dropped %s event", ev.Type)
	})

	return r
}

// Subscribe returns a channel receiving every registry event in emission
// order. A subscriber that falls more than buffer events behind misses
// events. Call cancel to unsubscribe; it closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.events.subscribe(buffer)
}

// SetEventHandler calls fn for every event from a dedicated goroutine until
// the returned cancel func is called.
func (r *Registry) SetEventHandler(fn func(Event)) func() {
	ch, cancel := r.Subscribe(64)
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()
	return cancel
}

// Scan lists the OS-visible ports and returns the ones that can be
// classified. It never fails: a discovery error yields an empty list and a
// scanError event.
func (r *Registry) Scan() []DetectedDevice {
	ports, err := r.discoverer.Ports()
	if err != nil {
		r.metrics.ScanFailed()
		r.logger.Warnf("device scan failed: %s", err)
		r.emit(Event{Type: EventScanError, Err: err, Error: err.Error()})
		return []DetectedDevice{}
	}

	detected := make([]DetectedDevice, 0, len(ports))
	for _, p := range ports {
		d, ok := r.catalog.Classify(p)
		if !ok {
			r.logger.Debugf("ignoring unrecognized port `%s` (%s:%s %q)", p.Path, p.VendorID, p.ProductID, p.Manufacturer)
			continue
		}
		detected = append(detected, d)
	}

	r.metrics.ScanCompleted()
	r.logger.Debugf("scan found %d of %d ports", len(detected), len(ports))
	r.emit(Event{Type: EventDevicesScanned, Devices: detected})

	return detected
}

// StartAutoScan scans immediately and then every interval until
// StopAutoScan is called. Starting an already running loop is a no-op.
func (r *Registry) StartAutoScan(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultScanInterval
	}

	r.mu.Lock()
	if r.scanStop != nil {
		r.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	r.scanStop, r.scanDone = stop, done
	r.mu.Unlock()

	go func() {
		defer close(done)

		r.Scan()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Scan()
			}
		}
	}()
}

// StopAutoScan stops the auto-scan loop and waits for a running pass
func (r *Registry) StopAutoScan() {
	r.mu.Lock()
	stop, done := r.scanStop, r.scanDone
	r.scanStop, r.scanDone = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// IsScanning reports whether the auto-scan loop is running
func (r *Registry) IsScanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanStop != nil
}

// Connect opens the port and registers it. Connecting an id that is already
// connected succeeds without reopening. Failures are reported in the result.
func (r *Registry) Connect(ctx context.Context, id string, class Class, opts ConnectOptions) ConnectResult {
	if _, ok := ParseClass(string(class)); !ok {
		err := &ConfigError{Field: "class", Err: errInvalidValue(class)}
		return ConnectResult{Message: "Unknown device type", Err: err}
	}

	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return ConnectResult{Message: err.Error(), Err: err}
	}

	claimed, existing, err := r.claim(ctx, id)
	if err != nil {
		return ConnectResult{Message: "Connection attempt cancelled", Err: err}
	}
	if existing != nil {
		return ConnectResult{OK: true, AlreadyConnected: true, Device: *existing, Message: "Device already connected"}
	}
	defer r.release(id, claimed)

	t, err := r.open(ctx, id, opts)
	if err != nil {
		r.metrics.ConnectFailed()
		r.logger.Warnf("failed to connect `%s`: %s", id, err)
		return ConnectResult{Message: connectFailureMessage(err), Err: err}
	}

	now := r.clock.Now()
	d := &device{
		info: ConnectedDevice{
			ID:             id,
			Class:          class,
			ConnectedAt:    now,
			LastActivityAt: now,
			Options:        opts,
		},
		transport: t,
		inbound:   make(chan inboundChunk, inboundQueueSize),
		done:      make(chan struct{}),
	}
	w := &watcher{stop: make(chan struct{}), done: make(chan struct{})}

	r.mu.Lock()
	r.devices[id] = d
	r.watchers[id] = w
	snapshot := d.info
	r.mu.Unlock()

	go r.readLoop(d)
	go r.watch(d, w)

	r.metrics.Connected()
	r.logger.Infof("connected %s `%s` at %d baud", class, id, opts.BaudRate)
	r.emit(Event{Type: EventDeviceConnected, Device: &snapshot, ID: id, Class: class})

	return ConnectResult{OK: true, Device: snapshot, Message: "Device connected"}
}

// Disconnect stops the device's watcher, closes its transport and forgets
// it. Unknown ids succeed trivially.
func (r *Registry) Disconnect(id string) DisconnectResult {
	r.cancelReconnect(id)

	d, w := r.detach(id)
	if d == nil {
		return DisconnectResult{OK: true, Message: "Device was not connected"}
	}

	err := r.teardown(d, w, false)
	r.metrics.Disconnected()
	r.emit(Event{Type: EventDeviceDisconnected, ID: id, Class: d.info.Class})

	if err != nil {
		r.logger.Warnf("closing `%s` reported: %s", id, err)
		return DisconnectResult{OK: true, Message: "Device disconnected, the port reported an error while closing", Err: err}
	}

	r.logger.Infof("disconnected `%s`", id)
	return DisconnectResult{OK: true, Message: "Device disconnected"}
}

// DisconnectAll disconnects every device concurrently, waits for all of
// them and stops the auto-scan loop.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	for id, t := range r.reconnects {
		t.Stop()
		delete(r.reconnects, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Disconnect(id)
		}(id)
	}
	wg.Wait()

	r.StopAutoScan()
}

// Close disconnects everything and closes all event subscriptions
func (r *Registry) Close() {
	r.DisconnectAll()
	r.events.closeAll()
}

// Send writes data to the device in one ordered write
func (r *Registry) Send(id string, data []byte) error {
	d := r.lookup(id)
	if d == nil {
		return &NotConnectedError{DeviceID: id}
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	select {
	case <-d.done:
		return &NotConnectedError{DeviceID: id}
	default:
	}
	if !d.transport.IsOpen() {
		return &NotConnectedError{DeviceID: id}
	}

	for written := 0; written < len(data); {
		n, err := d.transport.Write(data[written:])
		if err != nil {
			return &TransportError{Op: "write", DeviceID: id, Err: err}
		}
		if n == 0 {
			return &TransportError{Op: "write", DeviceID: id, Err: errors.New("transport accepted no bytes")}
		}
		written += n
	}

	r.touch(d)
	r.metrics.Sent(len(data))

	return nil
}

// Receive waits for the next chunk of inbound data arriving after the call;
// anything queued earlier is discarded. A timeout <= 0 uses the registry
// default.
func (r *Registry) Receive(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	d := r.lookup(id)
	if d == nil {
		return nil, &NotConnectedError{DeviceID: id}
	}

	c, err := r.receiveAfter(ctx, d, d.seq.Load(), timeout)
	if err != nil {
		return nil, err
	}
	return c.data, nil
}

// receiveAfter returns the first chunk numbered above after
func (r *Registry) receiveAfter(ctx context.Context, d *device, after uint64, timeout time.Duration) (inboundChunk, error) {
	id := d.info.ID
	if timeout <= 0 {
		timeout = r.receiveTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case c := <-d.inbound:
			if c.seq <= after {
				continue
			}
			r.touch(d)
			return c, nil
		case <-d.done:
			return inboundChunk{}, &NotConnectedError{DeviceID: id}
		case <-timer.C:
			return inboundChunk{}, &TimeoutError{Op: "receive", DeviceID: id, After: timeout}
		case <-ctx.Done():
			return inboundChunk{}, ctx.Err()
		}
	}
}

// Devices returns snapshots of all connected devices ordered by id
func (r *Registry) Devices() []ConnectedDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConnectedDevice, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return out
}

// Device returns the snapshot of one connected device
func (r *Registry) Device(id string) (ConnectedDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return ConnectedDevice{}, false
	}
	return d.info, true
}

// WatcherCount returns the number of watchdogs supervising id (0 or 1)
func (r *Registry) WatcherCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.watchers[id]; ok {
		return 1
	}
	return 0
}

// Metrics exposes the counters the registry reports into
func (r *Registry) Metrics() *metrics.Counters {
	return r.metrics
}

////////////////////////////////////////////////////////////////////////////////

// claim reserves id for a connect attempt. It returns the existing snapshot
// when id is already connected, and waits for a concurrent attempt on the
// same id to finish first.
func (r *Registry) claim(ctx context.Context, id string) (chan struct{}, *ConnectedDevice, error) {
	for {
		r.mu.Lock()
		if d, ok := r.devices[id]; ok {
			snapshot := d.info
			r.mu.Unlock()
			return nil, &snapshot, nil
		}

		pending, busy := r.connecting[id]
		if !busy {
			claimed := make(chan struct{})
			r.connecting[id] = claimed
			r.mu.Unlock()
			return claimed, nil, nil
		}
		r.mu.Unlock()

		select {
		case <-pending:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (r *Registry) release(id string, claimed chan struct{}) {
	r.mu.Lock()
	if r.connecting[id] == claimed {
		delete(r.connecting, id)
	}
	r.mu.Unlock()
	close(claimed)
}

type openResult struct {
	transport Transport
	err       error
}

// open runs the opener under the open timeout. A transport that shows up
// after the deadline is closed and discarded.
func (r *Registry) open(ctx context.Context, id string, opts ConnectOptions) (Transport, error) {
	results := make(chan openResult, 1)
	go func() {
		t, err := r.opener.Open(id, opts)
		results <- openResult{transport: t, err: err}
	}()

	timer := time.NewTimer(r.openTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			var te *TransportError
			if errors.As(res.err, &te) {
				return nil, res.err
			}
			return nil, &TransportError{Op: "open", DeviceID: id, Err: res.err}
		}
		if res.transport == nil || !res.transport.IsOpen() {
			if res.transport != nil {
				_ = res.transport.Close()
			}
			return nil, &TransportError{Op: "open", DeviceID: id, Err: errors.New("port did not report open")}
		}
		return res.transport, nil

	case <-timer.C:
		go r.discardLateOpen(id, results)
		return nil, &TimeoutError{Op: "open", DeviceID: id, After: r.openTimeout}

	case <-ctx.Done():
		go r.discardLateOpen(id, results)
		return nil, ctx.Err()
	}
}

func (r *Registry) discardLateOpen(id string, results <-chan openResult) {
	res := <-results
	if res.transport != nil {
		r.logger.Debugf("closing late transport for `%s`", id)
		_ = res.transport.Close()
	}
}

// detach removes the device and its watcher in one step, so exactly one
// caller tears a device down.
func (r *Registry) detach(id string) (*device, *watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, nil
	}
	w := r.watchers[id]
	delete(r.devices, id)
	delete(r.watchers, id)

	return d, w
}

// teardown stops the watcher before the transport is closed and waits for
// in-flight writes via opMu.
func (r *Registry) teardown(d *device, w *watcher, fromWatcher bool) error {
	if w != nil {
		close(w.stop)
		if !fromWatcher {
			<-w.done
		}
	}

	close(d.done)

	d.opMu.Lock()
	defer d.opMu.Unlock()

	return d.transport.Close()
}

func (r *Registry) watch(d *device, w *watcher) {
	defer close(w.done)

	for {
		timer := time.NewTimer(r.nextWatchdogTick())
		select {
		case <-w.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if d.transport.IsOpen() {
			continue
		}

		r.onLost(d, w)
		return
	}
}

func (r *Registry) nextWatchdogTick() time.Duration {
	if r.watchdogJitter <= 0 {
		return r.watchdogInterval
	}
	return r.watchdogInterval + time.Duration(rand.Int63n(int64(r.watchdogJitter)))
}

func (r *Registry) onLost(d *device, w *watcher) {
	id := d.info.ID

	r.mu.Lock()
	if r.devices[id] != d {
		r.mu.Unlock()
		return
	}
	delete(r.devices, id)
	delete(r.watchers, id)
	r.mu.Unlock()

	r.logger.Warnf("lost connection to `%s`", id)
	if err := r.teardown(d, w, true); err != nil {
		r.logger.Debugf("closing lost transport `%s` reported: %s", id, err)
	}
	r.metrics.Disconnected()

	// armed before the event goes out so a Disconnect reacting to it can
	// cancel the attempt
	if r.autoConnect() {
		r.scheduleReconnect(id, d.info.Class, d.info.Options)
	}
	r.emit(Event{Type: EventDeviceDisconnected, ID: id, Class: d.info.Class})
}

// scheduleReconnect arms the single automatic reconnect attempt; a failed
// attempt is not retried.
func (r *Registry) scheduleReconnect(id string, class Class, opts ConnectOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.reconnects[id]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(r.reconnectDelay, func() {
		r.mu.Lock()
		if r.reconnects[id] != timer {
			r.mu.Unlock()
			return
		}
		delete(r.reconnects, id)
		r.mu.Unlock()

		r.metrics.ReconnectAttempted()
		res := r.Connect(context.Background(), id, class, opts)
		if !res.OK {
			r.logger.Warnf("reconnect of `%s` failed: %s", id, res.Message)
			return
		}
		r.logger.Infof("reconnected `%s`", id)
	})
	r.reconnects[id] = timer

	r.logger.Infof("reconnecting `%s` in %s", id, r.reconnectDelay)
}

func (r *Registry) cancelReconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.reconnects[id]; ok {
		t.Stop()
		delete(r.reconnects, id)
	}
}

func (r *Registry) readLoop(d *device) {
	buf := make([]byte, readBufferSize)

	for {
		n, err := d.transport.Read(buf)
		if err != nil {
			select {
			case <-d.done:
			default:
				r.logger.Debugf("read from `%s` stopped: %s", d.info.ID, err)
			}
			return
		}

		if n == 0 {
			select {
			case <-d.done:
				return
			default:
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		chunk := inboundChunk{seq: d.seq.Add(1), data: data}

		select {
		case d.inbound <- chunk:
		case <-d.done:
			return
		default:
			// queue full, keep the newest data
			select {
			case <-d.inbound:
			default:
			}
			select {
			case d.inbound <- chunk:
			default:
			}
		}
	}
}

func (r *Registry) lookup(id string) *device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[id]
}

func (r *Registry) touch(d *device) {
	r.mu.Lock()
	d.info.LastActivityAt = r.clock.Now()
	r.mu.Unlock()
}

func (r *Registry) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = r.clock.Now()
	}
	r.events.publish(ev)
}

func connectFailureMessage(err error) string {
	var te *TimeoutError
	if errors.As(err, &te) {
		return fmt.Sprintf("The device did not answer within %s", te.After)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Connection attempt cancelled"
	}
	return fmt.Sprintf("Could not open the port: %s", err)
}
