package devices

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

type fakeTransport struct {
	mu      sync.Mutex
	written []byte
	replies [][]byte
	writeFn func(p []byte) (int, error)

	incoming chan []byte
	closing  chan struct{}
	closed   atomic.Bool
	lost     atomic.Bool
	closes   atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		closing:  make(chan struct{}),
	}
}

func (t *fakeTransport) Read(p []byte) (int, error) {
	select {
	case data := <-t.incoming:
		return copy(p, data), nil
	case <-t.closing:
		return 0, io.EOF
	}
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	if t.writeFn != nil {
		return t.writeFn(p)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, p...)
	for _, reply := range t.replies {
		t.incoming <- reply
	}
	t.replies = nil
	return len(p), nil
}

// ReplyWith queues chunks the device sends back after the next write
func (t *fakeTransport) ReplyWith(chunks ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range chunks {
		t.replies = append(t.replies, []byte(c))
	}
}

func (t *fakeTransport) IsOpen() bool {
	return !t.closed.Load() && !t.lost.Load()
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	if !t.closed.Swap(true) {
		close(t.closing)
	}
	return nil
}

func (t *fakeTransport) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.written...)
}

// fakeOpener hands out a fresh fakeTransport per Open and remembers them
type fakeOpener struct {
	mu      sync.Mutex
	opened  []*fakeTransport
	fail    error
	block   chan struct{}
	openers atomic.Int32
}

func (o *fakeOpener) Open(path string, opts ConnectOptions) (Transport, error) {
	o.openers.Add(1)
	if o.block != nil {
		<-o.block
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return nil, o.fail
	}

	t := newFakeTransport()
	o.opened = append(o.opened, t)

	return t, nil
}

func (o *fakeOpener) Opened() []*fakeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeTransport(nil), o.opened...)
}

func (o *fakeOpener) Last() *fakeTransport {
	opened := o.Opened()
	if len(opened) == 0 {
		return nil
	}
	return opened[len(opened)-1]
}

var errPortBusy = errors.New("port busy")
