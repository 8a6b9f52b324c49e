package devices

import (
	"sync"
	"time"
)

// EventType names a registry notification
type EventType string

const (
	EventDevicesScanned     EventType = "devicesScanned"
	EventScanError          EventType = "scanError"
	EventDeviceConnected    EventType = "deviceConnected"
	EventDeviceDisconnected EventType = "deviceDisconnected"
)

// Event is a registry notification. Only the fields relevant to Type are set.
type Event struct {
	Type    EventType        `json:"type"`
	Time    time.Time        `json:"time"`
	Devices []DetectedDevice `json:"devices,omitempty"`
	Device  *ConnectedDevice `json:"device,omitempty"`
	ID      string           `json:"id,omitempty"`
	Class   Class            `json:"class,omitempty"`
	Err     error            `json:"-"`
	Error   string           `json:"error,omitempty"`
}

// broker fans events out to subscriber channels in emission order. Sends
// never block: a full subscriber misses the event.
type broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	onDrop func(Event)
}

func newBroker(onDrop func(Event)) *broker {
	return &broker{
		subs:   make(map[int]chan Event),
		onDrop: onDrop,
	}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop(ev)
			}
		}
	}
}

func (b *broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
