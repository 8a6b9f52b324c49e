package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/stopwatch"
)

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// Counters holds the bridge's process-lifetime counters. The zero value is
// not usable, use New.
type Counters struct {
	clock     Clock
	startedAt time.Time

	scans           atomic.Int64
	scanErrors      atomic.Int64
	connects        atomic.Int64
	connectFailures atomic.Int64
	disconnects     atomic.Int64
	reconnects      atomic.Int64
	bytesSent       atomic.Int64
	printJobs       atomic.Int64
	printFailures   atomic.Int64
	weightReadings  atomic.Int64

	mu                sync.Mutex
	lastScanAt        time.Time
	lastPrintDuration time.Duration
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Uptime            time.Duration `json:"uptime"`
	Scans             int64         `json:"scans"`
	ScanErrors        int64         `json:"scanErrors"`
	Connects          int64         `json:"connects"`
	ConnectFailures   int64         `json:"connectFailures"`
	Disconnects       int64         `json:"disconnects"`
	Reconnects        int64         `json:"reconnects"`
	BytesSent         int64         `json:"bytesSent"`
	PrintJobs         int64         `json:"printJobs"`
	PrintFailures     int64         `json:"printFailures"`
	WeightReadings    int64         `json:"weightReadings"`
	LastScanAt        time.Time     `json:"lastScanAt"`
	LastPrintDuration time.Duration `json:"lastPrintDuration"`
}

// New creates counters; a nil clock means the system clock
func New(clock Clock) *Counters {
	if clock == nil {
		clock = SystemClock{}
	}

	return &Counters{
		clock:     clock,
		startedAt: clock.Now(),
	}
}

func (c *Counters) ScanCompleted() {
	c.scans.Add(1)

	c.mu.Lock()
	c.lastScanAt = c.clock.Now()
	c.mu.Unlock()
}

func (c *Counters) ScanFailed() {
	c.scanErrors.Add(1)
}

func (c *Counters) Connected() {
	c.connects.Add(1)
}

func (c *Counters) ConnectFailed() {
	c.connectFailures.Add(1)
}

func (c *Counters) Disconnected() {
	c.disconnects.Add(1)
}

func (c *Counters) ReconnectAttempted() {
	c.reconnects.Add(1)
}

func (c *Counters) Sent(n int) {
	c.bytesSent.Add(int64(n))
}

func (c *Counters) WeightRead() {
	c.weightReadings.Add(1)
}

// StartPrint starts timing a print job; call the returned func with the
// job's outcome once it finished.
func (c *Counters) StartPrint() func(err error) {
	sw := stopwatch.Start(0)

	return func(err error) {
		sw.Stop()

		if err != nil {
			c.printFailures.Add(1)
		} else {
			c.printJobs.Add(1)
		}

		c.mu.Lock()
		c.lastPrintDuration = sw.ElapsedTime()
		c.mu.Unlock()
	}
}

func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	lastScanAt := c.lastScanAt
	lastPrintDuration := c.lastPrintDuration
	c.mu.Unlock()

	return Snapshot{
		Uptime:            c.clock.Now().Sub(c.startedAt),
		Scans:             c.scans.Load(),
		ScanErrors:        c.scanErrors.Load(),
		Connects:          c.connects.Load(),
		ConnectFailures:   c.connectFailures.Load(),
		Disconnects:       c.disconnects.Load(),
		Reconnects:        c.reconnects.Load(),
		BytesSent:         c.bytesSent.Load(),
		PrintJobs:         c.printJobs.Load(),
		PrintFailures:     c.printFailures.Load(),
		WeightReadings:    c.weightReadings.Load(),
		LastScanAt:        lastScanAt,
		LastPrintDuration: lastPrintDuration,
	}
}
