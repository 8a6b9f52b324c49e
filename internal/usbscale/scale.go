package usbscale

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boracume/device-bridge/internal/logging"
	"github.com/boracume/device-bridge/internal/metrics"
)

// DefaultPollInterval is the delay between two transfer-in requests
const DefaultPollInterval = 100 * time.Millisecond

// ErrAlreadyReading is returned by StartReading while a loop is running
var ErrAlreadyReading = errors.New("scale is already reading")

// Endpoint delivers raw frames from a scale
type Endpoint interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Scale polls an endpoint and decodes its frames
type Scale struct {
	brand    Brand
	endpoint Endpoint

	interval    time.Duration
	readTimeout time.Duration
	clock       metrics.Clock
	metrics     *metrics.Counters
	logger      logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *Reading
}

// WithPollInterval sets the polling interval
func WithPollInterval(d time.Duration) func(*Scale) {
	return func(s *Scale) {
		s.interval = d
	}
}

// WithClock sets the clock used to stamp readings
func WithClock(c metrics.Clock) func(*Scale) {
	return func(s *Scale) {
		s.clock = c
	}
}

// WithMetrics counts every emitted reading
func WithMetrics(m *metrics.Counters) func(*Scale) {
	return func(s *Scale) {
		s.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) func(*Scale) {
	return func(s *Scale) {
		s.logger = l
	}
}

// NewScale wraps an already opened endpoint
func NewScale(brand Brand, endpoint Endpoint, options ...func(*Scale)) *Scale {
	s := &Scale{
		brand:       brand,
		endpoint:    endpoint,
		interval:    DefaultPollInterval,
		readTimeout: time.Second,
		clock:       metrics.SystemClock{},
		logger:      &logging.NullLogger{},
	}

	for _, option := range options {
		option(s)
	}

	return s
}

// Brand returns the matched scale model
func (s *Scale) Brand() Brand {
	return s.brand
}

// StartReading polls the endpoint until StopReading. fn is called from the
// polling goroutine for every valid frame; read failures and invalid frames
// are skipped silently.
func (s *Scale) StartReading(fn func(Reading)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyReading
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			r, err := s.poll(ctx)
			if err != nil || r == nil {
				continue
			}
			fn(*r)
		}
	}()

	return nil
}

// StopReading ends the polling loop and waits for it to exit
func (s *Scale) StopReading() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsReading reports whether the polling loop runs
func (s *Scale) IsReading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// ReadOnce performs a single transfer-in. A frame that does not decode
// yields a nil reading and no error.
func (s *Scale) ReadOnce(ctx context.Context) (*Reading, error) {
	return s.poll(ctx)
}

// Last returns the most recent valid reading, if any
func (s *Scale) Last() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil {
		return Reading{}, false
	}
	return *s.last, true
}

// Close stops reading and releases the endpoint
func (s *Scale) Close() error {
	s.StopReading()
	return s.endpoint.Close()
}

func (s *Scale) poll(ctx context.Context) (*Reading, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	frame, err := s.endpoint.ReadFrame(readCtx)
	if err != nil {
		return nil, err
	}

	r := Decode(frame)
	if r == nil {
		return nil, nil
	}
	r.Timestamp = s.clock.Now()

	s.mu.Lock()
	last := *r
	s.last = &last
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WeightRead()
	}

	return r, nil
}
