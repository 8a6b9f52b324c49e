package devices

import (
	"strings"
	"time"
)

// Class denotes the kind of hardware behind a serial port
type Class string

const (
	ClassPrinter Class = "printer"
	ClassScale   Class = "scale"
)

// ParseClass accepts the class names used in config files and API payloads
func ParseClass(s string) (Class, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "printer", "impressora":
		return ClassPrinter, true
	case "scale", "balanca", "balança":
		return ClassScale, true
	default:
		return "", false
	}
}

// KnownDevice is one row of the compiled-in hardware identity table
type KnownDevice struct {
	VendorID    string `json:"vendorId" yaml:"vendorId"`
	ProductID   string `json:"productId" yaml:"productId"`
	DisplayName string `json:"displayName" yaml:"displayName"`
	ProtocolTag string `json:"protocolTag" yaml:"protocolTag"`
	Class       Class  `json:"class" yaml:"class"`
}

// DiscoveredPort is a serial port as reported by the operating system
type DiscoveredPort struct {
	Path         string `json:"path"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// MatchRule records how a port was classified
type MatchRule string

const (
	MatchByID           MatchRule = "id"
	MatchByManufacturer MatchRule = "manufacturer"
)

// DetectedDevice is a discovered port that could be classified
type DetectedDevice struct {
	Port        DiscoveredPort `json:"port"`
	Class       Class          `json:"class"`
	DisplayName string         `json:"displayName"`
	ProtocolTag string         `json:"protocolTag,omitempty"`
	MatchedBy   MatchRule      `json:"matchedBy"`
}

// Parity of a serial line
type Parity string

const (
	ParityNone  Parity = "none"
	ParityOdd   Parity = "odd"
	ParityEven  Parity = "even"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

const (
	DefaultBaudRate = 9600
	DefaultDataBits = 8
	DefaultStopBits = 1
)

// ConnectOptions are the serial line parameters; zero values take the defaults
type ConnectOptions struct {
	BaudRate int    `json:"baudRate,omitempty"`
	DataBits int    `json:"dataBits,omitempty"`
	StopBits int    `json:"stopBits,omitempty"`
	Parity   Parity `json:"parity,omitempty"`
}

// WithDefaults fills every unset field with 9600 8N1
func (o ConnectOptions) WithDefaults() ConnectOptions {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits <= 0 {
		o.DataBits = DefaultDataBits
	}
	if o.StopBits <= 0 {
		o.StopBits = DefaultStopBits
	}
	if o.Parity == "" {
		o.Parity = ParityNone
	}
	o.Parity = Parity(strings.ToLower(string(o.Parity)))

	return o
}

// Validate checks options that went through WithDefaults
func (o ConnectOptions) Validate() error {
	if o.DataBits < 5 || o.DataBits > 8 {
		return &ConfigError{Field: "dataBits", Err: errInvalidValue(o.DataBits)}
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return &ConfigError{Field: "stopBits", Err: errInvalidValue(o.StopBits)}
	}
	switch o.Parity {
	case ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
	default:
		return &ConfigError{Field: "parity", Err: errInvalidValue(o.Parity)}
	}

	return nil
}

// ConnectedDevice is a snapshot of a registered connection
type ConnectedDevice struct {
	ID             string         `json:"id"`
	Class          Class          `json:"class"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Options        ConnectOptions `json:"options"`
}

// ConnectResult reports the outcome of Connect; Message is suitable for display
type ConnectResult struct {
	OK               bool            `json:"ok"`
	AlreadyConnected bool            `json:"alreadyConnected,omitempty"`
	Device           ConnectedDevice `json:"device,omitempty"`
	Message          string          `json:"message"`
	Err              error           `json:"-"`
}

// DisconnectResult reports the outcome of Disconnect
type DisconnectResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}
