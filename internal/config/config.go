package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	DefaultScanIntervalMs     = 5000
	DefaultRetryAttempts      = 3
	DefaultWatchdogIntervalMs = 3000
	DefaultReconnectDelayMs   = 2000
	DefaultHeartbeatSeconds   = 30
	DefaultAPIListen          = "127.0.0.1:7410"
	DefaultMQTTTopicPrefix    = "boracume/devices"
)

// SavedDevice is a device binding remembered between runs
type SavedDevice struct {
	ID          string `json:"id"`
	Class       string `json:"class,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	BaudRate    int    `json:"baudRate,omitempty"`
	DataBits    int    `json:"dataBits,omitempty"`
	StopBits    int    `json:"stopBits,omitempty"`
	Parity      string `json:"parity,omitempty"`
}

type DeviceBindings struct {
	Printers []SavedDevice `json:"printers"`
	Scales   []SavedDevice `json:"scales"`
}

type APIConfig struct {
	Listen string `json:"listen"`
}

type MQTTConfig struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"clientId"`
	TopicPrefix string `json:"topicPrefix"`
}

type Config struct {
	AutoConnect  bool `json:"autoConnect"`
	ScanInterval int  `json:"scanInterval"`
	// RetryAttempts is persisted for compatibility; reconnect performs a single attempt.
	RetryAttempts    int            `json:"retryAttempts"`
	Devices          DeviceBindings `json:"devices"`
	WatchdogInterval int            `json:"watchdogInterval"`
	ReconnectDelay   int            `json:"reconnectDelay"`

	ServerURL        string `json:"serverUrl"`
	WebSocketURL     string `json:"websocketUrl"`
	AgentToken       string `json:"agentToken"`
	AgentID          string `json:"agentId,omitempty"`
	DeviceName       string `json:"deviceName,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	HeartbeatSeconds int    `json:"heartbeatSeconds"`

	API   APIConfig  `json:"api"`
	MQTT  MQTTConfig `json:"mqtt"`
	Debug bool       `json:"debug"`
}

// Error reports a config file that could not be read, parsed or written
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Warner is the subset of a logger the config bootstrap reports through
type Warner interface {
	Warnf(format string, args ...interface{})
}

func Default() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		AutoConnect:      true,
		ScanInterval:     DefaultScanIntervalMs,
		RetryAttempts:    DefaultRetryAttempts,
		Devices:          DeviceBindings{Printers: []SavedDevice{}, Scales: []SavedDevice{}},
		WatchdogInterval: DefaultWatchdogIntervalMs,
		ReconnectDelay:   DefaultReconnectDelayMs,
		ServerURL:        "https://app.boracume.com.br",
		WebSocketURL:     "wss://app.boracume.com.br/bridge/ws",
		DeviceName:       hostname,
		HeartbeatSeconds: DefaultHeartbeatSeconds,
		API:              APIConfig{Listen: DefaultAPIListen},
		MQTT:             MQTTConfig{TopicPrefix: DefaultMQTTTopicPrefix},
	}
}

// InitializeConfig makes sure a config file exists at path, writing the
// defaults when it does not, and returns the effective configuration.
func InitializeConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if errSave := Save(path, cfg); errSave != nil {
			return cfg, errSave
		}
		return cfg, nil
	}

	return Load(path)
}

// LoadOrCreateDefault never fails: any read or write problem is reported
// through w and the in-memory defaults are used instead.
func LoadOrCreateDefault(path string, w Warner) *Config {
	cfg, err := InitializeConfig(path)
	if err != nil {
		if w != nil {
			w.Warnf("using in-memory default configuration: %s", err)
		}
		if cfg == nil {
			cfg = Default()
		}
	}

	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "read", Path: path, Err: err}
	}

	cfg := Default()
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Op: "parse", Path: path, Err: err}
	}

	cfg.normalize()

	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return &Error{Op: "encode", Path: path, Err: err}
	}

	if err = os.WriteFile(path, data, 0o600); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}

	return nil
}

// Remember stores a device binding, replacing an existing one with the same id
func (c *Config) Remember(d SavedDevice) {
	c.Forget(d.ID)

	if strings.EqualFold(d.Class, "scale") {
		c.Devices.Scales = append(c.Devices.Scales, d)
		return
	}
	c.Devices.Printers = append(c.Devices.Printers, d)
}

// Forget drops any binding for id
func (c *Config) Forget(id string) {
	c.Devices.Printers = withoutID(c.Devices.Printers, id)
	c.Devices.Scales = withoutID(c.Devices.Scales, id)
}

// SavedDevices lists printers first, then scales
func (c *Config) SavedDevices() []SavedDevice {
	out := make([]SavedDevice, 0, len(c.Devices.Printers)+len(c.Devices.Scales))
	out = append(out, c.Devices.Printers...)
	return append(out, c.Devices.Scales...)
}

func (c *Config) normalize() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanIntervalMs
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = DefaultWatchdogIntervalMs
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelayMs
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if strings.TrimSpace(c.API.Listen) == "" {
		c.API.Listen = DefaultAPIListen
	}
	if strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
		c.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if c.Devices.Printers == nil {
		c.Devices.Printers = []SavedDevice{}
	}
	if c.Devices.Scales == nil {
		c.Devices.Scales = []SavedDevice{}
	}
}

func withoutID(list []SavedDevice, id string) []SavedDevice {
	out := list[:0]
	for _, d := range list {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}

func Dir() string {
	programData := os.Getenv("ProgramData")
	if runtime.GOOS == "windows" {
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return filepath.Join(programData, "BoraCumeBridge")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}

	return filepath.Join(configDir, "boracume-bridge")
}

func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

func Path() string {
	return filepath.Join(Dir(), "config.json")
}

// CatalogPath is the optional YAML file with additional known devices
func CatalogPath() string {
	return filepath.Join(Dir(), "devices.yaml")
}
