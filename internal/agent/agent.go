// Package agent links the bridge to the BoraCumê cloud so the web app can
// drive devices on this machine. It keeps a WebSocket session open and falls
// back to HTTP polling when the socket is unavailable.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/boracume/device-bridge/internal/config"
	"github.com/boracume/device-bridge/internal/logging"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultHeartbeat     = 30 * time.Second
	fallbackPollDuration = 45 * time.Second
	maxBackoff           = 20 * time.Second
	apiPrefix            = "/api/bridge/agent"
)

type IncomingMessage struct {
	Type    string          `json:"type"`
	JobID   string          `json:"job_id,omitempty"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OutgoingMessage struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type pullCommandsResponse struct {
	Success bool              `json:"success"`
	Data    []IncomingMessage `json:"data"`
}

// Settings is the cloud link configuration
type Settings struct {
	ServerURL    string
	WebSocketURL string
	Token        string
	AgentID      string
	DeviceName   string
	TenantID     string
	Heartbeat    time.Duration
}

// SettingsFrom copies the cloud fields out of cfg
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		ServerURL:    strings.TrimSpace(cfg.ServerURL),
		WebSocketURL: strings.TrimSpace(cfg.WebSocketURL),
		Token:        strings.TrimSpace(cfg.AgentToken),
		AgentID:      cfg.AgentID,
		DeviceName:   cfg.DeviceName,
		TenantID:     cfg.TenantID,
		Heartbeat:    time.Duration(cfg.HeartbeatSeconds) * time.Second,
	}
}

type Agent struct {
	settings Settings
	bridge   Bridge
	logger   logging.Logger
	client   *http.Client

	pollInterval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Agent
type Option func(*Agent)

// WithHTTPClient replaces http.DefaultClient for heartbeat and polling
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) {
		a.client = c
	}
}

// WithPollInterval sets how often commands are pulled in HTTP mode
func WithPollInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.pollInterval = d
	}
}

func New(settings Settings, b Bridge, logger logging.Logger, options ...Option) *Agent {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	if settings.Heartbeat <= 0 {
		settings.Heartbeat = defaultHeartbeat
	}

	a := &Agent{
		settings:     settings,
		bridge:       b,
		logger:       logger,
		client:       http.DefaultClient,
		pollInterval: defaultPollInterval,
	}
	for _, option := range options {
		option(a)
	}

	return a
}

func (a *Agent) Start(parent context.Context) error {
	if a.running.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop(ctx)
	}()

	return nil
}

func (a *Agent) Stop() {
	if !a.running.Load() {
		return
	}

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()
	a.running.Store(false)
}

func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

func (a *Agent) loop(ctx context.Context) {
	if a.settings.Token == "" {
		a.logger.Warnf("no agent token, cloud link disabled; run `boracume-bridge configure --token=...`")
		<-ctx.Done()
		return
	}

	if a.settings.ServerURL == "" && a.settings.WebSocketURL == "" {
		a.logger.Warnf("neither serverUrl nor websocketUrl is set, cloud link disabled")
		<-ctx.Done()
		return
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		if a.settings.WebSocketURL != "" {
			err = a.runSession(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warnf("websocket session ended: %s", err)
			}

			if ctx.Err() != nil {
				return
			}

			if a.settings.ServerURL != "" {
				a.logger.Infof("falling back to HTTP polling")
				err = a.runHTTPPolling(ctx, fallbackPollDuration)
			}
		} else {
			err = a.runHTTPPolling(ctx, 0)
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warnf("cloud link failed: %s", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (a *Agent) runHTTPPolling(ctx context.Context, maxDuration time.Duration) error {
	if a.settings.ServerURL == "" {
		return fmt.Errorf("no serverUrl for HTTP polling")
	}

	pollTicker := time.NewTicker(a.pollInterval)
	heartbeatTicker := time.NewTicker(a.settings.Heartbeat)
	defer pollTicker.Stop()
	defer heartbeatTicker.Stop()

	if err := a.heartbeat(ctx); err != nil {
		a.logger.Warnf("HTTP heartbeat failed: %s", err)
	}

	var timeout <-chan time.Time
	if maxDuration > 0 {
		timer := time.NewTimer(maxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-timeout:
			return nil
		case <-heartbeatTicker.C:
			if err := a.heartbeat(ctx); err != nil {
				a.logger.Warnf("HTTP heartbeat failed: %s", err)
			}
		case <-pollTicker.C:
			commands, err := a.pullCommands(ctx)
			if err != nil {
				return err
			}

			for _, message := range commands {
				result, execErr := a.executeCommand(ctx, commandName(message), message.Payload)
				if reportErr := a.reportCommandResult(ctx, message.JobID, result, execErr); reportErr != nil {
					a.logger.Warnf("failed to report job %s: %s", message.JobID, reportErr)
				}
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	request, err := a.newAPIRequest(ctx, http.MethodPost, apiPrefix+"/heartbeat", nil)
	if err != nil {
		return err
	}

	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		return statusError("heartbeat", response)
	}

	return nil
}

func (a *Agent) pullCommands(ctx context.Context) ([]IncomingMessage, error) {
	request, err := a.newAPIRequest(ctx, http.MethodGet, apiPrefix+"/commands/next?limit=5", nil)
	if err != nil {
		return nil, err
	}

	response, err := a.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		return nil, statusError("pull commands", response)
	}

	var parsed pullCommandsResponse
	if err = json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	if !parsed.Success {
		return nil, fmt.Errorf("pull commands returned success=false")
	}

	return parsed.Data, nil
}

func (a *Agent) reportCommandResult(ctx context.Context, jobID string, result map[string]any, execErr error) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("missing job_id")
	}

	payload := map[string]any{}
	if execErr != nil {
		payload["status"] = "failed"
		payload["error"] = execErr.Error()
	} else {
		payload["status"] = "completed"
		payload["result"] = result
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	request, err := a.newAPIRequest(ctx, http.MethodPost, apiPrefix+"/commands/"+jobID+"/result", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		return statusError("report result", response)
	}

	a.logJob(jobID, execErr)

	return nil
}

func (a *Agent) newAPIRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	base := strings.TrimRight(a.settings.ServerURL, "/")
	if base == "" {
		return nil, fmt.Errorf("serverUrl is empty")
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	request, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}

	a.setAuthHeaders(request.Header)

	return request, nil
}

func (a *Agent) setAuthHeaders(h http.Header) {
	h.Set("Authorization", "Bearer "+a.settings.Token)
	h.Set("X-Agent-ID", a.settings.AgentID)
	h.Set("X-Agent-Name", a.settings.DeviceName)
	if strings.TrimSpace(a.settings.TenantID) != "" {
		h.Set("X-Tenant-ID", a.settings.TenantID)
	}
}

// runSession holds one WebSocket session. Commands, heartbeats and device
// events are all written from this goroutine; gorilla connections allow a
// single concurrent writer.
func (a *Agent) runSession(ctx context.Context) error {
	headers := http.Header{}
	a.setAuthHeaders(headers)

	conn, response, err := websocket.DefaultDialer.DialContext(ctx, a.settings.WebSocketURL, headers)
	if err != nil {
		if response != nil {
			return fmt.Errorf("websocket dial failed (http %d): %w", response.StatusCode, err)
		}

		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	a.logger.Infof("connected to cloud websocket %s", a.settings.WebSocketURL)

	if err = conn.WriteJSON(a.outgoing("auth", "", map[string]any{
		"device_name": a.settings.DeviceName,
	})); err != nil {
		return err
	}

	events, unsubscribe := a.bridge.Subscribe(32)
	defer unsubscribe()

	heartbeatTicker := time.NewTicker(a.settings.Heartbeat)
	defer heartbeatTicker.Stop()

	readErrors := make(chan error, 1)
	readMessages := make(chan IncomingMessage, 8)

	go func() {
		for {
			var message IncomingMessage
			if readErr := conn.ReadJSON(&message); readErr != nil {
				readErrors <- readErr
				return
			}

			readMessages <- message
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteJSON(OutgoingMessage{Type: "status", AgentID: a.settings.AgentID, Status: "offline"})
			return context.Canceled
		case err = <-readErrors:
			return err
		case message := <-readMessages:
			if err = a.handleIncoming(ctx, conn, message); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err = conn.WriteJSON(a.outgoing("device_event", "", map[string]any{"event": ev})); err != nil {
				return err
			}
		case <-heartbeatTicker.C:
			if err = conn.WriteJSON(a.outgoing("heartbeat", "", nil)); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) handleIncoming(ctx context.Context, conn *websocket.Conn, message IncomingMessage) error {
	messageType := strings.ToLower(strings.TrimSpace(message.Type))
	command := commandName(message)

	switch {
	case messageType == "ping" || command == "ping":
		return conn.WriteJSON(a.outgoing("pong", message.JobID, nil))

	case messageType == "command":
		result, err := a.executeCommand(ctx, command, message.Payload)
		out := a.outgoing("command_result", message.JobID, nil)

		if err != nil {
			out.Status = "failed"
			out.Error = err.Error()
		} else {
			out.Status = "completed"
			out.Data = result
		}
		a.logJob(message.JobID, err)

		return conn.WriteJSON(out)
	}

	a.logger.Debugf("ignoring cloud message of type %q", message.Type)
	return nil
}

// outgoing stamps a message; messages without a job get a fresh id so the
// cloud can deduplicate them.
func (a *Agent) outgoing(kind, jobID string, data map[string]any) OutgoingMessage {
	out := OutgoingMessage{
		Type:      kind,
		AgentID:   a.settings.AgentID,
		JobID:     jobID,
		Status:    "online",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	if jobID == "" {
		out.ID = uuid.NewString()
	}
	return out
}

func (a *Agent) logJob(jobID string, err error) {
	if err != nil {
		a.logger.Warnf("job %s failed: %s", jobID, err)
		return
	}
	a.logger.Infof("job %s completed", jobID)
}

func commandName(message IncomingMessage) string {
	return strings.ToLower(strings.TrimSpace(message.Command))
}

func statusError(op string, response *http.Response) error {
	body, _ := io.ReadAll(response.Body)
	return fmt.Errorf("%s status %d: %s", op, response.StatusCode, strings.TrimSpace(string(body)))
}
