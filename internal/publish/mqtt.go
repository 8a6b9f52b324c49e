// Package publish mirrors device registry events to an MQTT broker
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/boracume/device-bridge/internal/devices"
	"github.com/boracume/device-bridge/internal/logging"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Client is the part of the paho client the publisher uses
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Connect dials the broker with automatic reconnects enabled
func Connect(brokerURL, clientID string) (mqtt.Client, error) {
	if clientID == "" {
		clientID = "boracume-bridge-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if err := awaitConnect(client, client.Connect(), brokerURL, connectTimeout); err != nil {
		return nil, err
	}

	return client, nil
}

// awaitConnect waits for the connect token. With connect retry on, paho
// keeps dialing in the background after a failed or slow first attempt, so
// the client is shut down before giving up on it.
func awaitConnect(client Client, token mqtt.Token, brokerURL string, timeout time.Duration) error {
	if ok := token.WaitTimeout(timeout); !ok {
		client.Disconnect(0)
		return fmt.Errorf("MQTT connection to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("MQTT connection to %s failed: %w", brokerURL, err)
	}
	return nil
}

// Message is the envelope every event is published in
type Message struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Event    devices.Event  `json:"event"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Publisher writes events as JSON to <prefix>/<event type>
type Publisher struct {
	client Client
	prefix string
	source string
	logger logging.Logger
}

// NewPublisher creates a publisher; source identifies this bridge instance
func NewPublisher(client Client, prefix, source string, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	return &Publisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		source: source,
		logger: logger,
	}
}

// Topic returns the topic an event type is published to
func (p *Publisher) Topic(t devices.EventType) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "/" + string(t)
}

// Publish sends one event with QoS 0 and waits for the client to accept it
func (p *Publisher) Publish(ev devices.Event) error {
	body, err := json.Marshal(Message{
		ID:     uuid.NewString(),
		Source: p.source,
		Event:  ev,
	})
	if err != nil {
		return err
	}

	tok := p.client.Publish(p.Topic(ev.Type), 0, false, body)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing %s timed out", ev.Type)
	}
	return tok.Error()
}

// Run publishes events until the channel closes or ctx is done. Failures
// are logged and never stop the loop.
func (p *Publisher) Run(ctx context.Context, events <-chan devices.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				p.logger.Warnf("failed to publish %s to MQTT: %s", ev.Type, err)
			}
		}
	}
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
