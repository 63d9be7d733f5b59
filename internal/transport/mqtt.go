package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte

	ConnTimeout time.Duration
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each payload as one message on a fixed topic, for radio
// stacks that ingest through a local broker.
type MQTT struct {
	topic  string
	qos    byte
	pub    publisher
	client mqtt.Client
}

func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d out of range", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rsu-par"
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnTimeout) {
		// ConnectRetry keeps trying in the background; sends fail until then.
		return &MQTT{topic: cfg.Topic, qos: cfg.QoS, pub: client, client: client}, nil
	}
	if err := tok.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return &MQTT{topic: cfg.Topic, qos: cfg.QoS, pub: client, client: client}, nil
}

// Send publishes payload and waits for the broker acknowledgement (or the
// local write for QoS 0) until ctx ends.
func (m *MQTT) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if m.client != nil && !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected")
	}
	tok := m.pub.Publish(m.topic, m.qos, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", m.topic, ctx.Err())
	}
}

func (m *MQTT) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

func (m *MQTT) String() string {
	return "mqtt:" + m.topic
}
