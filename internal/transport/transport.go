// Package transport delivers discrete broadcast messages to the radio stack.
// Every Send is one message of exactly len(payload) bytes.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Transport is a discrete-message channel.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

const (
	KindUDP    = "udp"
	KindSysVMQ = "sysvmq"
	KindMQTT   = "mqtt"
)

type Config struct {
	Kind string

	// udp
	Dest string

	// sysvmq
	Key   int
	MType int

	// mqtt
	Broker      string
	Topic       string
	ClientID    string
	QoS         byte
	ConnTimeout time.Duration
}

// Open returns the transport selected by cfg.Kind.
func Open(cfg Config) (Transport, error) {
	var (
		t   Transport
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindUDP:
		var u *UDP
		u, err = NewUDP(cfg.Dest)
		t = u
	case KindSysVMQ:
		var q *Queue
		q, err = OpenQueue(cfg.Key, cfg.MType)
		t = q
	case KindMQTT:
		var m *MQTT
		m, err = DialMQTT(MQTTConfig{
			Broker:      cfg.Broker,
			Topic:       cfg.Topic,
			ClientID:    cfg.ClientID,
			QoS:         cfg.QoS,
			ConnTimeout: cfg.ConnTimeout,
		})
		t = m
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
