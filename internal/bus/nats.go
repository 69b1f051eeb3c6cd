package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("bus: closed")

// NATSConfig holds connection settings for the NATS-backed bus.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSBus implements Bus over a NATS connection so multiple processes can
// share one agent network. Messages travel as JSON.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	subs   []*nats.Subscription
}

// NewNATSBus connects to NATS. Subjects are namespaced under prefix
// (default "arbnet").
func NewNATSBus(cfg NATSConfig, prefix string) (*NATSBus, error) {
	if prefix == "" {
		prefix = "arbnet"
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Name(prefix + "-bus"),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}
	log.Printf("[Bus] ✅ Connected to NATS at %s", cfg.URL)
	return &NATSBus{conn: conn, prefix: prefix}, nil
}

func (n *NATSBus) subject(topic string) string {
	return n.prefix + "." + topic
}

// Publish marshals msg and publishes it on the topic's subject.
func (n *NATSBus) Publish(topic string, msg AgentMessage) error {
	if n.conn.IsClosed() {
		return ErrBusClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return n.conn.Publish(n.subject(topic), data)
}

// Subscribe registers a handler for a topic. Undecodable frames are logged
// and dropped rather than killing the subscription.
func (n *NATSBus) Subscribe(topic string, handler Handler) error {
	if n.conn.IsClosed() {
		return ErrBusClosed
	}
	sub, err := n.conn.Subscribe(n.subject(topic), func(m *nats.Msg) {
		var msg AgentMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("[Bus] ⚠️ Dropping undecodable message on %s: %v", m.Subject, err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	n.subs = append(n.subs, sub)
	return nil
}

// Close drains all subscriptions and closes the connection.
func (n *NATSBus) Close() error {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.conn.Close()
	log.Println("[Bus] NATS connection closed")
	return nil
}
