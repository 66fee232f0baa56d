package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Message headers set on every published event so consumers can route or
// de-duplicate without decoding the payload.
const (
	HeaderOperationID = "Gridbase-Operation-Id"
	HeaderTables      = "Gridbase-Tables"
)

// subscriptionBuffer is the per-subscription channel capacity. Messages
// beyond it are dropped so a slow consumer never stalls the NATS client.
const subscriptionBuffer = 64

func connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes JSON-encoded events on NATS subjects named after
// their topic.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	nc, err := connect(url, append([]nats.Option{nats.Name("gridd")}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", topic, err)
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	if tables := TablesOf(event); len(tables) > 0 {
		msg.Header.Set(HeaderTables, strings.Join(tables, ","))
	}
	switch e := event.(type) {
	case ChangeBatch:
		msg.Header.Set(HeaderOperationID, e.OperationID)
	case *ChangeBatch:
		msg.Header.Set(HeaderOperationID, e.OperationID)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSSubscriber receives events from NATS subjects. Its connection retries
// forever when the server goes away.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NewNATSSubscriber connects to url. Extra options such as disconnect and
// reconnect handlers are applied after the reconnect defaults.
func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	base := []nats.Option{
		nats.Name("gridd-watch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := connect(url, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &NATSSubscriber{conn: nc}, nil
}

// subscription delivers payloads of one NATS subscription to a channel
// until it is canceled.
type subscription struct {
	ch chan []byte

	mu       sync.Mutex
	canceled bool
	sub      *nats.Subscription
}

func (s *subscription) deliver(msg *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	select {
	case s.ch <- msg.Data:
	default:
	}
}

// cancel unsubscribes and closes the channel. It is safe to call more than
// once and concurrently with deliver.
func (s *subscription) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	s.canceled = true
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	close(s.ch)
}

// Subscribe delivers raw payloads published on topic, which may use NATS
// wildcards such as TopicAll. The returned function cancels the
// subscription and closes the channel.
func (s *NATSSubscriber) Subscribe(topic string) (<-chan []byte, func(), error) {
	sub := &subscription{ch: make(chan []byte, subscriptionBuffer)}
	ns, err := s.conn.Subscribe(topic, sub.deliver)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	sub.mu.Lock()
	sub.sub = ns
	sub.mu.Unlock()

	// Messages from other connections are only routed once the server has
	// registered the interest.
	if err := s.conn.Flush(); err != nil {
		sub.cancel()
		return nil, nil, fmt.Errorf("flushing subscription to %s: %w", topic, err)
	}
	return sub.ch, sub.cancel, nil
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}

// DecodeBatch decodes a ChangeBatch payload received from a subscription.
func DecodeBatch(data []byte) (*ChangeBatch, error) {
	var b ChangeBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding change batch: %w", err)
	}
	return &b, nil
}
