// Package notify fans permanent delivery failures out to a message broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/xiaot623/rpbridge/internal/domain"
)

// Publisher defines the interface for publishing messages to RabbitMQ.
type Publisher interface {
	Publish(exchange string, body []byte) error
}

// AMQPPublisher publishes to a durable fanout exchange. A connection or
// channel lost to a broker restart is re-established on the next Publish.
type AMQPPublisher struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	closed   chan *amqp.Error
	declared map[string]bool
}

// NewAMQPPublisher creates a new AMQPPublisher and connects to RabbitMQ.
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: amqpURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect replaces the current connection. Callers hold p.mu except during
// construction.
func (p *AMQPPublisher) connect() error {
	p.teardown()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open amqp channel: %w", err)
	}
	p.conn = conn
	p.channel = ch
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	// Declarations do not survive a new channel on a restarted broker.
	p.declared = make(map[string]bool)
	return nil
}

func (p *AMQPPublisher) teardown() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) open() bool {
	if p.conn == nil || p.channel == nil || p.conn.IsClosed() {
		return false
	}
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

// Publish publishes a message to the given exchange. A publish that fails
// because the channel closed underneath it is retried once on a fresh
// connection.
func (p *AMQPPublisher) Publish(exchange string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open() {
		if err := p.connect(); err != nil {
			return err
		}
	}
	err := p.publish(exchange, body)
	if err == nil {
		return nil
	}
	if !errors.Is(err, amqp.ErrClosed) && p.open() {
		return err
	}
	if rerr := p.connect(); rerr != nil {
		return fmt.Errorf("publish failed: %v; reconnect: %w", err, rerr)
	}
	return p.publish(exchange, body)
}

func (p *AMQPPublisher) publish(exchange string, body []byte) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
			return err
		}
		p.declared[exchange] = true
	}
	return p.channel.Publish(
		exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Close closes the RabbitMQ connection and channel.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardown()
}

// FailureNotifier publishes failed_permanently delivery events. Other event
// types are ignored. Events are buffered and published by Run so a slow or
// flow-controlled broker never stalls the dispatcher.
type FailureNotifier struct {
	publisher Publisher
	exchange  string
	events    chan domain.DeliveryEvent
	log       *logrus.Entry
}

// NewFailureNotifier creates a notifier publishing to exchange.
func NewFailureNotifier(publisher Publisher, exchange string, log *logrus.Entry) *FailureNotifier {
	return &FailureNotifier{
		publisher: publisher,
		exchange:  exchange,
		events:    make(chan domain.DeliveryEvent, 64),
		log:       log,
	}
}

// OnDeliveryEvent implements the dispatcher observer. It never blocks; events
// are dropped when the buffer is full. The delivery itself stays recorded as
// failed in the store either way.
func (n *FailureNotifier) OnDeliveryEvent(_ context.Context, event domain.DeliveryEvent) {
	if event.Type != domain.DeliveryEventFailedPermanently {
		return
	}
	select {
	case n.events <- event:
	default:
		n.log.WithField("session_id", event.SessionID).Warn("failure notifications saturated, dropping event")
	}
}

// Run publishes buffered events until ctx is cancelled.
func (n *FailureNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.events:
			n.publish(event)
		}
	}
}

func (n *FailureNotifier) publish(event domain.DeliveryEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		n.log.WithError(err).Error("failed to encode delivery event")
		return
	}
	if err := n.publisher.Publish(n.exchange, body); err != nil {
		n.log.WithError(err).WithField("session_id", event.SessionID).Error("failed to publish delivery failure")
	}
}
