package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Routing keys published by the service.
const (
	KeyOperationCommitted = "ledger.operation.committed"
	KeySessionCompleted   = "payment.session.completed"
	KeySessionFailed      = "payment.session.failed"
	KeyCreditFailed       = "payment.credit_failed"
	KeyCommissionSettled  = "commission.settled"
)

// Publisher is implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
	Close()
}

// Producer publishes JSON events to a durable topic exchange.
type Producer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// Fallback is a no-op publisher used when RabbitMQ is not configured or unreachable.
type Fallback struct{}

func (Fallback) Publish(ctx context.Context, routingKey string, body interface{}) error {
	log.Debug().Str("routing_key", routingKey).Msg("event publish skipped, broker not configured")
	return nil
}

func (Fallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewProducer dials the broker and declares exchange.
func NewProducer(amqpURL, exchange string) (*Producer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	log.Info().Str("exchange", exchange).Msg("Connected to RabbitMQ")
	return &Producer{conn: conn, channel: ch, exchange: exchange}, nil
}

// NewPublisher returns a Producer, or Fallback when amqpURL is empty or the
// broker cannot be reached. Events are best effort; the ledger is the record.
func NewPublisher(amqpURL, exchange string) Publisher {
	if strings.TrimSpace(amqpURL) == "" {
		log.Warn().Msg("AMQP URL not configured, events disabled")
		return Fallback{}
	}
	p, err := NewProducer(amqpURL, exchange)
	if err != nil {
		log.Warn().Err(err).Msg("RabbitMQ unavailable, events disabled")
		return Fallback{}
	}
	return p
}

func declare(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// Publish sends body as JSON with routingKey. A failed publish reopens the
// channel once and retries.
func (p *Producer) Publish(ctx context.Context, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	log.Warn().Err(err).Str("routing_key", routingKey).Msg("publish failed, reopening channel")
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	if err := declare(ch, p.exchange); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close closes the channel and connection.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
