// Package events publishes transfer lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is implemented by types that can publish events
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close()
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is unavailable at startup
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	log.Printf("[EVENTS] Broker unavailable, skipped %s on %s", routingKey, exchange)
	return nil
}

func (p *EventProducerFallback) Close() {}

// EventProducer holds the AMQP connection and channel for publishing
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

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

func NewEventProducer(amqpURL string) (*EventProducer, error) {
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

	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// NewPublisher connects to the broker, falling back to a no-op publisher when
// the URL is empty or the broker cannot be reached
func NewPublisher(amqpURL string) Publisher {
	if amqpURL == "" {
		return &EventProducerFallback{}
	}
	producer, err := NewEventProducer(amqpURL)
	if err != nil {
		log.Printf("[EVENTS] Failed to connect to RabbitMQ, using fallback: %v", err)
		return &EventProducerFallback{}
	}
	return producer
}

// Publish declares the durable topic exchange on first use and sends body as JSON
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
		p.declared[exchange] = true
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	})
	if err != nil {
		return err
	}

	log.Printf("[EVENTS] Published %s to %s", routingKey, exchange)
	return nil
}

func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
