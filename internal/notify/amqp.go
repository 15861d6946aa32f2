package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// publisher is the part of an AMQP channel the sink uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a connection and a channel with the exchange declared.
type dialFunc func(url, exchange string) (publisher, func() error, error)

// AMQPSink publishes every event as JSON to a topic exchange, routed by
// event kind. The connection is opened lazily and reopened after a failure.
type AMQPSink struct {
	url      string
	exchange string
	dial     dialFunc
	log      *logrus.Entry

	mu        sync.Mutex
	ch        publisher
	closeConn func() error
}

// NewAMQPSink creates a sink for the broker at url.
func NewAMQPSink(url, exchange string, log *logrus.Entry) *AMQPSink {
	return &AMQPSink{
		url:      url,
		exchange: exchange,
		dial:     dialAMQP,
		log:      log.WithField("sink", "amqp"),
	}
}

func dialAMQP(url, exchange string) (publisher, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return ch, conn.Close, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		ch, closeConn, err := s.dial(s.url, s.exchange)
		if err != nil {
			return err
		}
		s.ch, s.closeConn = ch, closeConn
		s.log.WithField("exchange", s.exchange).Info("Connected to broker")
	}

	err = s.ch.Publish(s.exchange, string(e.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		Body:         body,
	})
	if err != nil {
		s.reset()
		return fmt.Errorf("failed to publish %s: %w", e.Kind, err)
	}
	return nil
}

func (s *AMQPSink) reset() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.closeConn != nil {
		s.closeConn()
	}
	s.ch, s.closeConn = nil, nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
