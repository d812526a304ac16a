package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const RabbitMQActionHeader string = "x-action"

const DefaultExchange = "fuelq.chat.push"

// RabbitMQBus fans deliveries out through a fanout exchange, each node
// consuming from its own exclusive queue.
type RabbitMQBus struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	log      *logrus.Entry

	mu       sync.RWMutex
	handlers []Handler
	pubMu    sync.Mutex
	done     chan struct{}
}

func RabbitMQConnect(url, exchange string, log *logrus.Entry) (*RabbitMQBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	log.Info("connection opened to RabbitMQ server")

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		true,     // durable
		false,    // delete when unused
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	queue, err := ch.QueueDeclare(
		"",    // name, server generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare a RabbitMQ queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", queue.Name, err)
	}

	msgs, err := ch.Consume(
		queue.Name, // queue
		"",         // consumer
		false,      // auto-ack
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}

	b := &RabbitMQBus{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		queue:    queue.Name,
		log:      log.WithField("queue", queue.Name),
		done:     make(chan struct{}),
	}
	go b.consume(msgs)

	b.log.Info("subscribed to RabbitMQ push exchange")
	return b, nil
}

func (b *RabbitMQBus) consume(msgs <-chan amqp.Delivery) {
	defer close(b.done)

	for msg := range msgs {
		action, _ := msg.Headers[RabbitMQActionHeader].(string)

		var d Delivery
		if err := json.Unmarshal(msg.Body, &d); err != nil {
			b.log.WithError(err).WithField("action", action).Warn("dropping undecodable delivery")
			_ = msg.Ack(false)
			continue
		}

		b.mu.RLock()
		handlers := b.handlers
		b.mu.RUnlock()
		for _, h := range handlers {
			h(d)
		}

		if err := msg.Ack(false); err != nil {
			b.log.WithError(err).Warn("failed to ack delivery")
		}
	}
}

func (b *RabbitMQBus) Publish(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// amqp channels are not safe for concurrent publishers.
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = b.channel.PublishWithContext(
		ctx,
		b.exchange, // exchange
		"",         // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Transient,
			ContentType:  "application/json",
			Headers: amqp.Table{
				RabbitMQActionHeader: string(d.Action),
			},
			Body: body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", d.Action, err)
	}
	return nil
}

func (b *RabbitMQBus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *RabbitMQBus) Close() error {
	err := errors.Join(b.channel.Close(), b.conn.Close())
	<-b.done
	return err
}
