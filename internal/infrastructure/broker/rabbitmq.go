// Package broker publishes and consumes batch.finalized events over RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tierqueue-backend/internal/domain"
	"tierqueue-backend/internal/pkg/retry"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Handler receives decoded events. Returning an error drops the message.
type Handler func(ctx context.Context, ev domain.BatchFinalized) error

// RabbitMQ holds one connection and a publishing channel bound to a durable queue.
type RabbitMQ struct {
	conn  *amqp.Connection
	queue string

	mu  sync.Mutex
	pub *amqp.Channel
}

// Dial connects with retries and declares the queue.
func Dial(ctx context.Context, url, queue string) (*RabbitMQ, error) {
	if url == "" {
		return nil, errors.New("broker: RABBITMQ_URL is empty")
	}
	var conn *amqp.Connection
	policy := retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("broker: connect failed, retrying")
		},
	}
	err := policy.Do(ctx, func(context.Context) error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if _, err := declare(ch, queue); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("queue", queue).Msg("broker: connected to RabbitMQ")
	return &RabbitMQ{conn: conn, queue: queue, pub: ch}, nil
}

func declare(ch *amqp.Channel, queue string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return q, fmt.Errorf("broker: declare queue %s: %w", queue, err)
	}
	return q, nil
}

// PublishBatchFinalized sends ev as a persistent JSON message.
func (r *RabbitMQ) PublishBatchFinalized(ctx context.Context, ev domain.BatchFinalized) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: marshal event: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err = r.pub.PublishWithContext(ctx,
		"",      // exchange
		r.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.BatchID.String(),
			Timestamp:    ev.FinishedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// Consume delivers events to h until ctx is cancelled or the channel closes.
func (r *RabbitMQ) Consume(ctx context.Context, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("broker: qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx,
		r.queue,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("broker: consume: %w", err)
	}

	log.Info().Str("queue", r.queue).Msg("broker: consumer running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("broker: delivery channel closed")
			}
			handleDelivery(ctx, msg, h)
		}
	}
}

func handleDelivery(ctx context.Context, msg amqp.Delivery, h Handler) {
	var ev domain.BatchFinalized
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		log.Warn().Err(err).Msg("broker: dropping undecodable message")
		_ = msg.Nack(false, false)
		return
	}
	if err := h(ctx, ev); err != nil {
		log.Error().Err(err).Str("batch_id", ev.BatchID.String()).Msg("broker: handler failed")
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}

// Close closes the publishing channel and the connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pub != nil {
		_ = r.pub.Close()
	}
	return r.conn.Close()
}
