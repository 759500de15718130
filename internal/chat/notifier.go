package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Result describes what happened to one message.
type Result struct {
	Delivered bool
	// Simulated is set when no transport is configured and the message was
	// only logged.
	Simulated bool
}

// Notifier sends a text message to a patient's phone.
type Notifier interface {
	Send(ctx context.Context, phone, message string) (Result, error)
}

// Simulated logs messages instead of sending them.
type Simulated struct {
	log zerolog.Logger
}

func NewSimulated(log zerolog.Logger) *Simulated {
	return &Simulated{log: log.With().Str("component", "chat").Logger()}
}

func (s *Simulated) Send(ctx context.Context, phone, message string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.log.Info().Str("to", maskPhone(phone)).Int("length", len(message)).Msg("chat message simulated")
	return Result{Simulated: true}, nil
}

// outgoingMessage is the body published to the WhatsApp gateway queue.
type outgoingMessage struct {
	To        string    `json:"to"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// confirmer is satisfied by *amqp.DeferredConfirmation.
type confirmer interface {
	WaitContext(ctx context.Context) (bool, error)
}

// RabbitMQNotifier hands messages to a WhatsApp gateway through a durable
// queue and waits for the broker to confirm each publish. Every publish gets
// its own deferred confirmation, so a Send that gives up early never leaves
// its ack behind for the next one.
type RabbitMQNotifier struct {
	queue   string
	publish func(ctx context.Context, msg amqp.Publishing) (confirmer, error)
	close   func() error
	log     zerolog.Logger
}

func NewRabbitMQNotifier(conn *amqp.Connection, queue string, log zerolog.Logger) (*RabbitMQNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &RabbitMQNotifier{
		queue: queue,
		publish: func(ctx context.Context, msg amqp.Publishing) (confirmer, error) {
			dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
			if err != nil {
				return nil, err
			}
			return dc, nil
		},
		close: ch.Close,
		log:   log.With().Str("component", "chat").Logger(),
	}, nil
}

func (n *RabbitMQNotifier) Send(ctx context.Context, phone, message string) (Result, error) {
	if phone == "" {
		return Result{}, errors.New("missing recipient phone")
	}
	body, err := json.Marshal(outgoingMessage{To: phone, Message: message, CreatedAt: time.Now().UTC()})
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat message: %w", err)
	}

	dc, err := n.publish(ctx, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return Result{}, fmt.Errorf("publish to %s: %w", n.queue, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("wait for confirm from %s: %w", n.queue, err)
	}
	if !acked {
		return Result{}, fmt.Errorf("publish to %s was not acknowledged", n.queue)
	}

	n.log.Debug().Str("to", maskPhone(phone)).Msg("chat message queued")
	return Result{Delivered: true}, nil
}

func (n *RabbitMQNotifier) Close() error {
	return n.close()
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
