package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedSend(t *testing.T) {
	var buf bytes.Buffer
	n := NewSimulated(zerolog.New(&buf))

	res, err := n.Send(context.Background(), "+56912345678", "hello")
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.False(t, res.Delivered)
	assert.Contains(t, buf.String(), "****5678")
	assert.NotContains(t, buf.String(), "+56912345678")
}

func TestSimulatedSendCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSimulated(zerolog.Nop()).Send(ctx, "+56912345678", "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "****", maskPhone("123"))
	assert.Equal(t, "****4567", maskPhone("+1234567"))
}

// brokerConfirm resolves when the test decides the broker answered.
type brokerConfirm struct {
	ack chan bool
}

func (c *brokerConfirm) WaitContext(ctx context.Context) (bool, error) {
	select {
	case ack := <-c.ack:
		return ack, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

type published struct {
	msg     amqp.Publishing
	confirm *brokerConfirm
}

// fakeBroker hands every publish to the test over a channel.
type fakeBroker struct {
	publishes chan published
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{publishes: make(chan published, 4)}
}

func (b *fakeBroker) notifier() *RabbitMQNotifier {
	return &RabbitMQNotifier{
		queue: "whatsapp.outgoing",
		publish: func(ctx context.Context, msg amqp.Publishing) (confirmer, error) {
			c := &brokerConfirm{ack: make(chan bool, 1)}
			b.publishes <- published{msg: msg, confirm: c}
			return c, nil
		},
		close: func() error { return nil },
		log:   zerolog.Nop(),
	}
}

func TestRabbitMQSend_Acked(t *testing.T) {
	b := newFakeBroker()
	n := b.notifier()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := n.Send(context.Background(), "+56912345678", "see you monday")
		done <- outcome{res, err}
	}()
	p := <-b.publishes
	p.confirm.ack <- true

	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.Delivered)

	var body outgoingMessage
	require.NoError(t, json.Unmarshal(p.msg.Body, &body))
	assert.Equal(t, "+56912345678", body.To)
	assert.Equal(t, "see you monday", body.Message)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
}

func TestRabbitMQSend_LateAckDoesNotConfirmNextMessage(t *testing.T) {
	b := newFakeBroker()
	n := b.notifier()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := n.Send(ctx, "+56912345678", "first")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	first := <-b.publishes

	// the broker acks the abandoned publish and nacks the next one
	first.confirm.ack <- true
	done := make(chan error, 1)
	go func() {
		_, err := n.Send(context.Background(), "+56912345678", "second")
		done <- err
	}()
	second := <-b.publishes
	second.confirm.ack <- false

	err = <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not acknowledged")
}

func TestRabbitMQSend_PublishError(t *testing.T) {
	n := &RabbitMQNotifier{
		queue: "whatsapp.outgoing",
		publish: func(ctx context.Context, msg amqp.Publishing) (confirmer, error) {
			return nil, amqp.ErrClosed
		},
		log: zerolog.Nop(),
	}

	_, err := n.Send(context.Background(), "+56912345678", "hello")
	assert.ErrorIs(t, err, amqp.ErrClosed)

	_, err = n.Send(context.Background(), "", "hello")
	require.Error(t, err)
	assert.False(t, errors.Is(err, amqp.ErrClosed))
}
