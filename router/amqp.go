package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/message"
)

const originHeader = "x-wasm-actors-origin"

// AMQPChannel is the subset of *amqp.Channel the bridge needs.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPConfig describes the topic exchange shared by runtimes.
type AMQPConfig struct {
	URL      string
	Exchange string
	// Queue is the local queue name; empty asks the broker for an exclusive one.
	Queue string
	// Bindings are topic patterns to receive from other runtimes.
	Bindings []string
}

// AMQPBridge forwards local publishes to a topic exchange and republishes
// messages from other runtimes to local subscribers.
type AMQPBridge struct {
	ch     AMQPChannel
	cfg    AMQPConfig
	queue  string
	origin string
	logger *zap.Logger
}

// NewAMQPBridge declares the exchange and the bound queue.
func NewAMQPBridge(ch AMQPChannel, cfg AMQPConfig, logger *zap.Logger) (*AMQPBridge, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "wasm-actors.topics"
	}
	if logger == nil {
		logger = Logger()
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(errors.PhaseRouter, errors.KindIO, err, "declare exchange "+cfg.Exchange)
	}

	exclusive := cfg.Queue == ""
	q, err := ch.QueueDeclare(cfg.Queue, !exclusive, exclusive, exclusive, false, nil)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRouter, errors.KindIO, err, "declare queue")
	}
	for _, pattern := range cfg.Bindings {
		key, err := AMQPBindingKey(pattern)
		if err != nil {
			return nil, err
		}
		if err := ch.QueueBind(q.Name, key, cfg.Exchange, false, nil); err != nil {
			return nil, errors.Wrap(errors.PhaseRouter, errors.KindIO, err, "bind "+key)
		}
	}

	return &AMQPBridge{
		ch:     ch,
		cfg:    cfg,
		queue:  q.Name,
		origin: uuid.NewString(),
		logger: logger,
	}, nil
}

// DialAMQP opens a connection and channel for cfg.URL. The caller closes both.
func DialAMQP(cfg AMQPConfig) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, errors.Wrap(errors.PhaseRouter, errors.KindIO, err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(errors.PhaseRouter, errors.KindIO, err, "open amqp channel")
	}
	return conn, ch, nil
}

// AMQPBindingKey converts a topic pattern to an AMQP topic binding key.
// Only whole-segment wildcards translate.
func AMQPBindingKey(pattern string) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	segs := strings.Split(pattern, ".")
	for i, s := range segs {
		switch {
		case s == "**":
			segs[i] = "#"
		case s == "*":
		case strings.ContainsAny(s, "*?[]{}\\"):
			return "", errors.InvalidInput(errors.PhaseRouter,
				fmt.Sprintf("pattern %s uses a partial-segment wildcard", pattern))
		}
	}
	return strings.Join(segs, "."), nil
}

// Queue returns the name of the consumed queue.
func (b *AMQPBridge) Queue() string { return b.queue }

// Forward publishes msg to the exchange under its topic.
func (b *AMQPBridge) Forward(ctx context.Context, msg message.Message) error {
	body, err := message.Marshal(msg)
	if err != nil {
		return err
	}
	err = b.ch.PublishWithContext(ctx, b.cfg.Exchange, msg.Topic, false, false, amqp.Publishing{
		Headers:       amqp.Table{originHeader: b.origin},
		ContentType:   "application/cbor",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Type:          msg.Kind.String(),
		Body:          body,
	})
	if err != nil {
		return errors.Wrap(errors.PhaseRouter, errors.KindIO, err, "publish "+msg.Topic)
	}
	return nil
}

// Run consumes the bridge queue and delivers each message to local
// subscribers until ctx ends. Messages this bridge published are skipped.
func (b *AMQPBridge) Run(ctx context.Context, r *Router) error {
	deliveries, err := b.ch.Consume(b.queue, "", false, b.cfg.Queue == "", false, false, nil)
	if err != nil {
		return errors.Wrap(errors.PhaseRouter, errors.KindIO, err, "consume "+b.queue)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			b.handle(ctx, r, d)
		}
	}
}

func (b *AMQPBridge) handle(ctx context.Context, r *Router, d amqp.Delivery) {
	if origin, _ := d.Headers[originHeader].(string); origin == b.origin {
		_ = d.Ack(false)
		return
	}

	msg, err := message.Unmarshal(d.Body)
	if err != nil || msg.Kind != message.Publish {
		b.logger.Warn("dropping malformed bridged message", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	res := r.fanOutLocal(ctx, msg)
	b.logger.Debug("bridged publish delivered",
		zap.String("topic", msg.Topic),
		zap.Int("delivered", len(res.Delivered)),
		zap.Int("failed", len(res.Failed)),
	)
	_ = d.Ack(false)
}
