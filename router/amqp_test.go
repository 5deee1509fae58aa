package router

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/message"
)

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	bindings   []string
	published  []amqp.Publishing
	keys       []string
	deliveries chan amqp.Delivery
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name+"/"+kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if name == "" {
		name = "amq.gen-test"
	}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, key)
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

type fakeAck struct {
	mu     sync.Mutex
	acks   int
	nacks  int
	signal chan struct{}
}

func (a *fakeAck) Ack(uint64, bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	a.signal <- struct{}{}
	return nil
}

func (a *fakeAck) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	a.nacks++
	a.mu.Unlock()
	a.signal <- struct{}{}
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error { return nil }

func TestAMQPBindingKey(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
		wantErr bool
	}{
		{"orders.created", "orders.created", false},
		{"orders.*", "orders.*", false},
		{"orders.**", "orders.#", false},
		{"**.failed", "#.failed", false},
		{"orders.cre*", "", true},
		{"orders..x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := AMQPBindingKey(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("AMQPBindingKey(%q) = %q, want %q", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestAMQPBridgeForwardsPublishes(t *testing.T) {
	ch := &fakeChannel{}
	bridge, err := NewAMQPBridge(ch, AMQPConfig{Bindings: []string{"orders.**"}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if bridge.Queue() != "amq.gen-test" {
		t.Errorf("Queue() = %q", bridge.Queue())
	}
	if len(ch.bindings) != 1 || ch.bindings[0] != "orders.#" {
		t.Errorf("bindings = %v", ch.bindings)
	}
	if ch.exchanges[0] != "wasm-actors.topics/topic" {
		t.Errorf("exchanges = %v", ch.exchanges)
	}

	r, _ := newTestRouter(t, DefaultOptions())
	r.SetForwarder(bridge)
	if _, err := r.Publish(context.Background(), "shop", "orders.created",
		message.New(message.FireAndForget, "", "", codec.JSON, []byte(`{}`))); err != nil {
		t.Fatal(err)
	}

	if len(ch.published) != 1 || ch.keys[0] != "orders.created" {
		t.Fatalf("published = %d keys = %v", len(ch.published), ch.keys)
	}
	pub := ch.published[0]
	if pub.ContentType != "application/cbor" || pub.DeliveryMode != amqp.Persistent {
		t.Errorf("publishing = %+v", pub)
	}
	msg, err := message.Unmarshal(pub.Body)
	if err != nil {
		t.Fatal(err)
	}
	if msg.From != "shop" || msg.Topic != "orders.created" {
		t.Errorf("forwarded = %+v", msg)
	}
}

func TestAMQPBridgeDeliversRemotePublishes(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	bridge, err := NewAMQPBridge(ch, AMQPConfig{Queue: "node-b"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	r, reg := newTestRouter(t, DefaultOptions())
	box := &inbox{}
	register(t, reg, "audit", box)
	_, _ = r.Subscribe("audit", "orders.**")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx, r) }()

	ack := &fakeAck{signal: make(chan struct{}, 3)}
	remote := message.New(message.Publish, "shop", "", codec.JSON, []byte(`{}`)).WithTopic("orders.eu.created")
	body, _ := message.Marshal(remote)

	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: body, Headers: amqp.Table{originHeader: "node-a"}}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: body, Headers: amqp.Table{originHeader: bridge.origin}}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte("junk")}

	for i := 0; i < 3; i++ {
		select {
		case <-ack.signal:
		case <-time.After(time.Second):
			t.Fatal("delivery not acknowledged")
		}
	}
	cancel()
	<-done

	if got := box.received(); len(got) != 1 || got[0].Topic != "orders.eu.created" || got[0].To != "audit" {
		t.Errorf("received = %+v", got)
	}
	ack.mu.Lock()
	defer ack.mu.Unlock()
	if ack.acks != 2 || ack.nacks != 1 {
		t.Errorf("acks = %d nacks = %d", ack.acks, ack.nacks)
	}
}
