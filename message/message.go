package message

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/errors"
)

// Kind classifies a message by its delivery pattern.
type Kind uint8

const (
	FireAndForget Kind = iota
	Request
	Response
	Publish
	HealthCheck
)

func (k Kind) String() string {
	switch k {
	case FireAndForget:
		return "fire_and_forget"
	case Request:
		return "request"
	case Response:
		return "response"
	case Publish:
		return "publish"
	case HealthCheck:
		return "health_check"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ExpectsResponse is true only for requests.
func (k Kind) ExpectsResponse() bool { return k == Request }

// IsOneWay is true for fire-and-forget and publish messages.
func (k Kind) IsOneWay() bool { return k == FireAndForget || k == Publish }

// DefaultExport is invoked when a message does not name an export.
const DefaultExport = "handle"

// Message is the envelope routed between components.
// The payload is opaque to the router; Codec says how to read it.
type Message struct {
	ID            string                 `cbor:"1,keyasint" json:"id"`
	Kind          Kind                   `cbor:"2,keyasint" json:"kind"`
	From          wasmactors.ComponentID `cbor:"3,keyasint,omitempty" json:"from,omitempty"`
	To            wasmactors.ComponentID `cbor:"4,keyasint,omitempty" json:"to,omitempty"`
	Topic         string                 `cbor:"5,keyasint,omitempty" json:"topic,omitempty"`
	Export        string                 `cbor:"6,keyasint,omitempty" json:"export,omitempty"`
	Codec         codec.Codec            `cbor:"7,keyasint" json:"codec"`
	Payload       []byte                 `cbor:"8,keyasint,omitempty" json:"payload,omitempty"`
	CorrelationID string                 `cbor:"9,keyasint,omitempty" json:"correlation_id,omitempty"`
	Error         string                 `cbor:"10,keyasint,omitempty" json:"error,omitempty"`
	Timestamp     time.Time              `cbor:"11,keyasint" json:"timestamp"`
	ErrorKind     errors.Kind            `cbor:"12,keyasint,omitempty" json:"error_kind,omitempty"`
}

// New creates a message with a fresh id and the current time.
func New(kind Kind, from, to wasmactors.ComponentID, c codec.Codec, payload []byte) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		From:      from,
		To:        to,
		Codec:     c,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Encode builds a message whose payload is v encoded with c.
func Encode(kind Kind, from, to wasmactors.ComponentID, c codec.Codec, v any) (Message, error) {
	payload, err := codec.Encode(c, v)
	if err != nil {
		return Message{}, err
	}
	return New(kind, from, to, c, payload), nil
}

// NewRequest creates a request with a fresh correlation id.
func NewRequest(from, to wasmactors.ComponentID, c codec.Codec, payload []byte) Message {
	m := New(Request, from, to, c, payload)
	m.CorrelationID = uuid.NewString()
	return m
}

// NewHealthCheck creates a health check message addressed to to.
func NewHealthCheck(to wasmactors.ComponentID) Message {
	return New(HealthCheck, "", to, codec.JSON, nil)
}

// WithTopic returns a copy of m addressed to topic.
func (m Message) WithTopic(topic string) Message {
	m.Topic = topic
	return m
}

// WithExport returns a copy of m targeting export.
func (m Message) WithExport(export string) Message {
	m.Export = export
	return m
}

// TargetExport returns the export to invoke, defaulting to DefaultExport.
func (m Message) TargetExport() string {
	if m.Export == "" {
		return DefaultExport
	}
	return m.Export
}

// Reply builds the response to request m.
func (m Message) Reply(c codec.Codec, payload []byte) Message {
	r := New(Response, m.To, m.From, c, payload)
	r.CorrelationID = m.CorrelationID
	return r
}

// Fail builds an error response to request m. The kind of err travels with
// the response so the requester can match it with errors.Is.
func (m Message) Fail(err error) Message {
	r := New(Response, m.To, m.From, m.Codec, nil)
	r.CorrelationID = m.CorrelationID
	r.Error = err.Error()
	r.ErrorKind = errors.KindOf(err)
	return r
}

// Err rebuilds the error carried by an error response, or returns nil.
// Responses without a kind are reported as execution traps.
func (m Message) Err() error {
	if m.Error == "" {
		return nil
	}
	kind := m.ErrorKind
	if kind == "" {
		kind = errors.KindExecutionTrap
	}
	return errors.New(errors.PhaseActor, kind).
		Component(string(m.From)).
		Detail("%s", m.Error).
		Build()
}

// Decode reads the payload into v using the message codec.
func (m Message) Decode(v any) error {
	return codec.Decode(m.Codec, m.Payload, v)
}

// Validate checks the fields required by the message kind.
func (m Message) Validate() error {
	if m.ID == "" {
		return errors.InvalidInput(errors.PhaseRouter, "message id is empty")
	}
	if !m.Codec.Valid() {
		return errors.InvalidInput(errors.PhaseRouter, fmt.Sprintf("message %s has unsupported codec %s", m.ID, m.Codec))
	}
	switch m.Kind {
	case Request, Response:
		if m.CorrelationID == "" {
			return errors.InvalidInput(errors.PhaseRouter, fmt.Sprintf("%s %s without correlation id", m.Kind, m.ID))
		}
	case Publish:
		if m.Topic == "" {
			return errors.InvalidInput(errors.PhaseRouter, fmt.Sprintf("publish %s without topic", m.ID))
		}
	case FireAndForget, HealthCheck:
	default:
		return errors.InvalidInput(errors.PhaseRouter, fmt.Sprintf("message %s has unknown kind %d", m.ID, m.Kind))
	}
	return nil
}

var envelopeMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Marshal encodes the whole envelope as CBOR for transport off-process.
func Marshal(m Message) ([]byte, error) {
	data, err := envelopeMode.Marshal(m)
	if err != nil {
		return nil, errors.Serialization("encode message", err)
	}
	return data, nil
}

// Unmarshal decodes an envelope produced by Marshal and validates it.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Serialization("decode message", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
