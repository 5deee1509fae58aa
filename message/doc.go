// Package message defines the envelope routed between components.
//
// A Message carries an opaque payload tagged with its codec. Requests carry a
// correlation id that their Response repeats:
//
//	req := message.NewRequest("cli", "billing", codec.JSON, payload)
//	resp := req.Reply(codec.JSON, result)
//
// Marshal and Unmarshal encode the envelope itself as CBOR when it leaves the
// process, for example on the AMQP bridge.
package message
