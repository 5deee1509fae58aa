package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/near/borsh-go"

	"github.com/wippyai/wasm-actors/errors"
)

// Codec identifies a payload serialization by its multicodec code.
type Codec uint32

const (
	Borsh Codec = 0x701
	CBOR  Codec = 0x51
	JSON  Codec = 0x0200
)

// All lists the supported codecs in fallback order.
var All = []Codec{Borsh, CBOR, JSON}

func (c Codec) String() string {
	switch c {
	case Borsh:
		return "borsh"
	case CBOR:
		return "cbor"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("codec(0x%x)", uint32(c))
	}
}

func (c Codec) Valid() bool {
	return c == Borsh || c == CBOR || c == JSON
}

func (c Codec) IsBinary() bool { return c == Borsh || c == CBOR }

// Parse maps a codec name to a Codec.
func Parse(name string) (Codec, error) {
	for _, c := range All {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, errors.InvalidInput(errors.PhaseCodec, fmt.Sprintf("unsupported codec %q", name))
}

// FromCode maps a multicodec code to a Codec.
func FromCode(code uint64) (Codec, error) {
	c := Codec(code)
	if code > 0xffffffff || !c.Valid() {
		return 0, errors.InvalidInput(errors.PhaseCodec, fmt.Sprintf("unsupported codec 0x%x", code))
	}
	return c, nil
}

// Encode serializes v without a prefix.
func Encode(c Codec, v any) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case Borsh:
		out, err = borsh.Serialize(v)
	case CBOR:
		out, err = cbor.Marshal(v)
	case JSON:
		out, err = json.Marshal(v)
	default:
		return nil, errors.InvalidInput(errors.PhaseCodec, fmt.Sprintf("unsupported codec %s", c))
	}
	if err != nil {
		return nil, errors.Serialization("encode "+c.String(), err)
	}
	return out, nil
}

// Decode deserializes an unprefixed payload into v.
func Decode(c Codec, data []byte, v any) error {
	var err error
	switch c {
	case Borsh:
		err = borshDecode(data, v)
	case CBOR:
		err = cbor.Unmarshal(data, v)
	case JSON:
		err = json.Unmarshal(data, v)
	default:
		return errors.InvalidInput(errors.PhaseCodec, fmt.Sprintf("unsupported codec %s", c))
	}
	if err != nil {
		return errors.Serialization("decode "+c.String(), err)
	}
	return nil
}

// borshDecode guards against panics on malformed input.
func borshDecode(data []byte, v any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed borsh payload: %v", p)
		}
	}()
	return borsh.Deserialize(v, data)
}

// Prefix returns payload with c's unsigned varint code prepended.
func Prefix(c Codec, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen32+len(payload))
	out = binary.AppendUvarint(out, uint64(c))
	return append(out, payload...)
}

// SplitPrefix reads the varint code at the start of data.
func SplitPrefix(data []byte) (Codec, []byte, error) {
	code, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, errors.InvalidInput(errors.PhaseCodec, "missing or truncated multicodec prefix")
	}
	c, err := FromCode(code)
	if err != nil {
		return 0, nil, err
	}
	return c, data[n:], nil
}

// Marshal encodes v with c and prepends the multicodec prefix.
func Marshal(c Codec, v any) ([]byte, error) {
	payload, err := Encode(c, v)
	if err != nil {
		return nil, err
	}
	return Prefix(c, payload), nil
}

// Unmarshal reads the prefix of data and decodes the rest into v.
func Unmarshal(data []byte, v any) (Codec, error) {
	c, payload, err := SplitPrefix(data)
	if err != nil {
		return 0, err
	}
	return c, Decode(c, payload, v)
}

// Wellformed checks that data is a syntactically valid c payload.
// Borsh carries no self-description, so any Borsh payload passes.
func Wellformed(c Codec, data []byte) error {
	switch c {
	case Borsh:
		return nil
	case CBOR:
		if err := cbor.Wellformed(data); err != nil {
			return errors.Serialization("malformed cbor payload", err)
		}
		return nil
	case JSON:
		if !json.Valid(data) {
			return errors.Serialization("malformed json payload", nil)
		}
		return nil
	default:
		return errors.InvalidInput(errors.PhaseCodec, fmt.Sprintf("unsupported codec %s", c))
	}
}
