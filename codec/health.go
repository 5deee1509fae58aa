package codec

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/near/borsh-go"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/errors"
)

type reasonOnly struct {
	Reason string
}

// healthBorsh is the Borsh enum layout: u8 variant tag, then the variant's fields.
// Variant order matches wasmactors.HealthState.
type healthBorsh struct {
	Enum      borsh.Enum `borsh_enum:"true"`
	Healthy   struct{}
	Degraded  reasonOnly
	Unhealthy reasonOnly
	Unknown   struct{}
}

type healthCBOR struct {
	Status string `cbor:"status"`
	Reason string `cbor:"reason,omitempty"`
}

// EncodeHealth serializes h with c, prefixed.
func EncodeHealth(c Codec, h wasmactors.HealthStatus) ([]byte, error) {
	switch c {
	case Borsh:
		v := healthBorsh{Enum: borsh.Enum(h.State)}
		switch h.State {
		case wasmactors.HealthDegraded:
			v.Degraded.Reason = h.Reason
		case wasmactors.HealthUnhealthy:
			v.Unhealthy.Reason = h.Reason
		}
		return Marshal(c, v)
	case CBOR:
		return Marshal(c, healthCBOR{Status: h.State.String(), Reason: h.Reason})
	default:
		return Marshal(c, h)
	}
}

// DecodeHealth decodes a component's _health output.
//
// A recognized multicodec prefix wins. Otherwise declared is tried first and the
// remaining codecs after it, in All order.
func DecodeHealth(data []byte, declared Codec) (wasmactors.HealthStatus, error) {
	if len(data) == 0 {
		return wasmactors.HealthStatus{}, errors.InvalidInput(errors.PhaseCodec, "empty health payload")
	}

	if c, payload, err := SplitPrefix(data); err == nil {
		if h, err := decodeHealthAs(c, payload); err == nil {
			return h, nil
		}
	}

	order := make([]Codec, 0, len(All))
	if declared.Valid() {
		order = append(order, declared)
	}
	for _, c := range All {
		if c != declared {
			order = append(order, c)
		}
	}

	var errs []error
	for _, c := range order {
		h, err := decodeHealthAs(c, data)
		if err == nil {
			return h, nil
		}
		errs = append(errs, err)
	}
	return wasmactors.HealthStatus{}, errors.Serialization("health payload matched no codec", stderrors.Join(errs...))
}

func decodeHealthAs(c Codec, data []byte) (wasmactors.HealthStatus, error) {
	switch c {
	case Borsh:
		if err := checkBorshHealth(data); err != nil {
			return wasmactors.HealthStatus{}, err
		}
		var v healthBorsh
		if err := Decode(c, data, &v); err != nil {
			return wasmactors.HealthStatus{}, err
		}
		st := wasmactors.HealthState(v.Enum)
		switch st {
		case wasmactors.HealthDegraded:
			return wasmactors.Degraded(v.Degraded.Reason), nil
		case wasmactors.HealthUnhealthy:
			return wasmactors.Unhealthy(v.Unhealthy.Reason), nil
		default:
			return wasmactors.HealthStatus{State: st}, nil
		}

	case CBOR:
		var v healthCBOR
		if err := Decode(c, data, &v); err != nil {
			return wasmactors.HealthStatus{}, err
		}
		st, ok := wasmactors.ParseHealthState(v.Status)
		if !ok {
			return wasmactors.HealthStatus{}, fmt.Errorf("cbor: unknown health status %q", v.Status)
		}
		return wasmactors.HealthStatus{State: st, Reason: v.Reason}, nil

	default:
		var h wasmactors.HealthStatus
		err := Decode(c, data, &h)
		return h, err
	}
}

// checkBorshHealth validates the exact layout before decoding so a foreign
// payload cannot trigger a large length-prefixed allocation.
func checkBorshHealth(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("borsh: empty")
	}
	switch wasmactors.HealthState(data[0]) {
	case wasmactors.HealthHealthy, wasmactors.HealthUnknown:
		if len(data) != 1 {
			return fmt.Errorf("borsh: %d trailing bytes", len(data)-1)
		}
	case wasmactors.HealthDegraded, wasmactors.HealthUnhealthy:
		if len(data) < 5 {
			return fmt.Errorf("borsh: truncated reason")
		}
		if n := binary.LittleEndian.Uint32(data[1:5]); uint64(n)+5 != uint64(len(data)) {
			return fmt.Errorf("borsh: reason length %d does not match payload", n)
		}
	default:
		return fmt.Errorf("borsh: invalid health variant %d", data[0])
	}
	return nil
}
