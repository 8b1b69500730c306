package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SchemaVersion is the current wire schema version. Envelopes carrying a
// different version are rejected at decode time rather than silently coerced.
const SchemaVersion = 1

// Kind tags the payload type inside an Envelope.
type Kind string

const (
	KindRequest      Kind = "request"
	KindReply        Kind = "reply"
	KindContext      Kind = "context"
	KindProgressInfo Kind = "progress_info"
	KindPrinterList  Kind = "printer_list"
	KindPresence     Kind = "presence"
)

// Envelope is the versioned outer frame for every cross-device payload.
type Envelope struct {
	Version int             `cbor:"v"`
	Kind    Kind            `cbor:"kind"`
	Payload cbor.RawMessage `cbor:"payload"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode wraps payload in a versioned envelope and serializes it.
func Encode(kind Kind, payload any) ([]byte, error) {
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	data, err := encMode.Marshal(Envelope{
		Version: SchemaVersion,
		Kind:    kind,
		Payload: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return data, nil
}

// Decode parses and validates the outer envelope. The payload stays raw until
// the caller knows which type to decode it into.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d", env.Version)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("envelope missing kind")
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("envelope missing payload")
	}
	return &env, nil
}

// DecodePayload decodes the envelope payload into dst and runs dst's field
// validation when it provides any.
func (e *Envelope) DecodePayload(dst any) error {
	if err := decMode.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Kind, err)
	}
	if v, ok := dst.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid %s payload: %w", e.Kind, err)
		}
	}
	return nil
}
