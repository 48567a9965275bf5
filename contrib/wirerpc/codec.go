// Package wirerpc provides the gRPC binding for the coordinator's wire
// protocol. The messages in common/wire carry their own binary codecs, so
// instead of generated stubs this package registers a small grpc codec
// over those and hand-rolls the service descriptors.
package wirerpc

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content-subtype the wire codec is registered
// under. Clients must pass grpc.CallContentSubtype(CodecName) for calls
// carrying wire messages.
const CodecName = "tempest"

// Message is implemented by every type in common/wire.
type Message interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

type wireCodec struct{}

var _ encoding.Codec = wireCodec{}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

func (wireCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(Message)
	if !ok {
		return nil, errors.Errorf("cannot marshal %T: not a wire message", v)
	}
	return msg.MarshalBinary()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(Message)
	if !ok {
		return errors.Errorf("cannot unmarshal into %T: not a wire message", v)
	}
	return msg.UnmarshalBinary(data)
}

func (wireCodec) Name() string {
	return CodecName
}
