package assist

import (
	"fmt"
)

// Codec is a gRPC codec for assist messages. It is forced on both ends of the
// channel instead of being registered globally, so the default proto codec
// stays untouched for any other service sharing the process.
type Codec struct{}

// Name reports the codec as "proto"; the bytes on the wire are protobuf.
func (Codec) Name() string { return "proto" }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("assist: cannot marshal %T", v)
	}
	return m.marshalWire(nil)
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("assist: cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}
