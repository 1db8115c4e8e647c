package assist

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Every message marshals and unmarshals itself with protowire against the
// field numbers in assist.proto. Unknown fields are skipped on decode so the
// contract can grow without breaking older peers.

// wireMessage is implemented by every message the assist codec can carry.
type wireMessage interface {
	marshalWire(b []byte) ([]byte, error)
	unmarshalWire(b []byte) error
}

var errTruncated = fmt.Errorf("assist: truncated message")

func consumeField(b []byte) (protowire.Number, protowire.Type, []byte, int, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, nil, 0, errTruncated
	}
	body := b[n:]
	m := protowire.ConsumeFieldValue(num, typ, body)
	if m < 0 {
		return 0, 0, nil, 0, errTruncated
	}
	return num, typ, body[:m], n + m, nil
}

func consumeStringValue(raw []byte) (string, error) {
	v, n := protowire.ConsumeBytes(raw)
	if n < 0 {
		return "", errTruncated
	}
	return string(v), nil
}

func consumeBytesValue(raw []byte) ([]byte, error) {
	v, n := protowire.ConsumeBytes(raw)
	if n < 0 {
		return nil, errTruncated
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func consumeVarintValue(raw []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return 0, errTruncated
	}
	return v, nil
}

func (m *StreamRequest) marshalWire(b []byte) ([]byte, error) {
	if m.Prompt != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Prompt)
	}
	if len(m.Screenshot) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Screenshot)
	}
	if m.ScreenWidth != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(m.ScreenWidth)))
	}
	if m.ScreenHeight != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(m.ScreenHeight)))
	}
	if m.HardwareID != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.HardwareID)
	}
	return b, nil
}

func (m *StreamRequest) unmarshalWire(b []byte) error {
	*m = StreamRequest{}
	for len(b) > 0 {
		num, _, raw, adv, err := consumeField(b)
		if err != nil {
			return err
		}
		b = b[adv:]
		switch num {
		case 1:
			if m.Prompt, err = consumeStringValue(raw); err != nil {
				return err
			}
		case 2:
			if m.Screenshot, err = consumeBytesValue(raw); err != nil {
				return err
			}
		case 3:
			v, err := consumeVarintValue(raw)
			if err != nil {
				return err
			}
			m.ScreenWidth = int32(v)
		case 4:
			v, err := consumeVarintValue(raw)
			if err != nil {
				return err
			}
			m.ScreenHeight = int32(v)
		case 5:
			if m.HardwareID, err = consumeStringValue(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *AudioChunk) marshalWire(b []byte) ([]byte, error) {
	if len(m.AudioData) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.AudioData)
	}
	if m.Dtype != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Dtype)
	}
	if len(m.Shape) > 0 {
		// Packed repeated int32.
		var packed []byte
		for _, dim := range m.Shape {
			packed = protowire.AppendVarint(packed, uint64(uint32(dim)))
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b, nil
}

func (m *AudioChunk) unmarshalWire(b []byte) error {
	*m = AudioChunk{}
	for len(b) > 0 {
		num, typ, raw, adv, err := consumeField(b)
		if err != nil {
			return err
		}
		b = b[adv:]
		switch num {
		case 1:
			if m.AudioData, err = consumeBytesValue(raw); err != nil {
				return err
			}
		case 2:
			if m.Dtype, err = consumeStringValue(raw); err != nil {
				return err
			}
		case 3:
			if typ == protowire.VarintType {
				v, err := consumeVarintValue(raw)
				if err != nil {
					return err
				}
				m.Shape = append(m.Shape, int32(v))
				continue
			}
			packed, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return errTruncated
			}
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return errTruncated
				}
				m.Shape = append(m.Shape, int32(v))
				packed = packed[n:]
			}
		}
	}
	return nil
}

func (m *StreamResponse) marshalWire(b []byte) ([]byte, error) {
	switch p := m.Payload.(type) {
	case nil:
		return b, nil
	case *TextChunk:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, p.Text)
	case *AudioPayload:
		inner, err := p.Chunk.marshalWire(nil)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case *EndMessage:
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, p.Reason)
	case *ErrorMessage:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, p.Text)
	default:
		return nil, fmt.Errorf("assist: unknown StreamResponse payload %T", p)
	}
	return b, nil
}

func (m *StreamResponse) unmarshalWire(b []byte) error {
	*m = StreamResponse{}
	for len(b) > 0 {
		num, _, raw, adv, err := consumeField(b)
		if err != nil {
			return err
		}
		b = b[adv:]
		switch num {
		case 1:
			text, err := consumeStringValue(raw)
			if err != nil {
				return err
			}
			m.Payload = &TextChunk{Text: text}
		case 2:
			inner, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return errTruncated
			}
			chunk := new(AudioChunk)
			if err := chunk.unmarshalWire(inner); err != nil {
				return err
			}
			m.Payload = &AudioPayload{Chunk: chunk}
		case 3:
			reason, err := consumeStringValue(raw)
			if err != nil {
				return err
			}
			m.Payload = &EndMessage{Reason: reason}
		case 4:
			text, err := consumeStringValue(raw)
			if err != nil {
				return err
			}
			m.Payload = &ErrorMessage{Text: text}
		}
	}
	return nil
}

func (m *InterruptRequest) marshalWire(b []byte) ([]byte, error) {
	if m.HardwareID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.HardwareID)
	}
	return b, nil
}

func (m *InterruptRequest) unmarshalWire(b []byte) error {
	*m = InterruptRequest{}
	for len(b) > 0 {
		num, _, raw, adv, err := consumeField(b)
		if err != nil {
			return err
		}
		b = b[adv:]
		if num == 1 {
			if m.HardwareID, err = consumeStringValue(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *InterruptResponse) marshalWire(b []byte) ([]byte, error) {
	if m.Success {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	for _, id := range m.InterruptedSessions {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	if m.Message != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Message)
	}
	return b, nil
}

func (m *InterruptResponse) unmarshalWire(b []byte) error {
	*m = InterruptResponse{}
	for len(b) > 0 {
		num, _, raw, adv, err := consumeField(b)
		if err != nil {
			return err
		}
		b = b[adv:]
		switch num {
		case 1:
			v, err := consumeVarintValue(raw)
			if err != nil {
				return err
			}
			m.Success = v != 0
		case 2:
			id, err := consumeStringValue(raw)
			if err != nil {
				return err
			}
			m.InterruptedSessions = append(m.InterruptedSessions, id)
		case 3:
			if m.Message, err = consumeStringValue(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *WelcomeRequest) marshalWire(b []byte) ([]byte, error) {
	if m.Text != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	if m.HardwareID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.HardwareID)
	}
	return b, nil
}

func (m *WelcomeRequest) unmarshalWire(b []byte) error {
	*m = WelcomeRequest{}
	for len(b) > 0 {
		num, _, raw, adv, err := consumeField(b)
		if err != nil {
			return err
		}
		b = b[adv:]
		switch num {
		case 1:
			if m.Text, err = consumeStringValue(raw); err != nil {
				return err
			}
		case 2:
			if m.HardwareID, err = consumeStringValue(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *WelcomeResponse) marshalWire(b []byte) ([]byte, error) {
	switch p := m.Payload.(type) {
	case nil:
		return b, nil
	case *AudioPayload:
		inner, err := p.Chunk.marshalWire(nil)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case *EndMessage:
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, p.Reason)
	case *ErrorMessage:
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, p.Text)
	default:
		return nil, fmt.Errorf("assist: unknown WelcomeResponse payload %T", p)
	}
	return b, nil
}

func (m *WelcomeResponse) unmarshalWire(b []byte) error {
	*m = WelcomeResponse{}
	for len(b) > 0 {
		num, _, raw, adv, err := consumeField(b)
		if err != nil {
			return err
		}
		b = b[adv:]
		switch num {
		case 1:
			inner, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return errTruncated
			}
			chunk := new(AudioChunk)
			if err := chunk.unmarshalWire(inner); err != nil {
				return err
			}
			m.Payload = &AudioPayload{Chunk: chunk}
		case 2:
			reason, err := consumeStringValue(raw)
			if err != nil {
				return err
			}
			m.Payload = &EndMessage{Reason: reason}
		case 3:
			text, err := consumeStringValue(raw)
			if err != nil {
				return err
			}
			m.Payload = &ErrorMessage{Text: text}
		}
	}
	return nil
}
