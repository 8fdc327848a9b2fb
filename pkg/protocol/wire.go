package protocol

import "sandbus/pkg/protocol/codec"

// EncodeWire serializes e for a transport hop. Anything the codec cannot
// represent does not survive the hop, which is the boundary contract.
func EncodeWire(c codec.Codec, e *Envelope) ([]byte, error) {
	return c.Marshal(e)
}

// DecodeWire parses a transport frame produced by EncodeWire.
func DecodeWire(c codec.Codec, b []byte) (*Envelope, error) {
	var e Envelope
	if err := c.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
