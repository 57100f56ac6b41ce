package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Encode serializes an envelope into a text frame payload.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := sonic.ConfigStd.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates a text frame payload.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := sonic.ConfigStd.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
