package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is returned when a payload cannot be decoded into the expected
// type.
var ErrDecode = errors.New("protocol: decode payload")

// Codec encodes message payloads.
type Codec interface {
	Name() string
	Marshal(m Routable) ([]byte, error)
	Unmarshal(data []byte, m any) error
}

// JSON is the default payload codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(m Routable) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.MessageType(), err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, m any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// Decode unmarshals data into a new T.
func Decode[T Routable](c Codec, data []byte) (T, error) {
	var m T
	if err := c.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}
