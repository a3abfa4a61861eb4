package api

import "fmt"

// Codec is a gRPC codec that passes frames through as raw bytes. The client
// core serializes messages itself (via a Serializer) before they reach the
// transport, so the transport must not re-encode them.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	data, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec can only marshal []byte, got %T", v)
	}
	return data, nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	out, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec can only unmarshal into *[]byte, got %T", v)
	}
	*out = data
	return nil
}

func (Codec) Name() string {
	return "firewatch.raw"
}
