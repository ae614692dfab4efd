package grpcserver

import (
	"encoding/json"
	"fmt"
)

// CodecName is the content-subtype negotiated by admin clients.
const CodecName = "json"

// Codec marshals admin messages as JSON. The admin API has no generated protobuf types,
// so plain Go structs travel over gRPC framing.
type Codec struct{}

func (Codec) Marshal(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return raw, nil
}

func (Codec) Unmarshal(data []byte, value any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func (Codec) Name() string {
	return CodecName
}
