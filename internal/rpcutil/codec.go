// Package rpcutil provides a JSON wire codec for the sentrywatch gRPC
// surfaces (ingestion, admin). Message types are plain Go structs with
// json tags rather than protoc-generated code: gRPC only requires a
// registered codec and a hand-written grpc.ServiceDesc, both of which
// this package and internal/ingestion / internal/admin supply directly.
package rpcutil

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the codec name negotiated over the wire (content-subtype of
// application/grpc+json).
const Name = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return Name }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcutil: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcutil: unmarshal into %T: %w", v, err)
	}
	return nil
}
