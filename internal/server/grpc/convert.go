package grpcserver

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/changeflo/internal/streamerr"
)

// toStruct renders v through its JSON form so the wire shape matches the
// HTTP gateway.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "grpc: encode message")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, errors.Wrap(err, "grpc: encode message")
	}
	return out, nil
}

// fromStruct decodes a request message into v. Malformed requests are
// InvalidOptions.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return streamerr.Wrap(err, streamerr.KindInvalidOptions, "grpc: decode message")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return streamerr.Wrap(err, streamerr.KindInvalidOptions, "grpc: decode message")
	}
	return nil
}
