package plan

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is the gRPC content-subtype this codec registers
// under. The PlanService endpoint is not required to be generated
// from a .proto file: registering a JSON codec lets the client call
// it with plain Go structs instead of protoc-generated message types.
const jsonCodecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json, so a PlanService can be reached without a protobuf
// schema.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
