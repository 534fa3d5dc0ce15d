package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's global encoding registry so every
// service on this process's grpc.Server/ClientConn marshals with
// encoding/json instead of protobuf wire format. Conflux still depends on
// google.golang.org/grpc for the service framework, connection
// management, mTLS transport credentials and interceptors (exercised in
// full); it skips protoc-generated .pb.go stubs, which this module cannot
// regenerate, in favor of hand-written request/response structs (see
// messages.go) that travel as grpc's message payloads through this codec.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
