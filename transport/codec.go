package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the replication service.
const CodecName = "nexusrepl"

type codec struct{}

func init() {
	encoding.RegisterCodec(codec{})
}

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("nexusrepl codec: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("nexusrepl codec: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

func (codec) Name() string { return CodecName }
