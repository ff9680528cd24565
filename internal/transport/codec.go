package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/zde37/chordring/pkg"
)

// CodecName is the gRPC content-subtype of ring messages.
const CodecName = "chordring"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Field numbers of the ring messages, as declared in protobuf/chordring.proto.
// Ids are big-endian unsigned integers; an absent id field means "unset", an
// empty one means zero.
const (
	fieldEndpointID     protowire.Number = 1
	fieldEndpointHost   protowire.Number = 2
	fieldEndpointPort   protowire.Number = 3
	fieldEndpointHealth protowire.Number = 4

	fieldRequestType           protowire.Number = 1
	fieldRequestRequesterID    protowire.Number = 2
	fieldRequestResourceID     protowire.Number = 3
	fieldRequestNewSuccessor   protowire.Number = 4
	fieldRequestNewPredecessor protowire.Number = 5

	fieldResponseResponder   protowire.Number = 1
	fieldResponseReady       protowire.Number = 2
	fieldResponseCommit      protowire.Number = 3
	fieldResponsePredecessor protowire.Number = 4
	fieldResponseFingerTable protowire.Number = 5
)

// wireID is an optional ring id as carried on the wire.
type wireID struct {
	Set   bool
	Value []byte
}

type wireEndpoint struct {
	ID     wireID
	Host   string
	Port   uint32
	Health int32
}

type wireRequest struct {
	Type           int32
	RequesterID    wireID
	ResourceID     wireID
	NewSuccessor   *wireEndpoint
	NewPredecessor *wireEndpoint
}

type wireResponse struct {
	Responder        *wireEndpoint
	ReadyForDataCopy bool
	CommitSuccessful bool
	Predecessor      *wireEndpoint
	FingerTable      []*wireEndpoint
}

// Codec encodes ring messages in protobuf wire format without generated
// code. Regular protobuf messages (health checks) pass through to proto.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *wireRequest:
		return appendRequest(nil, m), nil
	case *wireResponse:
		return appendResponse(nil, m), nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: cannot marshal %T", pkg.ErrProtocol, v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *wireRequest:
		return consumeRequest(data, m)
	case *wireResponse:
		return consumeResponse(data, m)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("%w: cannot unmarshal into %T", pkg.ErrProtocol, v)
	}
}

func appendID(b []byte, num protowire.Number, id wireID) []byte {
	if !id.Set {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, id.Value)
}

func appendEndpoint(b []byte, num protowire.Number, ep *wireEndpoint) []byte {
	if ep == nil {
		return b
	}
	var inner []byte
	inner = appendID(inner, fieldEndpointID, ep.ID)
	if ep.Host != "" {
		inner = protowire.AppendTag(inner, fieldEndpointHost, protowire.BytesType)
		inner = protowire.AppendString(inner, ep.Host)
	}
	if ep.Port != 0 {
		inner = protowire.AppendTag(inner, fieldEndpointPort, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(ep.Port))
	}
	if ep.Health != 0 {
		inner = protowire.AppendTag(inner, fieldEndpointHealth, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(ep.Health))
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendRequest(b []byte, r *wireRequest) []byte {
	if r.Type != 0 {
		b = protowire.AppendTag(b, fieldRequestType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Type))
	}
	b = appendID(b, fieldRequestRequesterID, r.RequesterID)
	b = appendID(b, fieldRequestResourceID, r.ResourceID)
	b = appendEndpoint(b, fieldRequestNewSuccessor, r.NewSuccessor)
	b = appendEndpoint(b, fieldRequestNewPredecessor, r.NewPredecessor)
	return b
}

func appendResponse(b []byte, r *wireResponse) []byte {
	b = appendEndpoint(b, fieldResponseResponder, r.Responder)
	b = appendBool(b, fieldResponseReady, r.ReadyForDataCopy)
	b = appendBool(b, fieldResponseCommit, r.CommitSuccessful)
	b = appendEndpoint(b, fieldResponsePredecessor, r.Predecessor)
	for _, f := range r.FingerTable {
		b = appendEndpoint(b, fieldResponseFingerTable, f)
	}
	return b
}

// fieldFunc consumes the value of one field and returns the bytes read, or a
// negative protowire error code. Returning 0 means "not mine, skip it".
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", pkg.ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]

		n = fn(num, typ, b)
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", pkg.ErrProtocol, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func consumeID(b []byte, id *wireID) int {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	id.Set = true
	id.Value = append([]byte(nil), v...)
	return n
}

func consumeVarint(b []byte, out func(uint64)) int {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n
	}
	out(v)
	return n
}

func consumeEndpoint(b []byte, out **wireEndpoint) int {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	ep := &wireEndpoint{}
	err := consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldEndpointID && typ == protowire.BytesType:
			return consumeID(b, &ep.ID)
		case num == fieldEndpointHost && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n >= 0 {
				ep.Host = s
			}
			return n
		case num == fieldEndpointPort && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { ep.Port = uint32(v) })
		case num == fieldEndpointHealth && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { ep.Health = int32(v) })
		}
		return 0
	})
	if err != nil {
		return -1
	}
	*out = ep
	return n
}

func consumeRequest(b []byte, r *wireRequest) error {
	*r = wireRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldRequestType && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { r.Type = int32(v) })
		case num == fieldRequestRequesterID && typ == protowire.BytesType:
			return consumeID(b, &r.RequesterID)
		case num == fieldRequestResourceID && typ == protowire.BytesType:
			return consumeID(b, &r.ResourceID)
		case num == fieldRequestNewSuccessor && typ == protowire.BytesType:
			return consumeEndpoint(b, &r.NewSuccessor)
		case num == fieldRequestNewPredecessor && typ == protowire.BytesType:
			return consumeEndpoint(b, &r.NewPredecessor)
		}
		return 0
	})
}

func consumeResponse(b []byte, r *wireResponse) error {
	*r = wireResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldResponseResponder && typ == protowire.BytesType:
			return consumeEndpoint(b, &r.Responder)
		case num == fieldResponseReady && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { r.ReadyForDataCopy = protowire.DecodeBool(v) })
		case num == fieldResponseCommit && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { r.CommitSuccessful = protowire.DecodeBool(v) })
		case num == fieldResponsePredecessor && typ == protowire.BytesType:
			return consumeEndpoint(b, &r.Predecessor)
		case num == fieldResponseFingerTable && typ == protowire.BytesType:
			var ep *wireEndpoint
			n := consumeEndpoint(b, &ep)
			if n > 0 {
				r.FingerTable = append(r.FingerTable, ep)
			}
			return n
		}
		return 0
	})
}
