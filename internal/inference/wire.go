package inference

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"posestream/internal/models"
	"posestream/internal/protocol"
)

const (
	ServiceName    = "posestream.inference.v1.PoseEstimator"
	EstimateMethod = "/" + ServiceName + "/Estimate"

	// CodecName is the gRPC content-subtype carrying pre-encoded bodies.
	CodecName = "raw"
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawCodec moves already-encoded message bodies through gRPC untouched.
type rawCodec struct{}

func (rawCodec) Name() string { return CodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("raw codec cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

const (
	tensorWidth  protowire.Number = 1
	tensorHeight protowire.Number = 2
	tensorData   protowire.Number = 3
)

// EncodeTensor builds an Estimate request body.
func EncodeTensor(width, height int, rgb []byte) []byte {
	b := make([]byte, 0, len(rgb)+16)
	b = protowire.AppendTag(b, tensorWidth, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(width))
	b = protowire.AppendTag(b, tensorHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(height))
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	return protowire.AppendBytes(b, rgb)
}

// DecodeTensor parses an Estimate request body. The returned slice aliases b.
func DecodeTensor(b []byte) (width, height int, rgb []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, 0, nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == tensorWidth && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, 0, nil, protowire.ParseError(n)
			}
			width, b = int(v), b[n:]
		case num == tensorHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, 0, nil, protowire.ParseError(n)
			}
			height, b = int(v), b[n:]
		case num == tensorData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, 0, nil, protowire.ParseError(n)
			}
			rgb, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, 0, nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if width <= 0 || height <= 0 {
		return 0, 0, nil, errors.New("tensor size missing")
	}
	return width, height, rgb, nil
}

// EncodeKeypoints builds an Estimate response body. It shares the wire
// layout of protocol.Response.
func EncodeKeypoints(k models.Keypoints) []byte {
	return protocol.Response{Keypoints: k}.Marshal()
}

func DecodeKeypoints(b []byte) (models.Keypoints, error) {
	var resp protocol.Response
	if err := resp.Unmarshal(b); err != nil {
		return models.Keypoints{}, err
	}
	return resp.Keypoints, nil
}
