package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"posestream/internal/models"
)

// Request is the header of one frame sent by a client. PayloadLength raw
// pixel bytes follow it unframed.
type Request struct {
	Width         uint32
	Height        uint32
	Timestamp     uint64
	PayloadLength uint64
}

// Response carries the keypoints for the request with the same Timestamp.
type Response struct {
	Timestamp uint64
	Keypoints models.Keypoints
}

const (
	reqWidth         protowire.Number = 1
	reqHeight        protowire.Number = 2
	reqTimestamp     protowire.Number = 3
	reqPayloadLength protowire.Number = 4

	respTimestamp protowire.Number = 1
	respKeypoints protowire.Number = 2
)

func (r Request) Marshal() []byte {
	b := make([]byte, 0, 32)
	b = appendVarintField(b, reqWidth, uint64(r.Width))
	b = appendVarintField(b, reqHeight, uint64(r.Height))
	b = appendVarintField(b, reqTimestamp, r.Timestamp)
	b = appendVarintField(b, reqPayloadLength, r.PayloadLength)
	return b
}

// Unmarshal decodes a request header. Zero-valued fields may be absent and
// unknown fields are skipped.
func (r *Request) Unmarshal(b []byte) error {
	*r = Request{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case reqWidth:
			if v > math.MaxUint32 {
				return fmt.Errorf("width %d out of range", v)
			}
			r.Width = uint32(v)
		case reqHeight:
			if v > math.MaxUint32 {
				return fmt.Errorf("height %d out of range", v)
			}
			r.Height = uint32(v)
		case reqTimestamp:
			r.Timestamp = v
		case reqPayloadLength:
			r.PayloadLength = v
		}
	}
	return nil
}

func (r Response) Marshal() []byte {
	b := make([]byte, 0, 16+4*models.KeypointValues)
	b = appendVarintField(b, respTimestamp, r.Timestamp)
	b = protowire.AppendTag(b, respKeypoints, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*models.KeypointValues))
	for _, v := range r.Keypoints {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

// Unmarshal decodes a response. Keypoints may arrive packed or as repeated
// fixed32 fields; exactly 51 values are required either way.
func (r *Response) Unmarshal(b []byte) error {
	*r = Response{}
	count := 0
	put := func(v uint32) error {
		if count >= models.KeypointValues {
			return fmt.Errorf("more than %d keypoint values", models.KeypointValues)
		}
		r.Keypoints[count] = math.Float32frombits(v)
		count++
		return nil
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == respTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.Timestamp = v
			b = b[n:]
		case num == respKeypoints && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if len(packed)%4 != 0 {
				return errors.New("packed keypoints not a multiple of 4 bytes")
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if err := put(v); err != nil {
					return err
				}
				packed = packed[m:]
			}
			b = b[n:]
		case num == respKeypoints && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := put(v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if count != models.KeypointValues {
		return fmt.Errorf("got %d keypoint values, want %d", count, models.KeypointValues)
	}
	return nil
}

// appendVarintField writes zero values too, so a header is never empty.
func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
