package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const prefixLen = 4

// Limits bounds what a receiver will allocate for one message.
type Limits struct {
	MaxHeaderBytes  uint32
	MaxPayloadBytes uint64
}

// DefaultLimits allows 64 KiB headers and 50 MiB payloads.
var DefaultLimits = Limits{
	MaxHeaderBytes:  64 << 10,
	MaxPayloadBytes: 50 << 20,
}

// LimitsWithPayloadMB returns DefaultLimits with the payload cap set to mb
// mebibytes.
func LimitsWithPayloadMB(mb int) Limits {
	l := DefaultLimits
	if mb > 0 {
		l.MaxPayloadBytes = uint64(mb) << 20
	}
	return l
}

// SendRequest writes the framed header followed by the raw payload.
// req.PayloadLength must equal len(payload).
func SendRequest(w io.Writer, req Request, payload []byte) error {
	if req.PayloadLength != uint64(len(payload)) {
		return &ProtocolError{Op: "send request", Err: fmt.Errorf("payload_length %d but %d payload bytes", req.PayloadLength, len(payload))}
	}
	if err := writeFrame(w, req.Marshal()); err != nil {
		return &ConnectionError{Op: "send request", Err: err}
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return &ConnectionError{Op: "send payload", Err: err}
	}
	return nil
}

func SendResponse(w io.Writer, resp Response) error {
	if err := writeFrame(w, resp.Marshal()); err != nil {
		return &ConnectionError{Op: "send response", Err: err}
	}
	return nil
}

// ReceiveRequest reads one request with DefaultLimits.
func ReceiveRequest(r io.Reader) (Request, []byte, error) {
	return DefaultLimits.ReceiveRequest(r)
}

// ReceiveResponse reads one response with DefaultLimits.
func ReceiveResponse(r io.Reader) (Response, error) {
	return DefaultLimits.ReceiveResponse(r)
}

// ReceiveRequest reads a framed header and then exactly PayloadLength
// payload bytes. It returns io.EOF when the peer closed cleanly before
// the next message.
func (l Limits) ReceiveRequest(r io.Reader) (Request, []byte, error) {
	const op = "receive request"
	hdr, err := l.readFrame(r, op)
	if err != nil {
		return Request{}, nil, err
	}
	var req Request
	if err := req.Unmarshal(hdr); err != nil {
		return Request{}, nil, &ProtocolError{Op: op, Err: fmt.Errorf("decode header: %w", err)}
	}
	if req.PayloadLength > l.MaxPayloadBytes {
		return Request{}, nil, &ProtocolError{Op: op, Err: fmt.Errorf("payload_length %d exceeds limit %d", req.PayloadLength, l.MaxPayloadBytes)}
	}
	payload := make([]byte, req.PayloadLength)
	if n, err := io.ReadFull(r, payload); err != nil {
		return Request{}, nil, readErr("receive payload", err, n, len(payload))
	}
	return req, payload, nil
}

func (l Limits) ReceiveResponse(r io.Reader) (Response, error) {
	const op = "receive response"
	body, err := l.readFrame(r, op)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := resp.Unmarshal(body); err != nil {
		return Response{}, &ProtocolError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return resp, nil
}

func (l Limits) readFrame(r io.Reader, op string) ([]byte, error) {
	var prefix [prefixLen]byte
	n, err := io.ReadFull(r, prefix[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, readErr(op, err, n, prefixLen)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > l.MaxHeaderBytes {
		return nil, &ProtocolError{Op: op, Err: fmt.Errorf("%w: %d", ErrMalformedLength, size)}
	}
	body := make([]byte, size)
	if n, err := io.ReadFull(r, body); err != nil {
		return nil, readErr(op, err, n, len(body))
	}
	return body, nil
}

func writeFrame(w io.Writer, body []byte) error {
	frame := make([]byte, prefixLen+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[prefixLen:], body)
	_, err := w.Write(frame)
	return err
}

// readErr classifies a failed read: the peer closing mid-message is a
// protocol violation, anything else is the transport's fault.
func readErr(op string, err error, got, want int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ProtocolError{Op: op, Err: fmt.Errorf("%w: %d of %d bytes", ErrShortRead, got, want)}
	}
	return &ConnectionError{Op: op, Err: err}
}
