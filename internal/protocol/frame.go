package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	Version uint8 = 1

	// PrefixSize is the length prefix in front of every payload.
	PrefixSize = 4
	// HeaderSize is version, message type and request id.
	HeaderSize = 6

	MaxPayloadSize = 1 << 20
)

// Encode renders m as a complete frame.
func Encode(m Message) ([]byte, error) {
	return AppendFrame(nil, m)
}

// AppendFrame appends the frame for m to dst.
func AppendFrame(dst []byte, m Message) ([]byte, error) {
	var body []byte
	switch msg := m.(type) {
	case *Hello:
		body = encodeHello(msg)
	case *Auth:
		body = encodeAuth(msg)
	case *AuthOK:
		body = encodeAuthOK(msg)
	case *CommandRequest:
		body = encodeRequest(msg)
	case *CommandResult:
		body = encodeResult(msg)
	case *Heartbeat, *HeartbeatAck:
	default:
		return dst, unsupportedf("message %T", m)
	}

	size := HeaderSize + len(body)
	if size > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(size))
	dst = append(dst, Version, byte(m.Type()))
	dst = binary.BigEndian.AppendUint32(dst, m.CorrelationID())
	return append(dst, body...), nil
}

// Decode parses the first frame in b. It returns the message and the number
// of bytes it occupied. A nil message with n == 0 and a nil error means b
// does not yet hold a complete frame. Decode never panics on arbitrary input.
func Decode(b []byte) (Message, int, error) {
	if len(b) < PrefixSize {
		return nil, 0, nil
	}

	size := binary.BigEndian.Uint32(b)
	if size > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: %d bytes announced", ErrFrameTooLarge, size)
	}
	if size < HeaderSize {
		return nil, 0, malformedf("payload of %d bytes is shorter than the header", size)
	}

	total := PrefixSize + int(size)
	if len(b) < total {
		return nil, 0, nil
	}

	payload := b[PrefixSize:total]
	version := payload[0]
	msgType := MessageType(payload[1])
	id := binary.BigEndian.Uint32(payload[2:HeaderSize])
	body := payload[HeaderSize:]

	if version != Version {
		return nil, total, unsupportedf("protocol version %d", version)
	}

	var (
		msg Message
		err error
	)
	switch msgType {
	case TypeHello:
		msg, err = decodeHello(body)
	case TypeAuth:
		msg, err = decodeAuth(body)
	case TypeAuthOK:
		msg, err = decodeAuthOK(body)
	case TypeRequest:
		msg, err = decodeRequest(id, body)
	case TypeResult:
		msg, err = decodeResult(id, body)
	case TypeHeartbeat:
		msg = &Heartbeat{Seq: id}
		if len(body) != 0 {
			err = malformedf("heartbeat carries %d body bytes", len(body))
		}
	case TypeHeartbeatAck:
		msg = &HeartbeatAck{Seq: id}
		if len(body) != 0 {
			err = malformedf("heartbeat ack carries %d body bytes", len(body))
		}
	default:
		return nil, total, unsupportedf("message type %d", msgType)
	}
	if err != nil {
		return nil, total, err
	}
	return msg, total, nil
}

// Decoder accumulates stream bytes and yields complete messages.
type Decoder struct {
	buf []byte
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message, or nil when more bytes are needed.
func (d *Decoder) Next() (Message, error) {
	msg, n, err := Decode(d.buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
	return msg, nil
}

// Buffered reports bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

const readChunk = 32 * 1024

// Reader reads framed messages from a byte stream.
type Reader struct {
	src   io.Reader
	dec   Decoder
	chunk []byte
	err   error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{src: r, chunk: make([]byte, readChunk)}
}

// ReadMessage blocks until a full frame arrives or the stream fails.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		msg, err := r.dec.Next()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if r.err != nil {
			if r.err == io.EOF && r.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, r.err
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
		}
		r.err = err
	}
}

// WriteMessage encodes m and writes it in a single call.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
