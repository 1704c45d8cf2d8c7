package proto

import (
	"encoding/binary"
	"errors"
	"io"

	json "github.com/goccy/go-json"
)

var ErrInvalidFrame = errors.New("invalid frame")
var ErrPayloadTooLarge = errors.New("payload too large")
var ErrBufferOverflow = errors.New("decoder buffer overflow")

// Encode returns 6-byte header + payload.
func Encode(t FrameType, flags uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, FrameHeaderSize+len(payload))
	b[0] = byte(t)
	b[1] = flags
	binary.BigEndian.PutUint32(b[2:6], uint32(len(payload)))
	copy(b[FrameHeaderSize:], payload)
	return b, nil
}

// EncodeFrame writes one frame to w.
func EncodeFrame(w io.Writer, f *Frame) error {
	b, err := Encode(f.Type, f.Flags, f.Payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// DecodeFrame reads one frame; for blocking readers (tests, tools).
func DecodeFrame(r io.Reader) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Frame{Type: FrameType(header[0]), Flags: header[1], Payload: payload}, nil
}

// Decoder reassembles frames from arbitrarily split chunks. Not safe for concurrent use.
type Decoder struct {
	buf []byte
	err error
}

// Buffered undecoded byte count.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Feed appends chunk and returns every complete frame. Once it fails it keeps failing.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf)+len(chunk) > MaxBufferedSize {
		return nil, d.fail(ErrBufferOverflow)
	}
	d.buf = append(d.buf, chunk...)

	var out []Frame
	off := 0
	for len(d.buf)-off >= FrameHeaderSize {
		h := d.buf[off:]
		length := binary.BigEndian.Uint32(h[2:6])
		if length > MaxPayloadSize {
			return out, d.fail(ErrPayloadTooLarge)
		}
		end := FrameHeaderSize + int(length)
		if len(h) < end {
			break
		}
		out = append(out, Frame{
			Type:    FrameType(h[0]),
			Flags:   h[1],
			Payload: append([]byte(nil), h[FrameHeaderSize:end]...),
		})
		off += end
	}
	if off > 0 {
		d.buf = append(d.buf[:0], d.buf[off:]...)
	}
	return out, nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.buf = nil
	return err
}

// EncodeStreamPayload: [4: stream id BE][chunk].
func EncodeStreamPayload(streamID uint32, chunk []byte) []byte {
	b := make([]byte, StreamIDSize+len(chunk))
	binary.BigEndian.PutUint32(b, streamID)
	copy(b[StreamIDSize:], chunk)
	return b
}

// DecodeStreamPayload splits stream id and chunk.
func DecodeStreamPayload(payload []byte) (uint32, []byte, error) {
	if len(payload) < StreamIDSize {
		return 0, nil, ErrInvalidFrame
	}
	return binary.BigEndian.Uint32(payload), payload[StreamIDSize:], nil
}

// Marshal JSON body.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal JSON body.
func Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
