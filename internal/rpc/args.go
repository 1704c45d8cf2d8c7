package rpc

import (
	"bytes"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"dev.c0redev.peerlink/internal/proto"
)

const streamMarkerKey = "__rpc_stream_id__"

// Args: decoded REQUEST params. Streams are only recognised at the top level.
type Args struct {
	raw     []json.RawMessage
	streams map[int]*Stream
}

// NewArgs builds Args from plain values (in-process calls, tests).
func NewArgs(vals ...any) (*Args, error) {
	a := &Args{}
	for _, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		a.raw = append(a.raw, b)
	}
	return a, nil
}

func (a *Args) Len() int {
	if a == nil {
		return 0
	}
	return len(a.raw)
}

// Decode argument i into v.
func (a *Args) Decode(i int, v any) error {
	if i < 0 || i >= a.Len() {
		return fmt.Errorf("argument %d missing", i)
	}
	if a.streams[i] != nil {
		return fmt.Errorf("argument %d is a stream", i)
	}
	return json.Unmarshal(a.raw[i], v)
}

// Raw JSON of argument i.
func (a *Args) Raw(i int) json.RawMessage {
	if i < 0 || i >= a.Len() {
		return nil
	}
	return a.raw[i]
}

// Stream argument i, nil if it is not a stream.
func (a *Args) Stream(i int) *Stream {
	if a == nil {
		return nil
	}
	return a.streams[i]
}

// closeStreams drops streams nobody read (handler failed).
func (a *Args) closeStreams() {
	if a == nil {
		return
	}
	for _, s := range a.streams {
		s.Close()
	}
}

// Result of a call.
type Result struct {
	raw    json.RawMessage
	stream *Stream
}

// Decode result into v.
func (r *Result) Decode(v any) error {
	if r.stream != nil {
		return fmt.Errorf("result is a stream")
	}
	return json.Unmarshal(r.raw, v)
}

// Raw JSON result.
func (r *Result) Raw() json.RawMessage { return r.raw }

// Stream result, nil if the method returned a value.
func (r *Result) Stream() *Stream { return r.stream }

// encodeValue: io.Reader becomes a stream marker with a fresh stream id.
func (p *Peer) encodeValue(v any) (json.RawMessage, *outStream, error) {
	if r, ok := v.(io.Reader); ok {
		id := p.allocStreamID()
		b, err := json.Marshal(proto.StreamRef{ID: id})
		if err != nil {
			return nil, nil, err
		}
		return b, &outStream{id: id, src: r}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return b, nil, nil
}

func (p *Peer) encodeParams(args []any) (string, []*outStream, error) {
	raw := make([]json.RawMessage, 0, len(args))
	var streams []*outStream
	for _, a := range args {
		b, s, err := p.encodeValue(a)
		if err != nil {
			return "", nil, err
		}
		raw = append(raw, b)
		if s != nil {
			streams = append(streams, s)
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", nil, err
	}
	return string(b), streams, nil
}

// streamRef reports the stream id if raw is exactly a stream marker.
func streamRef(raw json.RawMessage) (uint32, bool) {
	if !bytes.Contains(raw, []byte(streamMarkerKey)) {
		return 0, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || len(m) != 1 {
		return 0, false
	}
	var id uint32
	if err := json.Unmarshal(m[streamMarkerKey], &id); err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// decodeParams parses REQUEST params and binds inbound streams.
func (p *Peer) decodeParams(params string) (*Args, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(params), &raw); err != nil {
		return nil, err
	}
	a := &Args{raw: raw}
	for i, r := range raw {
		if id, ok := streamRef(r); ok {
			if a.streams == nil {
				a.streams = make(map[int]*Stream)
			}
			a.streams[i] = p.bindInStream(id)
		}
	}
	return a, nil
}

func (p *Peer) decodeResult(result string) *Result {
	r := &Result{raw: json.RawMessage(result)}
	if id, ok := streamRef(r.raw); ok {
		r.stream = p.bindInStream(id)
	}
	return r
}
