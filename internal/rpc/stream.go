package rpc

import (
	"errors"
	"io"
	"log"
	"sync"

	"dev.c0redev.peerlink/internal/proto"
)

const streamChunkSize = 32 * 1024

var errStreamCancelled = errors.New("rpc: stream cancelled")

// Stream: inbound byte stream referenced by a call argument or result.
// Close before EOF asks the sender to stop.
type Stream struct {
	id uint32
	p  *Peer

	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	err    error // io.EOF after STREAM_END
	closed bool
}

func newStream(p *Peer, id uint32) *Stream {
	s := &Stream{id: id, p: p}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID on the wire.
func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) push(b []byte) {
	s.mu.Lock()
	if !s.closed && s.err == nil {
		s.chunks = append(s.chunks, b)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// finish: nil = clean end.
func (s *Stream) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) == 0 && s.err == nil && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if len(s.chunks) == 0 {
		return 0, s.err
	}
	n := copy(b, s.chunks[0])
	if n == len(s.chunks[0]) {
		s.chunks = s.chunks[1:]
	} else {
		s.chunks[0] = s.chunks[0][n:]
	}
	return n, nil
}

// Close stops reading; sends STREAM_CANCEL unless the stream already ended.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ended := s.err != nil
	s.chunks = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if !ended && s.p.dropInStream(s.id) {
		return s.p.sendFrame(proto.TypeStreamCancel, proto.EncodeStreamPayload(s.id, nil))
	}
	return nil
}

// outStream: local source being pumped to the remote.
type outStream struct {
	id  uint32
	src io.Reader

	mu        sync.Mutex
	cancelled bool
}

func (o *outStream) cancel() {
	o.mu.Lock()
	already := o.cancelled
	o.cancelled = true
	o.mu.Unlock()
	if already {
		return
	}
	if c, ok := o.src.(io.Closer); ok {
		c.Close()
	}
}

func (o *outStream) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// pump sends STREAM_CHUNK until EOF, then STREAM_END; stops on cancel.
func (p *Peer) pump(o *outStream) {
	defer p.dropOutStream(o.id)
	buf := make([]byte, streamChunkSize)
	for {
		if o.isCancelled() {
			return
		}
		n, err := o.src.Read(buf)
		if n > 0 {
			if o.isCancelled() {
				return
			}
			if serr := p.sendFrame(proto.TypeStreamChunk, proto.EncodeStreamPayload(o.id, buf[:n])); serr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF && !o.isCancelled() {
				log.Printf("rpc stream %d source: %v", o.id, err)
			}
			if !o.isCancelled() {
				p.sendFrame(proto.TypeStreamEnd, proto.EncodeStreamPayload(o.id, nil))
			}
			return
		}
	}
}
