// Package rpc: authenticated call/stream/signal protocol over framed byte channels.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/glycerine/idem"
	json "github.com/goccy/go-json"

	"dev.c0redev.peerlink/internal/crypto"
	"dev.c0redev.peerlink/internal/proto"
)

var (
	ErrClosed              = errors.New("rpc: connection closed")
	ErrNotReady            = errors.New("rpc: connection not ready")
	ErrFingerprintMismatch = errors.New("rpc: fingerprint mismatch")
	ErrAuthFailed          = errors.New("rpc: invalid otp")
	ErrMissingKey          = errors.New("rpc: security key required on insecure transport")
	ErrPingTimeout         = errors.New("rpc: ping timeout")
	ErrUnknownMethod       = errors.New("unknown method")
)

const (
	DefaultPingInterval = 5 * time.Second
	MinPingInterval     = time.Second
)

// RemoteError: ERROR reply from the other side.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Handler receives inbound calls and signal traffic; MethodCall runs on its own goroutine.
type Handler interface {
	MethodCall(ctx context.Context, p *Peer, method string, args *Args) (any, error)
	SignalSubscribe(p *Peer, fqn string)
	SignalUnsubscribe(p *Peer, fqn string)
	SignalEvent(p *Peer, fqn string, data []json.RawMessage)
}

// Options for New.
type Options struct {
	Channel    Channel
	Crypto     crypto.Provider
	DeviceName string
	// Fingerprint expected of the remote; empty accepts any identity (inbound).
	Fingerprint string
	// Secure transports skip symmetric sealing.
	Secure       bool
	PingInterval time.Duration
	Handler      Handler
	// OnReady and OnClose run on the reader goroutine and must not block on calls.
	OnReady func(*Peer)
	OnClose func(*Peer, error)
}

type callResult struct {
	res *Result
	err error
}

// Peer: one logical connection.
type Peer struct {
	opts         Options
	ch           Channel
	dec          proto.Decoder
	pingInterval time.Duration

	sendMu sync.Mutex

	mu            sync.Mutex
	nextCallID    uint64
	nextStreamID  uint32
	pending       map[uint64]chan callResult
	inStreams     map[uint32]*Stream
	outStreams    map[uint32]*outStream
	targetPEM     string
	targetFP      string
	targetName    string
	otp           string
	authenticated bool
	targetReady   bool
	readyFired    bool
	encKey        []byte
	decKey        []byte
	standby       bool
	lastPing      time.Time
	closeErr      error

	ready    chan struct{}
	halt     *idem.IdemCloseChan
	ctx      context.Context
	cancel   context.CancelFunc
	closeOne sync.Once
}

// New starts the peer: HELLO is sent immediately, then the channel is read on a new goroutine.
func New(opts Options) *Peer {
	interval := opts.PingInterval
	if interval == 0 {
		interval = DefaultPingInterval
	}
	if interval < MinPingInterval {
		log.Printf("rpc ping interval %s too short, using %s", interval, MinPingInterval)
		interval = MinPingInterval
	}
	p := &Peer{
		opts:         opts,
		ch:           opts.Channel,
		pingInterval: interval,
		nextCallID:   1,
		nextStreamID: 1,
		pending:      make(map[uint64]chan callResult),
		inStreams:    make(map[uint32]*Stream),
		outStreams:   make(map[uint32]*outStream),
		ready:        make(chan struct{}),
		halt:         idem.NewIdemCloseChan(),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if err := p.sendHello(); err != nil {
		go p.closeWith(fmt.Errorf("rpc hello: %w", err), false)
		return p
	}
	go func() {
		err := p.ch.Run(p.onData)
		if err == nil {
			err = ErrClosed
		}
		if p.Standby() {
			// superseded link going away is expected
			err = nil
		}
		p.closeWith(err, true)
	}()
	go p.pingLoop()
	return p
}

// Fingerprint of the remote (expected one until HELLO arrives).
func (p *Peer) Fingerprint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.targetFP != "" {
		return p.targetFP
	}
	return p.opts.Fingerprint
}

// DeviceName announced by the remote.
func (p *Peer) DeviceName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetName
}

// Secure transport (no symmetric sealing).
func (p *Peer) Secure() bool { return p.opts.Secure }

// Ready: remote authenticated and remote reported READY.
func (p *Peer) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated && p.targetReady
}

// Done closed after Close.
func (p *Peer) Done() <-chan struct{} { return p.halt.Chan }

// Err close cause (nil while open or after a graceful close).
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// WaitReady blocks until ready, closed, or ctx done.
func (p *Peer) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.halt.Chan:
		if err := p.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetStandby flags this link as superseded; dual standby closes it.
func (p *Peer) SetStandby(v bool) {
	p.mu.Lock()
	p.standby = v
	p.mu.Unlock()
	if s, ok := p.ch.(standbyAware); ok {
		s.SetStandby(v)
	}
}

func (p *Peer) Standby() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.standby
}

// Call invokes method on the remote. io.Reader args are sent as streams.
// A call pending when the connection closes fails with ErrClosed.
func (p *Peer) Call(ctx context.Context, method string, args ...any) (*Result, error) {
	if p.halt.IsClosed() {
		return nil, ErrClosed
	}
	if !p.Ready() {
		return nil, ErrNotReady
	}
	params, streams, err := p.encodeParams(args)
	if err != nil {
		return nil, fmt.Errorf("rpc encode params: %w", err)
	}
	done := make(chan callResult, 1)
	p.mu.Lock()
	if p.pending == nil {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	id := p.nextCallID
	p.nextCallID++
	p.pending[id] = done
	p.mu.Unlock()

	body, _ := json.Marshal(proto.Request{CallID: id, Method: method, Params: params})
	if err := p.sendFrame(proto.TypeRequest, body); err != nil {
		p.dropPending(id)
		return nil, err
	}
	p.startPumps(streams)

	select {
	case r := <-done:
		if re, ok := r.err.(*RemoteError); ok {
			re.Method = method
		}
		return r.res, r.err
	case <-ctx.Done():
		if !p.dropPending(id) {
			// the result is already on its way; nobody will read its stream
			go func() {
				if r := <-done; r.res != nil && r.res.stream != nil {
					r.res.stream.Close()
				}
			}()
		}
		return nil, ctx.Err()
	}
}

// SubscribeSignal asks the remote to forward dispatches of fqn.
func (p *Peer) SubscribeSignal(fqn string) error {
	b, _ := json.Marshal(proto.SignalBody{FQN: fqn})
	return p.sendFrame(proto.TypeSignalSubscribe, b)
}

func (p *Peer) UnsubscribeSignal(fqn string) error {
	b, _ := json.Marshal(proto.SignalBody{FQN: fqn})
	return p.sendFrame(proto.TypeSignalUnsubscribe, b)
}

// SendSignal forwards one local dispatch.
func (p *Peer) SendSignal(fqn string, data []any) error {
	raw := make([]json.RawMessage, 0, len(data))
	for _, d := range data {
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		raw = append(raw, b)
	}
	b, err := json.Marshal(proto.SignalBody{FQN: fqn, Data: raw})
	if err != nil {
		return err
	}
	return p.sendFrame(proto.TypeSignalEvent, b)
}

// Close tears down the peer and the channel; idempotent.
func (p *Peer) Close() error {
	p.closeWith(nil, false)
	return nil
}

func (p *Peer) closeWith(err error, disconnected bool) {
	p.closeOne.Do(func() {
		if err != nil && !errors.Is(err, ErrClosed) {
			log.Printf("rpc peer %s closing: %v", short(p.Fingerprint()), err)
		}
		p.mu.Lock()
		p.closeErr = err
		pending := p.pending
		p.pending = nil
		in := p.inStreams
		p.inStreams = map[uint32]*Stream{}
		out := p.outStreams
		p.outStreams = map[uint32]*outStream{}
		p.mu.Unlock()

		p.cancel()
		if err != nil {
			p.halt.CloseWithReason(err)
		} else {
			p.halt.Close()
		}
		if !disconnected {
			p.ch.Close()
		}
		for _, c := range pending {
			c <- callResult{err: ErrClosed}
		}
		for _, s := range in {
			s.finish(ErrClosed)
		}
		for _, o := range out {
			o.cancel()
		}
		if p.opts.OnClose != nil {
			p.opts.OnClose(p, err)
		}
	})
}

func (p *Peer) pingLoop() {
	t := time.NewTicker(p.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-p.halt.Chan:
			return
		case <-t.C:
		}
		p.mu.Lock()
		ready := p.authenticated && p.targetReady
		silent := time.Since(p.lastPing) > 3*p.pingInterval
		standby := p.standby
		p.mu.Unlock()
		if !ready {
			continue
		}
		if silent {
			p.closeWith(ErrPingTimeout, false)
			return
		}
		b, _ := json.Marshal(proto.Ping{Standby: standby})
		if err := p.sendFrame(proto.TypePing, b); err != nil {
			p.closeWith(err, false)
			return
		}
	}
}

func (p *Peer) sendHello() error {
	b, err := json.Marshal(proto.Hello{
		Version:      proto.ProtocolVersion,
		DeviceName:   p.opts.DeviceName,
		PublicKeyPEM: p.opts.Crypto.PublicKeyPEM(),
	})
	if err != nil {
		return err
	}
	return p.sendFrame(proto.TypeHello, b)
}

// sendFrame seals non-setup payloads when a key was negotiated.
func (p *Peer) sendFrame(t proto.FrameType, payload []byte) error {
	if p.halt.IsClosed() {
		return ErrClosed
	}
	if !proto.IsSetupType(t) {
		p.mu.Lock()
		key := p.encKey
		p.mu.Unlock()
		if key != nil {
			sealed, err := p.opts.Crypto.Seal(key, payload)
			if err != nil {
				return err
			}
			payload = sealed
		}
	}
	b, err := proto.Encode(t, 0, payload)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.ch.Send(b)
}

func (p *Peer) onData(chunk []byte) {
	frames, err := p.dec.Feed(chunk)
	for i := range frames {
		if p.halt.IsClosed() {
			return
		}
		p.handleFrame(&frames[i])
	}
	if err != nil {
		p.closeWith(fmt.Errorf("rpc decode: %w", err), false)
	}
}

func (p *Peer) handleFrame(f *proto.Frame) {
	p.mu.Lock()
	helloSeen := p.targetPEM != ""
	ready := p.authenticated && p.targetReady
	key := p.decKey
	p.mu.Unlock()

	if !helloSeen && f.Type != proto.TypeHello {
		log.Printf("rpc %s before HELLO, dropped", f.Type)
		return
	}
	setup := proto.IsSetupType(f.Type)
	if !ready && !setup {
		log.Printf("rpc %s before ready, dropped", f.Type)
		return
	}
	payload := f.Payload
	if !setup && key != nil {
		plain, err := p.opts.Crypto.Open(key, payload)
		if err != nil {
			p.closeWith(fmt.Errorf("rpc open %s: %w", f.Type, err), false)
			return
		}
		payload = plain
	}

	var err error
	switch f.Type {
	case proto.TypeHello:
		err = p.onHello(payload)
	case proto.TypeAuthChallenge:
		err = p.onChallenge(payload)
	case proto.TypeAuthResponse:
		err = p.onAuthResponse(payload)
	case proto.TypeReady:
		p.onReady()
	case proto.TypeRequest:
		p.onRequest(payload)
	case proto.TypeResponse:
		p.onResponse(payload)
	case proto.TypeError:
		p.onError(payload)
	case proto.TypeStreamChunk, proto.TypeStreamEnd, proto.TypeStreamCancel:
		p.onStream(f.Type, payload)
	case proto.TypeSignalSubscribe, proto.TypeSignalUnsubscribe, proto.TypeSignalEvent:
		p.onSignal(f.Type, payload)
	case proto.TypePing:
		p.onPing(payload)
	default:
		log.Printf("rpc unknown message type %d", f.Type)
	}
	if err != nil {
		p.closeWith(err, false)
	}
}

func (p *Peer) onHello(payload []byte) error {
	p.mu.Lock()
	if p.targetPEM != "" {
		p.mu.Unlock()
		log.Println("rpc repeated HELLO ignored")
		return nil
	}
	p.mu.Unlock()

	var h proto.Hello
	if err := json.Unmarshal(payload, &h); err != nil {
		return fmt.Errorf("rpc hello: %w", err)
	}
	fp, err := p.opts.Crypto.Fingerprint(h.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("rpc hello: %w", err)
	}
	if p.opts.Fingerprint != "" && fp != p.opts.Fingerprint {
		return fmt.Errorf("%w: got %s want %s", ErrFingerprintMismatch, short(fp), short(p.opts.Fingerprint))
	}

	otp, err := p.opts.Crypto.RandomToken()
	if err != nil {
		return err
	}
	ch := proto.Challenge{OTP: otp}
	var decKey []byte
	if !p.opts.Secure {
		if decKey, err = p.opts.Crypto.RandomKey(); err != nil {
			return err
		}
		ch.SecurityKey = hex.EncodeToString(decKey)
	}

	p.mu.Lock()
	p.targetPEM = h.PublicKeyPEM
	p.targetFP = fp
	p.targetName = h.DeviceName
	p.otp = otp
	p.decKey = decKey
	p.mu.Unlock()

	body, _ := json.Marshal(ch)
	sealed, err := p.opts.Crypto.EncryptTo(h.PublicKeyPEM, body)
	if err != nil {
		return err
	}
	return p.sendFrame(proto.TypeAuthChallenge, sealed)
}

func (p *Peer) onChallenge(payload []byte) error {
	p.mu.Lock()
	done := p.targetReady
	target := p.targetPEM
	p.mu.Unlock()
	if done {
		log.Println("rpc AUTH_CHALLENGE after READY ignored")
		return nil
	}
	plain, err := p.opts.Crypto.Decrypt(payload)
	if err != nil {
		return fmt.Errorf("rpc challenge: %w", err)
	}
	var ch proto.Challenge
	if err := json.Unmarshal(plain, &ch); err != nil {
		return fmt.Errorf("rpc challenge: %w", err)
	}
	var encKey []byte
	if !p.opts.Secure {
		if ch.SecurityKey == "" {
			return ErrMissingKey
		}
		if encKey, err = hex.DecodeString(ch.SecurityKey); err != nil {
			return fmt.Errorf("rpc challenge key: %w", err)
		}
	}
	body, _ := json.Marshal(proto.AuthReply{OTP: ch.OTP})
	sealed, err := p.opts.Crypto.EncryptTo(target, body)
	if err != nil {
		return err
	}
	// setup frames are never sealed, so the key can be adopted before replying
	p.mu.Lock()
	p.encKey = encKey
	p.mu.Unlock()
	return p.sendFrame(proto.TypeAuthResponse, sealed)
}

func (p *Peer) onAuthResponse(payload []byte) error {
	p.mu.Lock()
	if p.authenticated || p.otp == "" {
		p.mu.Unlock()
		log.Println("rpc unexpected AUTH_RESPONSE ignored")
		return nil
	}
	want := p.otp
	p.mu.Unlock()

	plain, err := p.opts.Crypto.Decrypt(payload)
	if err != nil {
		return fmt.Errorf("rpc auth response: %w", err)
	}
	var r proto.AuthReply
	if err := json.Unmarshal(plain, &r); err != nil {
		return fmt.Errorf("rpc auth response: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(r.OTP), []byte(want)) != 1 {
		return ErrAuthFailed
	}
	p.mu.Lock()
	p.otp = ""
	p.authenticated = true
	p.mu.Unlock()
	if err := p.sendFrame(proto.TypeReady, nil); err != nil {
		return err
	}
	p.maybeReady()
	return nil
}

func (p *Peer) onReady() {
	p.mu.Lock()
	if p.targetReady {
		p.mu.Unlock()
		log.Println("rpc repeated READY ignored")
		return
	}
	p.targetReady = true
	p.mu.Unlock()
	p.maybeReady()
}

func (p *Peer) maybeReady() {
	p.mu.Lock()
	if !p.authenticated || !p.targetReady || p.readyFired {
		p.mu.Unlock()
		return
	}
	p.readyFired = true
	p.lastPing = time.Now()
	p.mu.Unlock()
	// owner bookkeeping completes before WaitReady returns
	if p.opts.OnReady != nil {
		p.opts.OnReady(p)
	}
	close(p.ready)
}

func (p *Peer) onRequest(payload []byte) {
	var req proto.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Println("rpc request:", err)
		return
	}
	args, err := p.decodeParams(req.Params)
	if err != nil {
		log.Printf("rpc request %s params: %v", req.Method, err)
		p.sendError(req.CallID, "Failed to decode parameters")
		return
	}
	go p.serve(req, args)
}

func (p *Peer) serve(req proto.Request, args *Args) {
	result, err := p.invoke(req.Method, args)
	if err != nil {
		args.closeStreams()
		p.sendError(req.CallID, err.Error())
		return
	}
	raw, stream, err := p.encodeValue(result)
	if err != nil {
		p.sendError(req.CallID, fmt.Sprintf("encode result: %v", err))
		return
	}
	// registered before the response goes out, so an immediate STREAM_CANCEL finds it
	if stream != nil {
		p.mu.Lock()
		p.outStreams[stream.id] = stream
		p.mu.Unlock()
	}
	body, _ := json.Marshal(proto.Response{CallID: req.CallID, Result: string(raw)})
	if err := p.sendFrame(proto.TypeResponse, body); err != nil {
		if stream != nil {
			p.dropOutStream(stream.id)
			stream.cancel()
		}
		return
	}
	if stream != nil {
		p.startPumps([]*outStream{stream})
	}
}

func (p *Peer) invoke(method string, args *Args) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("rpc handler %s panic: %v", method, r)
			err = fmt.Errorf("internal error in %s", method)
		}
	}()
	if p.opts.Handler == nil {
		return nil, fmt.Errorf("%w %s", ErrUnknownMethod, method)
	}
	return p.opts.Handler.MethodCall(p.ctx, p, method, args)
}

func (p *Peer) sendError(callID uint64, msg string) {
	body, _ := json.Marshal(proto.Error{CallID: callID, Error: msg})
	if err := p.sendFrame(proto.TypeError, body); err != nil && !errors.Is(err, ErrClosed) {
		log.Println("rpc send error:", err)
	}
}

func (p *Peer) onResponse(payload []byte) {
	var r proto.Response
	if err := json.Unmarshal(payload, &r); err != nil {
		log.Println("rpc response:", err)
		return
	}
	c := p.takePending(r.CallID)
	if c == nil {
		log.Printf("rpc response for unknown call %d", r.CallID)
		if id, ok := streamRef(json.RawMessage(r.Result)); ok {
			if err := p.sendFrame(proto.TypeStreamCancel, proto.EncodeStreamPayload(id, nil)); err != nil && !errors.Is(err, ErrClosed) {
				log.Println("rpc cancel orphaned stream:", err)
			}
		}
		return
	}
	c <- callResult{res: p.decodeResult(r.Result)}
}

func (p *Peer) onError(payload []byte) {
	var e proto.Error
	if err := json.Unmarshal(payload, &e); err != nil {
		log.Println("rpc error body:", err)
		return
	}
	if c := p.takePending(e.CallID); c != nil {
		c <- callResult{err: &RemoteError{Message: e.Error}}
	}
}

func (p *Peer) onStream(t proto.FrameType, payload []byte) {
	id, chunk, err := proto.DecodeStreamPayload(payload)
	if err != nil {
		log.Printf("rpc %s: %v", t, err)
		return
	}
	switch t {
	case proto.TypeStreamChunk:
		p.mu.Lock()
		s := p.inStreams[id]
		p.mu.Unlock()
		if s == nil {
			log.Printf("rpc chunk for unknown stream %d", id)
			return
		}
		s.push(chunk)
	case proto.TypeStreamEnd:
		p.mu.Lock()
		s := p.inStreams[id]
		delete(p.inStreams, id)
		p.mu.Unlock()
		if s != nil {
			s.finish(nil)
		}
	case proto.TypeStreamCancel:
		p.mu.Lock()
		o := p.outStreams[id]
		p.mu.Unlock()
		if o != nil {
			o.cancel()
		}
	}
}

func (p *Peer) onSignal(t proto.FrameType, payload []byte) {
	var s proto.SignalBody
	if err := json.Unmarshal(payload, &s); err != nil {
		log.Printf("rpc %s: %v", t, err)
		return
	}
	h := p.opts.Handler
	if h == nil {
		return
	}
	switch t {
	case proto.TypeSignalSubscribe:
		h.SignalSubscribe(p, s.FQN)
	case proto.TypeSignalUnsubscribe:
		h.SignalUnsubscribe(p, s.FQN)
	case proto.TypeSignalEvent:
		h.SignalEvent(p, s.FQN, s.Data)
	}
}

func (p *Peer) onPing(payload []byte) {
	var ping proto.Ping
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ping); err != nil {
			log.Println("rpc ping:", err)
		}
	}
	p.mu.Lock()
	p.lastPing = time.Now()
	both := ping.Standby && p.standby
	p.mu.Unlock()
	if both {
		p.closeWith(nil, false)
	}
}

func (p *Peer) takePending(id uint64) chan callResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.pending[id]
	delete(p.pending, id)
	return c
}

// dropPending reports whether the call was still waiting for its result.
func (p *Peer) dropPending(id uint64) bool {
	return p.takePending(id) != nil
}

func (p *Peer) allocStreamID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextStreamID
	p.nextStreamID++
	return id
}

func (p *Peer) startPumps(streams []*outStream) {
	if len(streams) == 0 {
		return
	}
	p.mu.Lock()
	for _, o := range streams {
		p.outStreams[o.id] = o
	}
	p.mu.Unlock()
	for _, o := range streams {
		go p.pump(o)
	}
}

func (p *Peer) dropOutStream(id uint32) {
	p.mu.Lock()
	delete(p.outStreams, id)
	p.mu.Unlock()
}

// bindInStream registers (or returns) the inbound binding for id.
func (p *Peer) bindInStream(id uint32) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.inStreams[id]; ok {
		return s
	}
	s := newStream(p, id)
	if p.halt.IsClosed() {
		s.finish(ErrClosed)
		return s
	}
	p.inStreams[id] = s
	return s
}

// dropInStream reports whether id was still bound.
func (p *Peer) dropInStream(id uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inStreams[id]
	delete(p.inStreams, id)
	return ok
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
