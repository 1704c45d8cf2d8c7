package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"dev.c0redev.peerlink/internal/crypto"
	"dev.c0redev.peerlink/internal/proto"
)

// memChannel: in-memory link; every Send arrives as two chunks.
type memChannel struct {
	in   chan []byte
	peer *memChannel
	once sync.Once
	done chan struct{}
}

func memPair() (*memChannel, *memChannel) {
	a := &memChannel{in: make(chan []byte, 4096), done: make(chan struct{})}
	b := &memChannel{in: make(chan []byte, 4096), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memChannel) Send(p []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	case <-c.peer.done:
		return io.ErrClosedPipe
	default:
	}
	half := len(p) / 2
	for _, part := range [][]byte{p[:half], p[half:]} {
		select {
		case c.peer.in <- append([]byte(nil), part...):
		case <-c.done:
			return io.ErrClosedPipe
		case <-c.peer.done:
			return io.ErrClosedPipe
		}
	}
	return nil
}

func (c *memChannel) Run(onMessage func([]byte)) error {
	for {
		select {
		case b := <-c.in:
			onMessage(b)
		case <-c.done:
			return io.EOF
		case <-c.peer.done:
			return io.EOF
		}
	}
}

func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type signalEvent struct {
	fqn  string
	data []json.RawMessage
}

// testHandler: methods by name plus recorded signal traffic.
type testHandler struct {
	methods map[string]func(ctx context.Context, args *Args) (any, error)

	mu     sync.Mutex
	subs   []string
	unsubs []string
	events []signalEvent
}

func (h *testHandler) MethodCall(ctx context.Context, p *Peer, method string, args *Args) (any, error) {
	fn, ok := h.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownMethod, method)
	}
	return fn(ctx, args)
}

func (h *testHandler) SignalSubscribe(p *Peer, fqn string) {
	h.mu.Lock()
	h.subs = append(h.subs, fqn)
	h.mu.Unlock()
}

func (h *testHandler) SignalUnsubscribe(p *Peer, fqn string) {
	h.mu.Lock()
	h.unsubs = append(h.unsubs, fqn)
	h.mu.Unlock()
}

func (h *testHandler) SignalEvent(p *Peer, fqn string, data []json.RawMessage) {
	h.mu.Lock()
	h.events = append(h.events, signalEvent{fqn, data})
	h.mu.Unlock()
}

func echoHandler() *testHandler {
	return &testHandler{methods: map[string]func(context.Context, *Args) (any, error){
		"app.echo": func(_ context.Context, a *Args) (any, error) {
			var s string
			if err := a.Decode(0, &s); err != nil {
				return nil, err
			}
			return s, nil
		},
		"app.fail": func(context.Context, *Args) (any, error) {
			return nil, errors.New("boom")
		},
		"app.panic": func(context.Context, *Args) (any, error) {
			panic("bad handler")
		},
	}}
}

var (
	idOnce   sync.Once
	idA, idB *crypto.Identity
)

func identities(t *testing.T) (*crypto.Identity, *crypto.Identity) {
	idOnce.Do(func() {
		var err error
		idA, err = crypto.NewIdentity()
		require.NoError(t, err)
		idB, err = crypto.NewIdentity()
		require.NoError(t, err)
	})
	return idA, idB
}

type pairOpts struct {
	secure   bool
	expectB  string
	handlerA Handler
	handlerB Handler
	interval time.Duration
	onCloseA func(*Peer, error)
}

// newPair: a dials b (a expects b's fingerprint).
func newPair(t *testing.T, o pairOpts) (*Peer, *Peer) {
	t.Helper()
	ia, ib := identities(t)
	ca, cb := memPair()
	expect := o.expectB
	if expect == "" {
		expect = ib.ID()
	}
	a := New(Options{Channel: ca, Crypto: ia, DeviceName: "alpha", Fingerprint: expect, Secure: o.secure,
		Handler: o.handlerA, PingInterval: o.interval, OnClose: o.onCloseA})
	b := New(Options{Channel: cb, Crypto: ib, DeviceName: "beta", Secure: o.secure,
		Handler: o.handlerB, PingInterval: o.interval})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func waitReady(t *testing.T, peers ...*Peer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range peers {
		require.NoError(t, p.WaitReady(ctx))
	}
}

func TestHappyPathEcho(t *testing.T) {
	for _, secure := range []bool{false, true} {
		t.Run(fmt.Sprintf("secure=%v", secure), func(t *testing.T) {
			a, b := newPair(t, pairOpts{secure: secure, handlerB: echoHandler()})
			waitReady(t, a, b)

			ia, ib := identities(t)
			require.Equal(t, ib.ID(), a.Fingerprint())
			require.Equal(t, ia.ID(), b.Fingerprint())
			require.Equal(t, "beta", a.DeviceName())
			require.Equal(t, "alpha", b.DeviceName())

			res, err := a.Call(context.Background(), "app.echo", "hi")
			require.NoError(t, err)
			var s string
			require.NoError(t, res.Decode(&s))
			require.Equal(t, "hi", s)

			a.mu.Lock()
			aEnc, aDec := a.encKey, a.decKey
			a.mu.Unlock()
			b.mu.Lock()
			bEnc, bDec := b.encKey, b.decKey
			b.mu.Unlock()
			if secure {
				require.Nil(t, aEnc)
				require.Nil(t, bDec)
			} else {
				require.Len(t, aEnc, crypto.KeySize)
				require.Equal(t, aEnc, bDec)
				require.Equal(t, bEnc, aDec)
			}
		})
	}
}

func TestLargePayloadAcrossChunks(t *testing.T) {
	a, b := newPair(t, pairOpts{handlerB: echoHandler()})
	waitReady(t, a, b)
	big := string(bytes.Repeat([]byte("z"), 200*1024))
	res, err := a.Call(context.Background(), "app.echo", big)
	require.NoError(t, err)
	var s string
	require.NoError(t, res.Decode(&s))
	require.Equal(t, big, s)
}

func TestCallCorrelationOutOfOrder(t *testing.T) {
	const n = 8
	var gates [n + 1]chan struct{}
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	var arrived atomic.Int32
	h := &testHandler{methods: map[string]func(context.Context, *Args) (any, error){
		"app.wait": func(_ context.Context, a *Args) (any, error) {
			var i int
			if err := a.Decode(0, &i); err != nil {
				return nil, err
			}
			arrived.Add(1)
			<-gates[i]
			return i * 10, nil
		},
	}}
	a, b := newPair(t, pairOpts{handlerB: h})
	waitReady(t, a, b)

	results := make([]int, n+1)
	errs := make([]error, n+1)
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.Call(context.Background(), "app.wait", i)
			if err == nil {
				err = res.Decode(&results[i])
			}
			errs[i] = err
		}(i)
	}
	require.Eventually(t, func() bool { return arrived.Load() == n }, 5*time.Second, 5*time.Millisecond)
	for i := n; i >= 1; i-- {
		close(gates[i])
	}
	wg.Wait()
	for i := 1; i <= n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, i*10, results[i])
	}
}

func TestHandlerErrorsKeepConnection(t *testing.T) {
	a, b := newPair(t, pairOpts{handlerB: echoHandler()})
	waitReady(t, a, b)
	ctx := context.Background()

	_, err := a.Call(ctx, "app.nope")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Contains(t, re.Message, "unknown method")
	require.Equal(t, "app.nope", re.Method)

	_, err = a.Call(ctx, "app.fail")
	require.ErrorAs(t, err, &re)
	require.Equal(t, "boom", re.Message)

	_, err = a.Call(ctx, "app.panic")
	require.ErrorAs(t, err, &re)

	res, err := a.Call(ctx, "app.echo", "still here")
	require.NoError(t, err)
	var s string
	require.NoError(t, res.Decode(&s))
	require.Equal(t, "still here", s)
}

func TestFingerprintMismatch(t *testing.T) {
	closed := make(chan error, 1)
	a, _ := newPair(t, pairOpts{expectB: "deadbeef", onCloseA: func(_ *Peer, err error) { closed <- err }})
	select {
	case err := <-closed:
		require.ErrorIs(t, err, ErrFingerprintMismatch)
	case <-time.After(5 * time.Second):
		t.Fatal("not closed")
	}
	require.False(t, a.Ready())
	_, err := a.Call(context.Background(), "app.echo", "x")
	require.ErrorIs(t, err, ErrClosed)
}

func TestSecondHelloIgnored(t *testing.T) {
	a, b := newPair(t, pairOpts{handlerB: echoHandler()})
	waitReady(t, a, b)

	_, other := identities(t)
	hello, _ := json.Marshal(proto.Hello{Version: proto.ProtocolVersion, DeviceName: "intruder", PublicKeyPEM: other.PublicKeyPEM()})
	frame, _ := proto.Encode(proto.TypeHello, 0, hello)
	require.NoError(t, b.ch.Send(frame))

	res, err := a.Call(context.Background(), "app.echo", "ok")
	require.NoError(t, err)
	var s string
	require.NoError(t, res.Decode(&s))
	require.Equal(t, "ok", s)
	require.True(t, a.Ready())
	require.Equal(t, "beta", a.DeviceName())
}

// rawRemote drives the handshake by hand from the far end of a memChannel.
type rawRemote struct {
	t   *testing.T
	ch  *memChannel
	id  *crypto.Identity
	dec proto.Decoder
}

func (r *rawRemote) next() proto.Frame {
	r.t.Helper()
	for {
		select {
		case b := <-r.ch.in:
			frames, err := r.dec.Feed(b)
			require.NoError(r.t, err)
			if len(frames) > 0 {
				require.Len(r.t, frames, 1)
				return frames[0]
			}
		case <-time.After(5 * time.Second):
			r.t.Fatal("no frame")
		}
	}
}

func (r *rawRemote) send(t proto.FrameType, payload []byte) {
	b, err := proto.Encode(t, 0, payload)
	require.NoError(r.t, err)
	require.NoError(r.t, r.ch.Send(b))
}

func TestInvalidOTPCloses(t *testing.T) {
	ia, ib := identities(t)
	ca, cb := memPair()
	closed := make(chan error, 1)
	a := New(Options{Channel: ca, Crypto: ia, Secure: true, OnClose: func(_ *Peer, err error) { closed <- err }})
	defer a.Close()

	r := &rawRemote{t: t, ch: cb, id: ib}
	require.Equal(t, proto.TypeHello, r.next().Type)
	hello, _ := json.Marshal(proto.Hello{Version: proto.ProtocolVersion, PublicKeyPEM: ib.PublicKeyPEM()})
	r.send(proto.TypeHello, hello)

	f := r.next()
	require.Equal(t, proto.TypeAuthChallenge, f.Type)
	plain, err := ib.Decrypt(f.Payload)
	require.NoError(t, err)
	var ch proto.Challenge
	require.NoError(t, json.Unmarshal(plain, &ch))
	require.NotEmpty(t, ch.OTP)
	require.Empty(t, ch.SecurityKey, "secure transport carries no key")

	reply, _ := json.Marshal(proto.AuthReply{OTP: ch.OTP + "x"})
	sealed, err := ib.EncryptTo(ia.PublicKeyPEM(), reply)
	require.NoError(t, err)
	r.send(proto.TypeAuthResponse, sealed)

	select {
	case err := <-closed:
		require.ErrorIs(t, err, ErrAuthFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("not closed")
	}
}

func TestMessagesBeforeReadyDropped(t *testing.T) {
	ia, ib := identities(t)
	ca, cb := memPair()
	called := make(chan struct{}, 1)
	h := &testHandler{methods: map[string]func(context.Context, *Args) (any, error){
		"app.x": func(context.Context, *Args) (any, error) { called <- struct{}{}; return nil, nil },
	}}
	a := New(Options{Channel: ca, Crypto: ia, Secure: true, Handler: h})
	defer a.Close()

	r := &rawRemote{t: t, ch: cb, id: ib}
	r.next() // HELLO
	req, _ := json.Marshal(proto.Request{CallID: 1, Method: "app.x", Params: "[]"})
	r.send(proto.TypeRequest, req)
	hello, _ := json.Marshal(proto.Hello{Version: proto.ProtocolVersion, PublicKeyPEM: ib.PublicKeyPEM()})
	r.send(proto.TypeHello, hello)
	r.send(proto.TypeRequest, req)
	require.Equal(t, proto.TypeAuthChallenge, r.next().Type)

	select {
	case <-called:
		t.Fatal("request before ready must not be dispatched")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-a.Done():
		t.Fatal("dropping is not fatal")
	default:
	}
}

func TestStreamArgumentAndResult(t *testing.T) {
	h := &testHandler{methods: map[string]func(context.Context, *Args) (any, error){
		"files.upload": func(_ context.Context, a *Args) (any, error) {
			var name string
			if err := a.Decode(0, &name); err != nil {
				return nil, err
			}
			s := a.Stream(1)
			if s == nil {
				return nil, errors.New("no stream")
			}
			b, err := io.ReadAll(s)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%s:%d", name, len(b)), nil
		},
		"files.download": func(_ context.Context, a *Args) (any, error) {
			var n int
			if err := a.Decode(0, &n); err != nil {
				return nil, err
			}
			return bytes.NewReader(bytes.Repeat([]byte("d"), n)), nil
		},
	}}
	a, b := newPair(t, pairOpts{handlerB: h})
	waitReady(t, a, b)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("u"), 3*streamChunkSize+17)
	res, err := a.Call(ctx, "files.upload", "f.bin", bytes.NewReader(payload))
	require.NoError(t, err)
	var got string
	require.NoError(t, res.Decode(&got))
	require.Equal(t, fmt.Sprintf("f.bin:%d", len(payload)), got)

	res, err = a.Call(ctx, "files.download", 100000)
	require.NoError(t, err)
	s := res.Stream()
	require.NotNil(t, s)
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Len(t, data, 100000)
}

// endless reader that records Close.
type endless struct {
	closed atomic.Bool
	reads  atomic.Int64
}

func (e *endless) Read(b []byte) (int, error) {
	if e.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	e.reads.Add(1)
	time.Sleep(time.Millisecond)
	for i := range b {
		b[i] = 'e'
	}
	return len(b), nil
}

func (e *endless) Close() error {
	e.closed.Store(true)
	return nil
}

func TestStreamCancelStopsSource(t *testing.T) {
	src := &endless{}
	h := &testHandler{methods: map[string]func(context.Context, *Args) (any, error){
		"media.live": func(context.Context, *Args) (any, error) { return src, nil },
	}}
	a, b := newPair(t, pairOpts{handlerB: h})
	waitReady(t, a, b)

	res, err := a.Call(context.Background(), "media.live")
	require.NoError(t, err)
	s := res.Stream()
	buf := make([]byte, 1024)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.Eventually(t, src.closed.Load, 5*time.Second, 5*time.Millisecond)
	_, err = s.Read(buf)
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestCloseRejectsPendingAndFailsStreams(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := &testHandler{methods: map[string]func(context.Context, *Args) (any, error){
		"app.block": func(ctx context.Context, _ *Args) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, nil
		},
		"media.live": func(context.Context, *Args) (any, error) { return &endless{}, nil },
	}}
	a, b := newPair(t, pairOpts{handlerB: h})
	waitReady(t, a, b)

	res, err := a.Call(context.Background(), "media.live")
	require.NoError(t, err)
	s := res.Stream()

	errc := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), "app.block")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not rejected")
	}
	_, err = io.ReadAll(s)
	require.ErrorIs(t, err, ErrClosed)
	<-a.Done()
	_, err = a.Call(context.Background(), "app.block")
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseIdempotentFiresOnce(t *testing.T) {
	var n atomic.Int32
	a, b := newPair(t, pairOpts{onCloseA: func(*Peer, error) { n.Add(1) }})
	waitReady(t, a, b)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	<-b.Done()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), n.Load())
}

func TestCallContextCancel(t *testing.T) {
	h := &testHandler{methods: map[string]func(context.Context, *Args) (any, error){
		"app.slow": func(ctx context.Context, _ *Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	a, b := newPair(t, pairOpts{handlerB: h})
	waitReady(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Call(ctx, "app.slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	a.mu.Lock()
	require.Empty(t, a.pending)
	a.mu.Unlock()
}

func TestAbandonedCallCancelsResultStream(t *testing.T) {
	src := &endless{}
	release := make(chan struct{})
	h := &testHandler{methods: map[string]func(context.Context, *Args) (any, error){
		"media.late": func(context.Context, *Args) (any, error) {
			<-release
			return src, nil
		},
	}}
	a, b := newPair(t, pairOpts{handlerB: h})
	waitReady(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Call(ctx, "media.late")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the response arrives for a call nobody waits on
	close(release)
	require.Eventually(t, src.closed.Load, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.outStreams) == 0
	}, 5*time.Second, 5*time.Millisecond)
	a.mu.Lock()
	require.Empty(t, a.inStreams)
	a.mu.Unlock()
}

func TestSignals(t *testing.T) {
	ha, hb := &testHandler{}, &testHandler{}
	a, b := newPair(t, pairOpts{handlerA: ha, handlerB: hb})
	waitReady(t, a, b)

	require.NoError(t, a.SubscribeSignal("app.heartbeat"))
	require.NoError(t, b.SendSignal("app.heartbeat", []any{1, "x"}))
	require.NoError(t, a.UnsubscribeSignal("app.heartbeat"))

	require.Eventually(t, func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return len(hb.subs) == 1 && len(hb.unsubs) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		ha.mu.Lock()
		defer ha.mu.Unlock()
		return len(ha.events) == 1
	}, 5*time.Second, 5*time.Millisecond)
	ha.mu.Lock()
	ev := ha.events[0]
	ha.mu.Unlock()
	require.Equal(t, "app.heartbeat", ev.fqn)
	require.Len(t, ev.data, 2)
	require.JSONEq(t, `"x"`, string(ev.data[1]))
}

func TestDualStandbyCloses(t *testing.T) {
	a, b := newPair(t, pairOpts{interval: time.Second})
	waitReady(t, a, b)
	a.SetStandby(true)
	b.SetStandby(true)
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dual standby did not close")
	}
	require.NoError(t, a.Err())
}

func TestPingIntervalFloor(t *testing.T) {
	a, b := newPair(t, pairOpts{interval: 10 * time.Millisecond})
	require.Equal(t, MinPingInterval, a.pingInterval)
	require.Equal(t, MinPingInterval, b.pingInterval)
}

func TestConnChannel(t *testing.T) {
	var buf bytes.Buffer
	rw := &rwCloser{Reader: bytes.NewReader([]byte("abc")), Writer: &buf}
	ch := ConnChannel(rw)
	require.NoError(t, ch.Send([]byte("out")))
	require.Equal(t, "out", buf.String())
	var got []byte
	err := ch.Run(func(b []byte) { got = append(got, b...) })
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, "abc", string(got))
	require.NoError(t, ch.Close())
	require.True(t, rw.closed)
}

type rwCloser struct {
	io.Reader
	io.Writer
	closed bool
}

func (r *rwCloser) Close() error {
	r.closed = true
	return nil
}
