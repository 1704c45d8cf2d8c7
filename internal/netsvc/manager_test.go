package netsvc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"dev.c0redev.peerlink/internal/crypto"
	"dev.c0redev.peerlink/internal/rpc"
	"dev.c0redev.peerlink/internal/service"
)

// pipe: buffered in-memory rpc.Channel end.
type pipe struct {
	in   chan []byte
	peer *pipe
	once sync.Once
	done chan struct{}
}

func pipePair() (*pipe, *pipe) {
	a := &pipe{in: make(chan []byte, 4096), done: make(chan struct{})}
	b := &pipe{in: make(chan []byte, 4096), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipe) Send(p []byte) error {
	select {
	case c.peer.in <- append([]byte(nil), p...):
		return nil
	case <-c.done:
	case <-c.peer.done:
	}
	return io.ErrClosedPipe
}

func (c *pipe) Run(onMessage func([]byte)) error {
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

func (c *pipe) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// memNet routes memIface dials by fingerprint and interface type.
type memNet struct {
	mu    sync.Mutex
	nodes map[string]*memIface
}

func newMemNet() *memNet { return &memNet{nodes: make(map[string]*memIface)} }

func (n *memNet) lookup(fp, typ string) *memIface {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[fp+"/"+typ]
}

type memIface struct {
	typ  string
	fp   string
	net  *memNet
	gate chan struct{}
	fail bool

	connects atomic.Int32
	cands    atomic.Int32

	mu sync.Mutex
	ev Events
}

func (i *memIface) Type() string { return i.typ }
func (i *memIface) Secure() bool { return false }

func (i *memIface) Start(_ context.Context, ev Events) error {
	i.mu.Lock()
	i.ev = ev
	i.mu.Unlock()
	i.net.mu.Lock()
	i.net.nodes[i.fp+"/"+i.typ] = i
	i.net.mu.Unlock()
	return nil
}

func (i *memIface) Stop() error {
	i.net.mu.Lock()
	delete(i.net.nodes, i.fp+"/"+i.typ)
	i.net.mu.Unlock()
	return nil
}

func (i *memIface) events() Events {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ev
}

func (i *memIface) Candidates(_ context.Context, fp string) ([]Candidate, error) {
	i.cands.Add(1)
	if i.net.lookup(fp, i.typ) == nil {
		return nil, nil
	}
	return []Candidate{{Fingerprint: fp}}, nil
}

func (i *memIface) Connect(ctx context.Context, c Candidate) (rpc.Channel, error) {
	i.connects.Add(1)
	if i.gate != nil {
		select {
		case <-i.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i.fail {
		return nil, errors.New("refused")
	}
	target := i.net.lookup(c.Fingerprint, i.typ)
	if target == nil {
		return nil, errors.New("unreachable")
	}
	a, b := pipePair()
	target.events().Incoming(b)
	return a, nil
}

type peerSet struct {
	mu sync.Mutex
	m  map[string]*service.PeerInfo
}

func (s *peerSet) Peer(fp string) (*service.PeerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[fp], nil
}

func (s *peerSet) add(fp, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]*service.PeerInfo)
	}
	s.m[fp] = &service.PeerInfo{Fingerprint: fp, DeviceName: name}
}

type node struct {
	m      *Manager
	reg    *service.Registry
	peers  *peerSet
	ifaces map[string]*memIface
	fp     string
}

func newNode(t *testing.T, n *memNet, name string, types ...string) *node {
	t.Helper()
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	nd := &node{
		reg:    service.NewRegistry(),
		peers:  &peerSet{},
		ifaces: make(map[string]*memIface),
		fp:     id.ID(),
	}
	var list []Interface
	for _, typ := range types {
		i := &memIface{typ: typ, fp: id.ID(), net: n}
		nd.ifaces[typ] = i
		list = append(list, i)
	}
	require.NoError(t, nd.reg.Register("app.echo", service.Method{
		Exposed: true, AllowAll: true,
		Fn: func(_ context.Context, a *rpc.Args) (any, error) {
			var s string
			err := a.Decode(0, &s)
			return s, err
		},
	}))
	nd.m, err = New(Options{
		Crypto:         id,
		DeviceName:     name,
		Registry:       nd.reg,
		Peers:          nd.peers,
		Interfaces:     list,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, id.ID(), nd.m.Fingerprint())
	t.Cleanup(func() { nd.m.Stop() })
	return nd
}

func (nd *node) start(t *testing.T) {
	require.NoError(t, nd.m.Start(context.Background()))
}

func callString(t *testing.T, r *Remote, method string, args ...any) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.Call(ctx, method, args...)
	if err != nil {
		return "", err
	}
	var s string
	require.NoError(t, res.Decode(&s))
	return s, nil
}

type eventLog struct {
	mu  sync.Mutex
	evs []ConnectionEvent
}

func (l *eventLog) add(e ConnectionEvent) {
	l.mu.Lock()
	l.evs = append(l.evs, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []ConnectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionEvent(nil), l.evs...)
}

func TestConnectCallAndAccessControl(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x")
	b := newNode(t, n, "beta", "x")
	require.NoError(t, b.reg.Register("app.secret", service.Method{
		Fn: func(context.Context, *rpc.Args) (any, error) { return "secret", nil },
	}))
	require.NoError(t, b.reg.Register("app.private", service.Method{
		Exposed: true,
		Fn:      func(context.Context, *rpc.Args) (any, error) { return "private", nil },
	}))
	require.NoError(t, b.reg.Register("app.whoami", service.Method{
		Exposed: true, AllowAll: true, WantsContext: true,
		Fn: func(ctx context.Context, _ *rpc.Args) (any, error) {
			c, ok := service.CallerFrom(ctx)
			if !ok {
				return nil, errors.New("no caller")
			}
			return c.ConnectionType + ":" + c.Fingerprint, nil
		},
	}))
	a.start(t)
	b.start(t)

	var evs eventLog
	a.m.Events().Add(evs.add)

	r, err := a.m.Connect(context.Background(), b.fp)
	require.NoError(t, err)
	require.Equal(t, b.fp, r.Fingerprint())

	got, err := callString(t, r, "app.echo", "hi")
	require.NoError(t, err)
	require.Equal(t, "hi", got)

	got, err = callString(t, r, "app.whoami")
	require.NoError(t, err)
	require.Equal(t, "x:"+a.fp, got)

	_, err = callString(t, r, "app.secret")
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "Method app.secret is not exposed.", re.Message)

	_, err = callString(t, r, "app.private")
	require.ErrorAs(t, err, &re)
	require.Equal(t, "Access denied.", re.Message)

	_, err = callString(t, r, "app.missing")
	require.ErrorAs(t, err, &re)

	b.peers.add(a.fp, "alpha")
	got, err = callString(t, r, "app.private")
	require.NoError(t, err)
	require.Equal(t, "private", got)

	info, ok := r.Info()
	require.True(t, ok)
	require.Equal(t, "beta", info.DeviceName)
	require.Equal(t, "x", info.ConnectionType)
	require.Len(t, a.m.ConnectedDevices(), 1)

	require.Eventually(t, func() bool {
		_, ok := b.m.ConnectionInfo(a.fp)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.m.Stop())
	require.Eventually(t, func() bool {
		_, ok := a.m.ConnectionInfo(b.fp)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	_, err = r.Call(context.Background(), "app.echo", "x")
	require.ErrorIs(t, err, ErrNotConnected)

	list := evs.list()
	require.Len(t, list, 2)
	require.Equal(t, Added, list[0].Kind)
	require.Equal(t, Removed, list[1].Kind)
	require.Equal(t, b.fp, list[1].Info.Fingerprint)
}

func TestConnectSingleFlight(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x")
	b := newNode(t, n, "beta", "x")
	gate := make(chan struct{})
	a.ifaces["x"].gate = gate
	a.start(t)
	b.start(t)

	const callers = 8
	var wg sync.WaitGroup
	remotes := make([]*Remote, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			remotes[i], errs[i] = a.m.Connect(context.Background(), b.fp)
		}(i)
	}
	require.Eventually(t, func() bool { return a.ifaces["x"].connects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, remotes[0], remotes[i])
	}
	require.EqualValues(t, 1, a.ifaces["x"].connects.Load())
	require.EqualValues(t, 1, a.ifaces["x"].cands.Load())

	// connected: no new attempt
	_, err := a.m.Connect(context.Background(), b.fp)
	require.NoError(t, err)
	require.EqualValues(t, 1, a.ifaces["x"].cands.Load())
}

func TestConnectFailureReleasesLock(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x")
	a.start(t)

	for i := 0; i < 2; i++ {
		_, err := a.m.Connect(context.Background(), "unknown")
		require.ErrorIs(t, err, ErrNoCandidates)
	}
	require.EqualValues(t, 2, a.ifaces["x"].cands.Load())

	b := newNode(t, n, "beta", "x")
	b.start(t)
	a.ifaces["x"].fail = true
	_, err := a.m.Connect(context.Background(), b.fp)
	require.ErrorIs(t, err, ErrNoUsableInterface)

	a.ifaces["x"].fail = false
	_, err = a.m.Connect(context.Background(), b.fp)
	require.NoError(t, err)
}

func TestConnectWaiterContext(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x")
	b := newNode(t, n, "beta", "x")
	gate := make(chan struct{})
	a.ifaces["x"].gate = gate
	a.start(t)
	b.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := a.m.Connect(ctx, b.fp)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the shared attempt keeps going for other callers
	close(gate)
	r, err := a.m.Connect(context.Background(), b.fp)
	require.NoError(t, err)
	got, err := callString(t, r, "app.echo", "late")
	require.NoError(t, err)
	require.Equal(t, "late", got)
}

func TestHandover(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x", "y")
	b := newNode(t, n, "beta", "x", "y")
	a.start(t)
	b.start(t)

	var evs eventLog
	a.m.Events().Add(evs.add)

	r, err := a.m.Connect(context.Background(), b.fp)
	require.NoError(t, err)
	info, ok := r.Info()
	require.True(t, ok)
	require.Equal(t, "x", info.ConnectionType)
	oldPeer := a.m.primaryPeer(b.fp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.m.connectCandidate(ctx, a.ifaces["y"], Candidate{Fingerprint: b.fp, Type: "y"}))

	info, ok = r.Info()
	require.True(t, ok)
	require.Equal(t, "y", info.ConnectionType)
	require.NotSame(t, oldPeer, a.m.primaryPeer(b.fp))

	require.True(t, oldPeer.Standby())
	select {
	case <-oldPeer.Done():
		t.Fatal("standby connection closed on handover")
	default:
	}

	got, err := callString(t, r, "app.echo", "via y")
	require.NoError(t, err)
	require.Equal(t, "via y", got)

	list := evs.list()
	require.Len(t, list, 2)
	require.Equal(t, Added, list[0].Kind)
	require.Equal(t, "x", list[0].Info.ConnectionType)
	require.Equal(t, Added, list[1].Kind)
	require.Equal(t, "y", list[1].Info.ConnectionType)
	require.Equal(t, 1, list[1].Info.Standby)
}

func TestSignalRelay(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x")
	b := newNode(t, n, "beta", "x")
	tick := service.NewSignal[int](true)
	hidden := service.NewSignal[int](false)
	require.NoError(t, b.reg.RegisterSignal("app.tick", tick))
	require.NoError(t, b.reg.RegisterSignal("app.hidden", hidden))
	a.start(t)
	b.start(t)

	r, err := a.m.Connect(context.Background(), b.fp)
	require.NoError(t, err)

	got := make(chan []json.RawMessage, 4)
	cancel, err := r.Subscribe("app.tick", func(d []json.RawMessage) { got <- d })
	require.NoError(t, err)
	_, err = r.Subscribe("app.hidden", func([]json.RawMessage) { t.Error("hidden signal relayed") })
	require.NoError(t, err)
	require.Eventually(t, tick.HasListeners, 2*time.Second, 5*time.Millisecond)

	tick.Dispatch(7)
	select {
	case d := <-got:
		require.Len(t, d, 1)
		require.JSONEq(t, "7", string(d[0]))
	case <-time.After(2 * time.Second):
		t.Fatal("signal not relayed")
	}

	// round trip orders after the subscribe frames
	_, err = callString(t, r, "app.echo", "sync")
	require.NoError(t, err)
	require.False(t, hidden.HasListeners())

	cancel()
	require.Eventually(t, func() bool { return !tick.HasListeners() }, 2*time.Second, 5*time.Millisecond)

	_, err = r.Subscribe("app.tick", func(d []json.RawMessage) { got <- d })
	require.NoError(t, err)
	require.Eventually(t, tick.HasListeners, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.m.Stop())
	require.Eventually(t, func() bool { return !tick.HasListeners() }, 5*time.Second, 5*time.Millisecond)
}

func TestAutoConnect(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x")
	b := newNode(t, n, "beta", "x")
	a.start(t)
	b.start(t)

	ev := a.ifaces["x"].events()
	ev.CandidateAvailable(Candidate{Fingerprint: b.fp})
	time.Sleep(50 * time.Millisecond)
	_, ok := a.m.ConnectionInfo(b.fp)
	require.False(t, ok)
	require.EqualValues(t, 0, a.ifaces["x"].connects.Load())

	a.m.AddAutoConnect(b.fp, "sync")
	a.m.AddAutoConnect(b.fp, "")
	a.m.RemoveAutoConnect(b.fp, "sync")
	require.True(t, a.m.autoConnect(b.fp))

	ev.CandidateAvailable(Candidate{Fingerprint: b.fp})
	require.Eventually(t, func() bool {
		info, ok := a.m.ConnectionInfo(b.fp)
		return ok && info.ConnectionType == "x"
	}, 5*time.Second, 10*time.Millisecond)

	// already connected
	ev.CandidateAvailable(Candidate{Fingerprint: b.fp})
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, a.ifaces["x"].connects.Load())

	a.m.RemoveAutoConnect(b.fp, "")
	require.False(t, a.m.autoConnect(b.fp))
}

func TestLoopback(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x")
	a.start(t)

	r, err := a.m.Connect(context.Background(), a.fp)
	require.NoError(t, err)
	got, err := callString(t, r, "app.echo", "self")
	require.NoError(t, err)
	require.Equal(t, "self", got)

	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	require.Len(t, a.m.byPeer, 2)
	for p := range a.m.byPeer {
		require.False(t, p.Standby())
	}
}

func TestStopRejectsConnect(t *testing.T) {
	n := newMemNet()
	a := newNode(t, n, "alpha", "x")
	a.start(t)
	require.NoError(t, a.m.Stop())
	require.NoError(t, a.m.Stop())
	_, err := a.m.Connect(context.Background(), "whatever")
	require.ErrorIs(t, err, ErrStopped)
}
