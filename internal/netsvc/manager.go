package netsvc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"dev.c0redev.peerlink/internal/crypto"
	"dev.c0redev.peerlink/internal/rpc"
	"dev.c0redev.peerlink/internal/service"
)

var (
	ErrNoCandidates      = errors.New("netsvc: no candidates found")
	ErrNoUsableInterface = errors.New("netsvc: no connection interface found")
	ErrNotConnected      = errors.New("netsvc: not connected")
	ErrStopped           = errors.New("netsvc: stopped")
)

const DefaultConnectTimeout = 30 * time.Second

// Options for New.
type Options struct {
	Crypto     crypto.Provider
	DeviceName string
	Registry   *service.Registry
	// Peers decides which callers count as paired; nil means none are.
	Peers          service.PeerDirectory
	Interfaces     []Interface
	PingInterval   time.Duration
	ConnectTimeout time.Duration
}

// record: one ready (or handshaking) RPC peer.
type record struct {
	id   uint64
	typ  string
	peer *rpc.Peer

	mu      sync.Mutex
	primary bool
	subs    map[string]func()
}

func (r *record) detachSubs() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]func())
	r.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

// Manager owns all connections of this device.
type Manager struct {
	opts   Options
	self   string
	ifaces []Interface
	sf     singleflight.Group
	nextID atomic.Uint64
	events *service.Signal[ConnectionEvent]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	primary  map[string]*record
	byPeer   map[*rpc.Peer]*record
	remotes  map[string]*Remote
	autoConn map[string]map[string]struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Crypto == nil || opts.Registry == nil {
		return nil, errors.New("netsvc: crypto and registry required")
	}
	self, err := opts.Crypto.Fingerprint(opts.Crypto.PublicKeyPEM())
	if err != nil {
		return nil, fmt.Errorf("netsvc: own fingerprint: %w", err)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	m := &Manager{
		opts:     opts,
		self:     self,
		ifaces:   opts.Interfaces,
		events:   service.NewSignal[ConnectionEvent](true),
		primary:  make(map[string]*record),
		byPeer:   make(map[*rpc.Peer]*record),
		remotes:  make(map[string]*Remote),
		autoConn: make(map[string]map[string]struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Fingerprint of this device.
func (m *Manager) Fingerprint() string { return m.self }

// Events fires Added when a connection becomes primary and Removed when the primary closes.
func (m *Manager) Events() *service.Signal[ConnectionEvent] { return m.events }

// Start starts every interface in registration order.
func (m *Manager) Start(ctx context.Context) error {
	for _, iface := range m.ifaces {
		if err := iface.Start(ctx, &ifaceEvents{m: m, iface: iface}); err != nil {
			return fmt.Errorf("netsvc start %s: %w", iface.Type(), err)
		}
		Debugf("netsvc interface %s started", iface.Type())
	}
	return nil
}

// Stop stops the interfaces and closes every connection.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	peers := make([]*rpc.Peer, 0, len(m.byPeer))
	for p := range m.byPeer {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	m.cancel()
	var first error
	for _, iface := range m.ifaces {
		if err := iface.Stop(); err != nil && first == nil {
			first = err
		}
	}
	for _, p := range peers {
		p.Close()
	}
	return first
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) iface(typ string) Interface {
	for _, i := range m.ifaces {
		if i.Type() == typ {
			return i
		}
	}
	return nil
}

func (m *Manager) primaryPeer(fp string) *rpc.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.primary[fp]; r != nil {
		return r.peer
	}
	return nil
}

// Remote returns the call proxy for fp (connected or not).
func (m *Manager) Remote(fp string) *Remote {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.remotes[fp]
	if r == nil {
		r = newRemote(m, fp)
		m.remotes[fp] = r
	}
	return r
}

// Connect returns the proxy for fp, dialing if there is no primary connection.
// Concurrent callers for the same fingerprint share one attempt.
func (m *Manager) Connect(ctx context.Context, fp string) (*Remote, error) {
	if fp == "" {
		return nil, errors.New("netsvc: empty fingerprint")
	}
	if m.isStopped() {
		return nil, ErrStopped
	}
	if m.primaryPeer(fp) != nil {
		return m.Remote(fp), nil
	}
	ch := m.sf.DoChan(fp, func() (any, error) {
		return nil, m.dial(fp)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return m.Remote(fp), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dial runs under the single-flight key; it is not bound to any one caller's ctx.
func (m *Manager) dial(fp string) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	defer cancel()

	cands := m.Candidates(ctx, fp)
	if len(cands) == 0 {
		return fmt.Errorf("%w for fingerprint %s", ErrNoCandidates, fp)
	}
	for _, c := range cands {
		if c.Fingerprint != fp {
			continue
		}
		if m.primaryPeer(fp) != nil {
			// an inbound connection won the race
			return nil
		}
		iface := m.iface(c.Type)
		if iface == nil {
			continue
		}
		log.Printf("netsvc connecting to %s on %s", short(fp), c.Type)
		if err := m.connectCandidate(ctx, iface, c); err != nil {
			log.Printf("netsvc connect %s on %s: %v", short(fp), c.Type, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w for fingerprint %s", ErrNoUsableInterface, fp)
}

func (m *Manager) connectCandidate(ctx context.Context, iface Interface, c Candidate) error {
	ch, err := iface.Connect(ctx, c)
	if err != nil {
		return err
	}
	p := m.setup(iface, c.Fingerprint, ch)
	if err := p.WaitReady(ctx); err != nil {
		p.Close()
		return err
	}
	return nil
}

// Candidates gathers from every interface in registration order; interface errors are logged.
func (m *Manager) Candidates(ctx context.Context, fp string) []Candidate {
	var out []Candidate
	for _, iface := range m.ifaces {
		cs, err := iface.Candidates(ctx, fp)
		if err != nil {
			log.Printf("netsvc candidates from %s: %v", iface.Type(), err)
			continue
		}
		for _, c := range cs {
			c.Type = iface.Type()
			out = append(out, c)
		}
	}
	return out
}

// setup wraps ch in an RPC peer; the record is registered right away so close is always observed.
func (m *Manager) setup(iface Interface, fp string, ch rpc.Channel) *rpc.Peer {
	rec := &record{
		id:   m.nextID.Add(1),
		typ:  iface.Type(),
		subs: make(map[string]func()),
	}
	Debugf("netsvc setting up connection %d for %s on %s", rec.id, orIncoming(fp), rec.typ)
	ready := make(chan struct{})
	rec.peer = rpc.New(rpc.Options{
		Channel:      ch,
		Crypto:       m.opts.Crypto,
		DeviceName:   m.opts.DeviceName,
		Fingerprint:  fp,
		Secure:       iface.Secure(),
		PingInterval: m.opts.PingInterval,
		Handler:      (*handler)(m),
		OnReady: func(*rpc.Peer) {
			<-ready
			m.onReady(rec)
		},
		OnClose: func(_ *rpc.Peer, err error) {
			<-ready
			m.onClose(rec, err)
		},
	})
	m.mu.Lock()
	m.byPeer[rec.peer] = rec
	stopped := m.stopped
	m.mu.Unlock()
	close(ready)
	if stopped {
		rec.peer.Close()
	}
	return rec.peer
}

func (m *Manager) accept(iface Interface, ch rpc.Channel) {
	if m.isStopped() {
		ch.Close()
		return
	}
	m.setup(iface, "", ch)
}

func (m *Manager) onReady(rec *record) {
	fp := rec.peer.Fingerprint()
	loopback := fp == m.self

	m.mu.Lock()
	old := m.primary[fp]
	m.primary[fp] = rec
	remote := m.remotes[fp]
	m.mu.Unlock()

	rec.mu.Lock()
	rec.primary = true
	rec.mu.Unlock()
	log.Printf("netsvc connection %d ready: %s (%s) on %s", rec.id, short(fp), rec.peer.DeviceName(), rec.typ)

	if old != nil && old != rec && !loopback {
		old.mu.Lock()
		old.primary = false
		old.mu.Unlock()
		old.detachSubs()
		old.peer.SetStandby(true)
		log.Printf("netsvc connection %d to %s moved to standby", old.id, short(fp))
	}
	if remote != nil {
		remote.resubscribe(rec.peer)
	}
	m.events.Dispatch(ConnectionEvent{Kind: Added, Info: m.info(fp, rec)})
}

func (m *Manager) onClose(rec *record, err error) {
	fp := rec.peer.Fingerprint()
	m.mu.Lock()
	delete(m.byPeer, rec.peer)
	wasPrimary := fp != "" && m.primary[fp] == rec
	if wasPrimary {
		delete(m.primary, fp)
	}
	m.mu.Unlock()

	rec.detachSubs()
	if err != nil {
		log.Printf("netsvc connection %d to %s on %s closed: %v", rec.id, orIncoming(fp), rec.typ, err)
	} else {
		Debugf("netsvc connection %d to %s on %s closed", rec.id, orIncoming(fp), rec.typ)
	}
	if wasPrimary {
		m.events.Dispatch(ConnectionEvent{Kind: Removed, Info: m.info(fp, rec)})
	}
}

func (m *Manager) recordOf(p *rpc.Peer) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byPeer[p]
}

func (m *Manager) info(fp string, rec *record) ConnectionInfo {
	m.mu.Lock()
	standby := 0
	for _, r := range m.byPeer {
		if r != rec && r.peer.Fingerprint() == fp && r.peer.Standby() {
			standby++
		}
	}
	m.mu.Unlock()
	return ConnectionInfo{
		Fingerprint:    fp,
		DeviceName:     rec.peer.DeviceName(),
		ConnectionType: rec.typ,
		Standby:        standby,
	}
}

// ConnectionInfo of the primary connection to fp.
func (m *Manager) ConnectionInfo(fp string) (ConnectionInfo, bool) {
	m.mu.Lock()
	rec := m.primary[fp]
	m.mu.Unlock()
	if rec == nil {
		return ConnectionInfo{}, false
	}
	return m.info(fp, rec), true
}

// ConnectedDevices lists primary connections sorted by fingerprint.
func (m *Manager) ConnectedDevices() []ConnectionInfo {
	m.mu.Lock()
	fps := make([]string, 0, len(m.primary))
	for fp := range m.primary {
		fps = append(fps, fp)
	}
	m.mu.Unlock()
	sort.Strings(fps)
	out := make([]ConnectionInfo, 0, len(fps))
	for _, fp := range fps {
		if info, ok := m.ConnectionInfo(fp); ok {
			out = append(out, info)
		}
	}
	return out
}

// AddAutoConnect dials fp whenever an interface observes it. key groups requesters; empty is the default key.
func (m *Manager) AddAutoConnect(fp, key string) {
	if key == "" {
		key = "__default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.autoConn[fp]
	if keys == nil {
		keys = make(map[string]struct{})
		m.autoConn[fp] = keys
	}
	keys[key] = struct{}{}
}

// RemoveAutoConnect drops one key, or every key when key is empty.
func (m *Manager) RemoveAutoConnect(fp, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.autoConn[fp]
	if keys == nil {
		return
	}
	if key == "" {
		delete(m.autoConn, fp)
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(m.autoConn, fp)
	}
}

func (m *Manager) autoConnect(fp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.autoConn[fp]) > 0
}

func (m *Manager) candidateAvailable(iface Interface, c Candidate) {
	fp := c.Fingerprint
	if fp == "" || !m.autoConnect(fp) || m.isStopped() {
		return
	}
	if m.primaryPeer(fp) != nil {
		Debugf("netsvc already connected to %s, skipping auto-connect on %s", short(fp), c.Type)
		return
	}
	ch := m.sf.DoChan(fp, func() (any, error) {
		if m.primaryPeer(fp) != nil {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
		defer cancel()
		log.Printf("netsvc auto-connecting to %s on %s", short(fp), c.Type)
		return nil, m.connectCandidate(ctx, iface, c)
	})
	go func() {
		if res := <-ch; res.Err != nil {
			log.Printf("netsvc auto-connect %s on %s: %v", short(fp), c.Type, res.Err)
		}
	}()
}

// handler is the rpc.Handler side of the manager.
type handler Manager

func (h *handler) MethodCall(ctx context.Context, p *rpc.Peer, method string, args *rpc.Args) (any, error) {
	m := (*Manager)(h)
	fp := p.Fingerprint()
	if fp == "" {
		return nil, fmt.Errorf("fingerprint not resolved for method call %s", method)
	}
	typ := ""
	if rec := m.recordOf(p); rec != nil {
		typ = rec.typ
	}
	return m.opts.Registry.Invoke(ctx, service.Caller{
		Fingerprint:    fp,
		ConnectionType: typ,
		FQN:            method,
	}, args, m.opts.Peers)
}

func (h *handler) SignalSubscribe(p *rpc.Peer, fqn string) {
	m := (*Manager)(h)
	rec := m.recordOf(p)
	if rec == nil {
		return
	}
	sig, ok := m.opts.Registry.Signal(fqn)
	if !ok || !sig.Meta().Exposed {
		log.Printf("netsvc Signal %s is not exposed.", fqn)
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.subs[fqn]; ok {
		return
	}
	rec.subs[fqn] = sig.Relay(func(data []any) {
		if err := p.SendSignal(fqn, data); err != nil && !errors.Is(err, rpc.ErrClosed) {
			log.Printf("netsvc relay %s to %s: %v", fqn, short(p.Fingerprint()), err)
		}
	})
	Debugf("netsvc %s subscribed to %s", short(p.Fingerprint()), fqn)
}

func (h *handler) SignalUnsubscribe(p *rpc.Peer, fqn string) {
	rec := (*Manager)(h).recordOf(p)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	cancel := rec.subs[fqn]
	delete(rec.subs, fqn)
	rec.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *handler) SignalEvent(p *rpc.Peer, fqn string, data []json.RawMessage) {
	m := (*Manager)(h)
	m.mu.Lock()
	r := m.remotes[p.Fingerprint()]
	m.mu.Unlock()
	if r != nil {
		r.publish(fqn, data)
	}
}

func orIncoming(fp string) string {
	if fp == "" {
		return "incoming connection"
	}
	return short(fp)
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
