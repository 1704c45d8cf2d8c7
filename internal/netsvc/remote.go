package netsvc

import (
	"context"
	"errors"
	"log"
	"sync"

	json "github.com/goccy/go-json"

	"dev.c0redev.peerlink/internal/rpc"
)

type remoteSub struct {
	id uint64
	fn func(data []json.RawMessage)
}

// Remote is the call proxy for one device; it always targets the current primary connection.
type Remote struct {
	m  *Manager
	fp string

	mu     sync.Mutex
	nextID uint64
	subs   map[string][]remoteSub
}

func newRemote(m *Manager, fp string) *Remote {
	return &Remote{m: m, fp: fp, subs: make(map[string][]remoteSub)}
}

func (r *Remote) Fingerprint() string { return r.fp }

// Info of the primary connection, false when not connected.
func (r *Remote) Info() (ConnectionInfo, bool) {
	return r.m.ConnectionInfo(r.fp)
}

// Call invokes method over the primary connection.
func (r *Remote) Call(ctx context.Context, method string, args ...any) (*rpc.Result, error) {
	p := r.m.primaryPeer(r.fp)
	if p == nil {
		return nil, ErrNotConnected
	}
	return p.Call(ctx, method, args...)
}

// Subscribe forwards remote dispatches of fqn to fn. The subscription follows handover to a new primary.
func (r *Remote) Subscribe(fqn string, fn func(data []json.RawMessage)) (cancel func(), err error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	first := len(r.subs[fqn]) == 0
	r.subs[fqn] = append(r.subs[fqn], remoteSub{id: id, fn: fn})
	r.mu.Unlock()

	if first {
		if p := r.m.primaryPeer(r.fp); p != nil {
			if err := p.SubscribeSignal(fqn); err != nil {
				r.unsubscribe(fqn, id)
				return nil, err
			}
		}
	}
	return func() { r.unsubscribe(fqn, id) }, nil
}

func (r *Remote) unsubscribe(fqn string, id uint64) {
	r.mu.Lock()
	subs := r.subs[fqn]
	found := false
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			found = true
			break
		}
	}
	last := found && len(subs) == 0
	if len(subs) == 0 {
		delete(r.subs, fqn)
	} else {
		r.subs[fqn] = subs
	}
	r.mu.Unlock()

	if !last {
		return
	}
	if p := r.m.primaryPeer(r.fp); p != nil {
		if err := p.UnsubscribeSignal(fqn); err != nil && !errors.Is(err, rpc.ErrClosed) {
			log.Printf("netsvc unsubscribe %s: %v", fqn, err)
		}
	}
}

// resubscribe replays every active subscription on a new primary.
func (r *Remote) resubscribe(p *rpc.Peer) {
	r.mu.Lock()
	fqns := make([]string, 0, len(r.subs))
	for fqn := range r.subs {
		fqns = append(fqns, fqn)
	}
	r.mu.Unlock()
	for _, fqn := range fqns {
		if err := p.SubscribeSignal(fqn); err != nil {
			log.Printf("netsvc resubscribe %s: %v", fqn, err)
		}
	}
}

func (r *Remote) publish(fqn string, data []json.RawMessage) {
	r.mu.Lock()
	subs := append([]remoteSub(nil), r.subs[fqn]...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(data)
	}
}
