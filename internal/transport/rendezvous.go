package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"dev.c0redev.peerlink/internal/netsvc"
	"dev.c0redev.peerlink/internal/rendezvous"
	"dev.c0redev.peerlink/internal/reudp"
	"dev.c0redev.peerlink/internal/rpc"
)

var ErrNoSignaling = errors.New("transport: rendezvous has no signaling")

// Invite names a rendezvous: both sides present Pin to the relay Server.
type Invite struct {
	Pin         string `json:"pin"`
	Server      string `json:"server"`
	Fingerprint string `json:"fingerprint,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
}

// Signaling reaches a remote device out of band (an account server push, say).
type Signaling interface {
	// RequestInit asks the device to join a fresh rendezvous and returns its invite.
	// The remote side is expected to get the same invite through Rendezvous.HandleInit.
	RequestInit(ctx context.Context, fingerprint string) (Invite, error)
	rendezvous.Signaler
}

// Rejecter is optionally implemented by Signaling to report a failed HandleInit back to the inviter.
type Rejecter interface {
	RejectInit(ctx context.Context, inv Invite, code string) error
}

// Rendezvous transport: UDP hole punching through a relay, reliable datagrams on top.
// Not secure; rpc negotiates a symmetric key over it.
type Rendezvous struct {
	Signaling Signaling
	Registry  *rendezvous.Registry
	// BindAddr for the per-attempt UDP socket, "" for any.
	BindAddr string
	// LocalAddrs for the same-network fallback; nil uses ICE host candidates.
	LocalAddrs func() ([]string, error)
	STUNURL    string
	Connector  rendezvous.ConnectorOptions

	mu  sync.Mutex
	ev  netsvc.Events
	ctx context.Context
}

func NewRendezvous(sig Signaling) *Rendezvous {
	return &Rendezvous{Signaling: sig, Registry: rendezvous.NewRegistry()}
}

func (r *Rendezvous) Type() string { return TypeRendezvous }
func (r *Rendezvous) Secure() bool { return false }

func (r *Rendezvous) Start(ctx context.Context, ev netsvc.Events) error {
	r.mu.Lock()
	r.ev, r.ctx = ev, ctx
	r.mu.Unlock()
	return nil
}

func (r *Rendezvous) Stop() error {
	r.mu.Lock()
	r.ev = nil
	r.mu.Unlock()
	return nil
}

// Candidates: any device is worth a try when signaling can reach it.
func (r *Rendezvous) Candidates(_ context.Context, fingerprint string) ([]netsvc.Candidate, error) {
	if r.Signaling == nil || fingerprint == "" {
		return nil, nil
	}
	return []netsvc.Candidate{{Fingerprint: fingerprint}}, nil
}

func (r *Rendezvous) Connect(ctx context.Context, c netsvc.Candidate) (rpc.Channel, error) {
	if r.Signaling == nil {
		return nil, ErrNoSignaling
	}
	inv, err := r.Signaling.RequestInit(ctx, c.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("rendezvous init: %w", err)
	}
	return r.join(ctx, inv)
}

// HandleInit: the remote asked us to join inv. The resulting channel is reported as incoming.
func (r *Rendezvous) HandleInit(inv Invite) {
	r.mu.Lock()
	ev, ctx := r.ev, r.ctx
	r.mu.Unlock()
	if ev == nil {
		log.Printf("transport rendezvous: init for pin %s while stopped", inv.Pin)
		return
	}
	go func() {
		ch, err := r.join(ctx, inv)
		if err != nil {
			log.Printf("transport rendezvous pin %s: %v", inv.Pin, err)
			r.reject(ctx, inv, err)
			return
		}
		ev.Incoming(ch)
	}()
}

// reject passes a server refusal on to the inviter so it stops waiting.
// ERR_LOCAL_NET is not final; the inviter handles it through the relay.
func (r *Rendezvous) reject(ctx context.Context, inv Invite, err error) {
	var se *rendezvous.ServerError
	if !errors.As(err, &se) || se.Code == rendezvous.CodeLocalNet {
		return
	}
	rj, ok := r.Signaling.(Rejecter)
	if !ok {
		return
	}
	if err := rj.RejectInit(ctx, inv, se.Code); err != nil {
		log.Printf("transport rendezvous pin %s: reject: %v", inv.Pin, err)
	}
}

// HandlePeerData, HandleReject and HandleLocalNet route signaling notifications to the waiting attempt.
func (r *Rendezvous) HandlePeerData(pin string, addrs []string, port int) {
	r.Registry.PeerData(pin, addrs, port)
}

func (r *Rendezvous) HandleReject(pin, code string) { r.Registry.Reject(pin, code) }

func (r *Rendezvous) HandleLocalNet(pin string) { r.Registry.LocalNet(pin) }

func (r *Rendezvous) join(ctx context.Context, inv Invite) (*reudp.Channel, error) {
	server, err := net.ResolveUDPAddr("udp", inv.Server)
	if err != nil {
		return nil, err
	}
	sock, err := reudp.ListenUDP(r.BindAddr)
	if err != nil {
		return nil, err
	}
	opts := r.Connector
	opts.Server = server
	opts.Pin = inv.Pin
	opts.Port = sock.Port()
	if opts.Signaler == nil {
		opts.Signaler = r.Signaling
	}
	if opts.LocalAddrs == nil {
		opts.LocalAddrs = r.localAddrs
	}
	opts.Channel.OwnSocket = true

	c := rendezvous.NewConnector(sock, opts)
	unregister := r.Registry.Register(c)
	defer unregister()
	ch, err := c.Connect(ctx)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return ch, nil
}

func (r *Rendezvous) localAddrs() ([]string, error) {
	if r.LocalAddrs != nil {
		return r.LocalAddrs()
	}
	return LocalAddrs(r.STUNURL)
}
