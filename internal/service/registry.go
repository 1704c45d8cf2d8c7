// Package service: method/signal registry with exposure metadata, built once at startup.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"dev.c0redev.peerlink/internal/rpc"
)

var ErrDuplicate = errors.New("service: already registered")

// Func is a registered callable. Caller context, when wanted, is in ctx (CallerFrom).
type Func func(ctx context.Context, args *rpc.Args) (any, error)

// Method: callable plus its exposure metadata.
type Method struct {
	Fn Func
	// Exposed methods may be called by remote peers at all.
	Exposed bool
	// AllowAll lets any authenticated peer call; otherwise only paired peers.
	AllowAll bool
	// WantsContext injects a *Caller into ctx.
	WantsContext bool
	Doc          string
}

// MethodInfo: listing entry (no callable).
type MethodInfo struct {
	FQN          string `json:"fqn"`
	Exposed      bool   `json:"exposed"`
	AllowAll     bool   `json:"allowAll"`
	WantsContext bool   `json:"wantsContext"`
	Doc          string `json:"doc,omitempty"`
}

// Registry maps fully-qualified names to methods and signals.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
	signals map[string]Relayable
}

func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]Method),
		signals: make(map[string]Relayable),
	}
}

// Register adds fqn; a name can be registered once.
func (r *Registry) Register(fqn string, m Method) error {
	if fqn == "" || m.Fn == nil {
		return fmt.Errorf("service: register %q: empty name or nil func", fqn)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[fqn]; ok {
		return fmt.Errorf("%w: method %s", ErrDuplicate, fqn)
	}
	r.methods[fqn] = m
	return nil
}

func (r *Registry) Lookup(fqn string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[fqn]
	return m, ok
}

func (r *Registry) RegisterSignal(fqn string, s Relayable) error {
	if fqn == "" || s == nil {
		return fmt.Errorf("service: register signal %q: empty name or nil signal", fqn)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signals[fqn]; ok {
		return fmt.Errorf("%w: signal %s", ErrDuplicate, fqn)
	}
	r.signals[fqn] = s
	return nil
}

func (r *Registry) Signal(fqn string) (Relayable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.signals[fqn]
	return s, ok
}

// Methods sorted by name.
func (r *Registry) Methods() []MethodInfo {
	r.mu.RLock()
	out := make([]MethodInfo, 0, len(r.methods))
	for fqn, m := range r.methods {
		out = append(out, MethodInfo{FQN: fqn, Exposed: m.Exposed, AllowAll: m.AllowAll, WantsContext: m.WantsContext, Doc: m.Doc})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FQN < out[j].FQN })
	return out
}

// Invoke resolves c.FQN, checks access for c.Fingerprint and runs the method.
func (r *Registry) Invoke(ctx context.Context, c Caller, args *rpc.Args, peers PeerDirectory) (any, error) {
	m, ok := r.Lookup(c.FQN)
	if !ok {
		return nil, fmt.Errorf("%w %s", rpc.ErrUnknownMethod, c.FQN)
	}
	if err := CheckAccess(c.Fingerprint, c.FQN, m, peers); err != nil {
		return nil, err
	}
	if m.WantsContext {
		if peers != nil && c.Peer == nil {
			c.Peer, _ = peers.Peer(c.Fingerprint)
		}
		ctx = WithCaller(ctx, &c)
	}
	return m.Fn(ctx, args)
}
