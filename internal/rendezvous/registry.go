package rendezvous

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	// SignalGrace: how long a signal for a pin nobody waits on yet is kept.
	SignalGrace     = 2 * time.Minute
	maxEarlySignals = 256
)

// early: signals that arrived before the connector registered.
type early struct {
	at       time.Time
	reject   string
	localNet bool
	addrs    []string
	port     int
}

// Registry routes out-of-band signals (peer data, rejection, same network) to waiting connectors by pin.
type Registry struct {
	grace time.Duration

	mu      sync.Mutex
	waiting map[string]*Connector
	early   *lru.Cache
	now     func() time.Time
}

func NewRegistry() *Registry {
	c, _ := lru.New(maxEarlySignals)
	return &Registry{
		grace:   SignalGrace,
		waiting: make(map[string]*Connector),
		early:   c,
		now:     time.Now,
	}
}

// Register makes c reachable by its pin and replays any remembered signal. Call the returned func when done.
func (r *Registry) Register(c *Connector) (unregister func()) {
	pin := c.Pin()
	r.mu.Lock()
	r.waiting[pin] = c
	var e *early
	if v, ok := r.early.Get(pin); ok {
		r.early.Remove(pin)
		if x := v.(*early); r.now().Sub(x.at) <= r.grace {
			e = x
		}
	}
	r.mu.Unlock()

	if e != nil {
		if e.reject != "" {
			c.Reject(e.reject)
		}
		if e.localNet {
			c.LocalNet()
		}
		if len(e.addrs) > 0 {
			c.AddPeerDetails(e.addrs, e.port)
		}
	}
	return func() {
		r.mu.Lock()
		if r.waiting[pin] == c {
			delete(r.waiting, pin)
		}
		r.mu.Unlock()
	}
}

// remember returns the waiting connector, or records the signal via fn for later.
func (r *Registry) remember(pin string, fn func(e *early)) *Connector {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.waiting[pin]; c != nil {
		return c
	}
	var e *early
	if v, ok := r.early.Get(pin); ok && r.now().Sub(v.(*early).at) <= r.grace {
		e = v.(*early)
	} else {
		e = &early{}
	}
	e.at = r.now()
	fn(e)
	r.early.Add(pin, e)
	return nil
}

// PeerData: the counterpart of pin is reachable at addrs:port.
func (r *Registry) PeerData(pin string, addrs []string, port int) {
	if c := r.remember(pin, func(e *early) {
		e.addrs = append([]string(nil), addrs...)
		e.port = port
	}); c != nil {
		c.AddPeerDetails(addrs, port)
	}
}

// Reject: the relay refused pin with code.
func (r *Registry) Reject(pin, code string) {
	if c := r.remember(pin, func(e *early) {
		if code == CodeLocalNet {
			e.localNet = true
		} else {
			e.reject = code
		}
	}); c != nil {
		c.Reject(code)
	}
}

// LocalNet: both endpoints of pin share a public address.
func (r *Registry) LocalNet(pin string) { r.Reject(pin, CodeLocalNet) }
