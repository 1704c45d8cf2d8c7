// Package transport: netsvc interfaces over LAN TCP, QUIC and UDP rendezvous.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"dev.c0redev.peerlink/internal/discovery"
	"dev.c0redev.peerlink/internal/netsvc"
)

const (
	TypeTCP        = "tcp"
	TypeQUIC       = "quic"
	TypeRendezvous = "rendezvous"
)

var ErrUnreachable = errors.New("transport: no candidate address reachable")

// AddrCache keeps the last addresses seen for a device (store.DB).
type AddrCache interface {
	CacheAddrs(fingerprint string, addrs []string, port int, hostAddr string) error
	CachedAddrs(fingerprint string, hostAddrs []string) (addrs []string, port int, ok bool, err error)
}

// Directory turns discovery records (or, on a miss, cached addresses) into candidates.
type Directory struct {
	Resolver discovery.Resolver
	Cache    AddrCache
	// HostAddrs: this device's current addresses; a cached entry recorded on another network is ignored.
	HostAddrs func() ([]string, error)
	// Known fingerprints, listed when Candidates is asked for everything.
	Known func() []string
}

func (d *Directory) candidates(scheme, fingerprint string) []netsvc.Candidate {
	if d == nil {
		return nil
	}
	if fingerprint == "" {
		if d.Known == nil {
			return nil
		}
		var out []netsvc.Candidate
		for _, fp := range d.Known() {
			if fp != "" {
				out = append(out, d.candidates(scheme, fp)...)
			}
		}
		return out
	}

	var name string
	var hosts []string
	port := 0
	if d.Resolver != nil {
		if c, ok := candidateFrom(scheme, d.Resolver.Lookup(fingerprint)); ok {
			name, hosts, port = c.DeviceName, c.Addrs, c.Port
		}
	}
	key := scheme + ":" + fingerprint
	local := d.hostAddrs()
	if len(hosts) > 0 {
		if d.Cache != nil && len(local) > 0 {
			if err := d.Cache.CacheAddrs(key, hosts, port, local[0]); err != nil {
				log.Println("transport addr cache:", err)
			}
		}
	} else if d.Cache != nil {
		cached, p, ok, err := d.Cache.CachedAddrs(key, local)
		if err != nil {
			log.Println("transport addr cache:", err)
		}
		if !ok {
			return nil
		}
		hosts, port = cached, p
	}
	if len(hosts) == 0 {
		return nil
	}
	return []netsvc.Candidate{{Fingerprint: fingerprint, DeviceName: name, Addrs: hosts, Port: port}}
}

// candidateFrom: the hosts of rec that share the first port announced for scheme.
func candidateFrom(scheme string, rec *discovery.Record) (netsvc.Candidate, bool) {
	if rec == nil {
		return netsvc.Candidate{}, false
	}
	c := netsvc.Candidate{Fingerprint: rec.Fingerprint, DeviceName: rec.DeviceName}
	for _, hp := range rec.HostPorts(scheme) {
		h, p, err := splitHostPort(hp)
		if err != nil {
			continue
		}
		if c.Port == 0 {
			c.Port = p
		}
		if p == c.Port {
			c.Addrs = append(c.Addrs, h)
		}
	}
	return c, len(c.Addrs) > 0
}

// observer reports directory records to the manager as auto-connect candidates.
type observer struct {
	mu sync.Mutex
	ev netsvc.Events
}

func (o *observer) set(ev netsvc.Events) {
	o.mu.Lock()
	o.ev = ev
	o.mu.Unlock()
}

func (o *observer) observe(scheme string, rec discovery.Record) {
	o.mu.Lock()
	ev := o.ev
	o.mu.Unlock()
	if ev == nil {
		return
	}
	if c, ok := candidateFrom(scheme, &rec); ok {
		ev.CandidateAvailable(c)
	}
}

func (d *Directory) hostAddrs() []string {
	f := d.HostAddrs
	if f == nil {
		f = InterfaceAddrs
	}
	addrs, err := f()
	if err != nil {
		log.Println("transport host addrs:", err)
		return nil
	}
	return addrs
}

// InterfaceAddrs lists the non-loopback unicast IPs of this host.
func InterfaceAddrs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() || ipn.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ipn.IP.String())
	}
	return out, nil
}

type dialFunc func(ctx context.Context, addr string) (io.ReadWriteCloser, error)

// firstReachable dials every host at once; the first connection wins and the rest are closed.
func firstReachable(ctx context.Context, hosts []string, port int, dial dialFunc) (io.ReadWriteCloser, error) {
	if len(hosts) == 0 || port <= 0 {
		return nil, ErrUnreachable
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type res struct {
		conn io.ReadWriteCloser
		err  error
	}
	out := make(chan res, len(hosts))
	for _, h := range hosts {
		addr := net.JoinHostPort(h, strconv.Itoa(port))
		go func() {
			c, err := dial(ctx, addr)
			out <- res{c, err}
		}()
	}
	var last error
	for i := range hosts {
		r := <-out
		if r.err != nil {
			last = r.err
			continue
		}
		go func(left int) {
			for ; left > 0; left-- {
				if r := <-out; r.err == nil {
					r.conn.Close()
				}
			}
		}(len(hosts) - i - 1)
		return r.conn, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnreachable, last)
}

func splitHostPort(s string) (string, int, error) {
	host, p, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", p)
	}
	return host, port, nil
}
