package transport

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"dev.c0redev.peerlink/internal/discovery"
	"dev.c0redev.peerlink/internal/netsvc"
	"dev.c0redev.peerlink/internal/rpc"
)

const DefaultDialTimeout = 5 * time.Second

// TCP is the LAN transport. The local network is trusted, so channels skip key negotiation.
type TCP struct {
	ListenAddr  string
	DialTimeout time.Duration
	Dir         *Directory

	obs observer

	mu sync.Mutex
	ln net.Listener
}

func NewTCP(listenAddr string, dir *Directory) *TCP {
	return &TCP{ListenAddr: listenAddr, Dir: dir}
}

func (t *TCP) Type() string { return TypeTCP }
func (t *TCP) Secure() bool { return true }

// Addr of the listener once started.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCP) Start(ctx context.Context, ev netsvc.Events) error {
	t.obs.set(ev)
	if t.ListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", t.ListenAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	log.Println("transport tcp on", ln.Addr())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Println("transport tcp accept:", err)
				}
				return
			}
			ev.Incoming(rpc.ConnChannel(conn))
		}
	}()
	return nil
}

func (t *TCP) Stop() error {
	t.obs.set(nil)
	t.mu.Lock()
	ln := t.ln
	t.ln = nil
	t.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Observe reports a discovered record as a candidate on this transport.
func (t *TCP) Observe(rec discovery.Record) { t.obs.observe("tcp", rec) }

func (t *TCP) Candidates(_ context.Context, fingerprint string) ([]netsvc.Candidate, error) {
	return t.Dir.candidates("tcp", fingerprint), nil
}

// Connect dials every candidate host concurrently.
func (t *TCP) Connect(ctx context.Context, c netsvc.Candidate) (rpc.Channel, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := firstReachable(ctx, c.Addrs, c.Port, func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		return d.DialContext(ctx, "tcp", addr)
	})
	if err != nil {
		return nil, err
	}
	return rpc.ConnChannel(conn), nil
}
