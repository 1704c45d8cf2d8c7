package transport

import (
	"context"
	"crypto/tls"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"dev.c0redev.peerlink/internal/discovery"
	"dev.c0redev.peerlink/internal/netsvc"
	"dev.c0redev.peerlink/internal/rpc"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
}

// streamConn: the single stream of a QUIC connection. Close tears down the connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	return c.conn.CloseWithError(0, "")
}

// DialStream dials QUIC to addr and opens its one stream.
func DialStream(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = ClientTLS()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// QUIC transport: one bidirectional stream per connection, TLS secured.
type QUIC struct {
	ListenAddr  string
	TLS         *tls.Config
	DialTimeout time.Duration
	Dir         *Directory

	obs observer

	mu sync.Mutex
	ln *quic.Listener
}

func NewQUIC(listenAddr string, dir *Directory) *QUIC {
	return &QUIC{ListenAddr: listenAddr, Dir: dir}
}

func (q *QUIC) Type() string { return TypeQUIC }
func (q *QUIC) Secure() bool { return true }

func (q *QUIC) Addr() net.Addr {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ln == nil {
		return nil
	}
	return q.ln.Addr()
}

func (q *QUIC) Start(ctx context.Context, ev netsvc.Events) error {
	q.obs.set(ev)
	if q.ListenAddr == "" {
		return nil
	}
	tlsConf := q.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = SelfSignedTLS(); err != nil {
			return err
		}
	}
	ln, err := quic.ListenAddr(q.ListenAddr, tlsConf, quicConfig)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.ln = ln
	q.mu.Unlock()
	log.Println("transport quic on", ln.Addr())
	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go q.handleConn(conn, ev)
		}
	}()
	return nil
}

func (q *QUIC) handleConn(conn *quic.Conn, ev netsvc.Events) {
	ctx, cancel := context.WithTimeout(context.Background(), quicConfig.MaxIdleTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Println("transport quic accept stream:", err)
		_ = conn.CloseWithError(0, "")
		return
	}
	ev.Incoming(rpc.ConnChannel(&streamConn{Stream: stream, conn: conn}))
}

func (q *QUIC) Stop() error {
	q.obs.set(nil)
	q.mu.Lock()
	ln := q.ln
	q.ln = nil
	q.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Observe reports a discovered record as a candidate on this transport.
func (q *QUIC) Observe(rec discovery.Record) { q.obs.observe("quic", rec) }

func (q *QUIC) Candidates(_ context.Context, fingerprint string) ([]netsvc.Candidate, error) {
	return q.Dir.candidates("quic", fingerprint), nil
}

func (q *QUIC) Connect(ctx context.Context, c netsvc.Candidate) (rpc.Channel, error) {
	timeout := q.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := firstReachable(ctx, c.Addrs, c.Port, func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		return DialStream(ctx, addr, nil)
	})
	if err != nil {
		return nil, err
	}
	return rpc.ConnChannel(conn), nil
}
