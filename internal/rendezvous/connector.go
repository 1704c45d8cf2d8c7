// Package rendezvous: PIN-based address exchange through a relay server, ending in a reudp channel.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"dev.c0redev.peerlink/internal/reudp"
)

const (
	DefaultRetryInterval  = 600 * time.Millisecond
	DefaultMaxAttempts    = 8
	DefaultConnectTimeout = 30 * time.Second

	CodeLocalNet   = "ERR_LOCAL_NET"
	CodeUnknownPin = "ERR_UNKNOWN_PIN"
	CodePinInUse   = "ERR_PIN_IN_USE"

	msgPin    = "PIN="
	msgPinAck = "PIN_ACK"
	msgError  = "ERROR="
	msgPeer   = "PEER="
)

var (
	ErrTimeout           = errors.New("rendezvous: timed out")
	ErrServerUnreachable = errors.New("rendezvous: no answer from server")
	ErrNoPeerAddress     = errors.New("rendezvous: no peer address reachable")
)

// ServerError is an ERROR=<code> reply (or a rejection signalled out of band).
type ServerError struct {
	Code string
}

func (e *ServerError) Error() string { return "rendezvous: server error " + e.Code }

// Signaler carries the local-network fallback to the remote peer out of band.
type Signaler interface {
	RequestLocalRelay(ctx context.Context, pin string, addrs []string, port int) error
}

// ConnectorOptions; zero durations and counts take defaults.
type ConnectorOptions struct {
	Server   *net.UDPAddr
	Pin      string
	Signaler Signaler
	// LocalAddrs lists this device's local-network IPs for the fallback.
	LocalAddrs func() ([]string, error)
	// Port this socket is bound to, advertised in the fallback.
	Port int
	// Channel is the template for the final reudp channel.
	Channel reudp.Options

	RetryInterval time.Duration
	MaxAttempts   int
	Timeout       time.Duration
}

// Connector runs one rendezvous attempt on a socket it owns until Connect returns.
// Server datagrams keep reaching the connector while peer addresses are dialed.
type Connector struct {
	sock reudp.Socket
	opts ConnectorOptions

	mu        sync.Mutex
	acked     bool
	localNet  bool
	err       error
	peerAddrs []string
	peerPort  int
	// peer data came through the Signaler, so the counterpart is on the same network
	outOfBand bool
	peers     map[string]func([]byte, *net.UDPAddr)
	wake      chan struct{}

	// Connect goroutine only
	relayed, offered bool
}

func NewConnector(sock reudp.Socket, opts ConnectorOptions) *Connector {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	return &Connector{
		sock:  sock,
		opts:  opts,
		peers: make(map[string]func([]byte, *net.UDPAddr)),
		wake:  make(chan struct{}, 1),
	}
}

func (c *Connector) Pin() string { return c.opts.Pin }

func (c *Connector) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// AddPeerDetails: where the counterpart can be reached, learned out of band. May arrive before or after PIN_ACK.
func (c *Connector) AddPeerDetails(addrs []string, port int) { c.addPeer(addrs, port, true) }

func (c *Connector) addPeer(addrs []string, port int, outOfBand bool) {
	if len(addrs) == 0 || port <= 0 {
		return
	}
	c.mu.Lock()
	if c.peerAddrs == nil {
		c.peerAddrs = append([]string(nil), addrs...)
		c.peerPort = port
		c.outOfBand = outOfBand
	}
	c.mu.Unlock()
	c.notify()
}

// Reject fails the attempt with code, unless code asks for the local-network fallback.
func (c *Connector) Reject(code string) {
	c.mu.Lock()
	if code == CodeLocalNet {
		c.localNet = true
	} else if c.err == nil {
		c.err = &ServerError{Code: code}
	}
	c.mu.Unlock()
	c.notify()
}

// LocalNet: the relay saw both endpoints behind the same public address.
func (c *Connector) LocalNet() { c.Reject(CodeLocalNet) }

// route: server datagrams to onServer, the rest to the dial attempt for the sender.
func (c *Connector) route(p []byte, from *net.UDPAddr) {
	if sameUDPAddr(from, c.opts.Server) {
		c.onServer(p)
		return
	}
	if from == nil {
		return
	}
	c.mu.Lock()
	h := c.peers[from.String()]
	c.mu.Unlock()
	if h != nil {
		h(p, from)
	}
}

func (c *Connector) setPeerHandler(key string, h func([]byte, *net.UDPAddr)) {
	c.mu.Lock()
	if h == nil {
		delete(c.peers, key)
	} else {
		c.peers[key] = h
	}
	c.mu.Unlock()
}

func (c *Connector) onServer(p []byte) {
	msg := string(p)
	switch {
	case msg == msgPinAck:
		c.mu.Lock()
		c.acked = true
		c.mu.Unlock()
		c.notify()
	case strings.HasPrefix(msg, msgError):
		code := strings.TrimPrefix(msg, msgError)
		log.Printf("rendezvous server error for pin %s: %s", c.opts.Pin, code)
		c.Reject(code)
	case strings.HasPrefix(msg, msgPeer):
		host, port, err := splitHostPort(strings.TrimPrefix(msg, msgPeer))
		if err != nil {
			log.Println("rendezvous peer data:", err)
			return
		}
		c.addPeer([]string{host}, port, false)
	default:
		log.Printf("rendezvous unexpected message from server: %.15q", msg)
	}
}

type connState struct {
	acked, localNet, outOfBand bool
	err                        error
	addrs                      []string
	port                       int
}

func (c *Connector) state() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connState{
		acked:     c.acked,
		localNet:  c.localNet,
		outOfBand: c.outOfBand,
		err:       c.err,
		addrs:     c.peerAddrs,
		port:      c.peerPort,
	}
}

// Connect runs the PIN exchange and returns a ready channel to the counterpart.
func (c *Connector) Connect(ctx context.Context) (*reudp.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	c.sock.SetHandler(c.route)
	hello := []byte(msgPin + c.opts.Pin)
	send := func() {
		if err := c.sock.WriteTo(hello, c.opts.Server); err != nil {
			log.Println("rendezvous send pin:", err)
		}
	}
	send()
	attempts := 1
	retry := time.NewTicker(c.opts.RetryInterval)
	defer retry.Stop()

	for {
		st := c.state()
		if st.err != nil {
			return nil, st.err
		}
		if err := c.relayIfNeeded(ctx, st); err != nil {
			return nil, err
		}
		if (st.acked || c.relayed) && len(st.addrs) > 0 {
			retry.Stop()
			return c.dial(ctx, st.addrs, st.port)
		}
		waitingServer := !st.acked && !st.localNet

		select {
		case <-ctx.Done():
			return nil, c.timeoutErr(ctx)
		case <-c.wake:
		case <-retry.C:
			if !waitingServer {
				continue
			}
			if attempts >= c.opts.MaxAttempts {
				return nil, fmt.Errorf("%w after %d attempts", ErrServerUnreachable, attempts)
			}
			send()
			attempts++
		}
	}
}

// relayIfNeeded offers this side's local addresses once: required after ERR_LOCAL_NET,
// best effort when the counterpart's addresses came out of band before our own ERR_LOCAL_NET.
func (c *Connector) relayIfNeeded(ctx context.Context, st connState) error {
	if c.relayed {
		return nil
	}
	if st.localNet {
		if err := c.requestLocalRelay(ctx); err != nil {
			return err
		}
		c.relayed = true
		return nil
	}
	if st.outOfBand && !c.offered {
		c.offered = true
		if err := c.requestLocalRelay(ctx); err != nil {
			log.Printf("rendezvous pin %s: offering local addresses: %v", c.opts.Pin, err)
			return nil
		}
		c.relayed = true
	}
	return nil
}

func (c *Connector) timeoutErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func (c *Connector) requestLocalRelay(ctx context.Context) error {
	if c.opts.Signaler == nil || c.opts.LocalAddrs == nil {
		return &ServerError{Code: CodeLocalNet}
	}
	addrs, err := c.opts.LocalAddrs()
	if err != nil {
		return fmt.Errorf("rendezvous local addrs: %w", err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("rendezvous: no local addresses for same-network fallback")
	}
	log.Printf("rendezvous pin %s: same network, offering %v port %d", c.opts.Pin, addrs, c.opts.Port)
	if err := c.opts.Signaler.RequestLocalRelay(ctx, c.opts.Pin, addrs, c.opts.Port); err != nil {
		return fmt.Errorf("rendezvous local relay: %w", err)
	}
	return nil
}

// attemptSocket is the shared socket as one dial attempt sees it: datagrams from its remote only, and no Close.
type attemptSocket struct {
	c   *Connector
	key string
}

func (s attemptSocket) WriteTo(p []byte, addr *net.UDPAddr) error { return s.c.sock.WriteTo(p, addr) }
func (s attemptSocket) SetHandler(h func([]byte, *net.UDPAddr))   { s.c.setPeerHandler(s.key, h) }
func (s attemptSocket) Close() error                              { return nil }

// attempt is one reudp channel to one offered address. Only the winner reports close and owns the socket.
type attempt struct {
	key string
	ch  *reudp.Channel

	mu       sync.Mutex
	won      bool
	closed   bool
	closeErr error
	onClose  func(error)
}

func (a *attempt) closedWith(err error) {
	a.mu.Lock()
	a.closed, a.closeErr = true, err
	won := a.won
	a.mu.Unlock()
	if won {
		a.onClose(err)
	}
}

// claim makes a the winner; false if it closed in the meantime.
func (a *attempt) claim() bool {
	a.mu.Lock()
	a.won = true
	closed, err := a.closed, a.closeErr
	a.mu.Unlock()
	if closed {
		a.onClose(err)
		return false
	}
	return true
}

// dial handshakes with every offered address at once; the first channel to become ready wins.
func (c *Connector) dial(ctx context.Context, addrs []string, port int) (*reudp.Channel, error) {
	tmpl := c.opts.Channel
	finish := func(err error) {
		if tmpl.OwnSocket {
			c.sock.Close()
		}
		if tmpl.OnClose != nil {
			tmpl.OnClose(err)
		}
	}

	var last error = ErrNoPeerAddress
	var attempts []*attempt
	ready := make(chan *attempt, len(addrs))
	failed := make(chan *attempt, len(addrs))
	seen := make(map[string]bool)
	for _, host := range addrs {
		ip := net.ParseIP(host)
		if ip == nil {
			last = fmt.Errorf("rendezvous: bad peer address %q", host)
			continue
		}
		remote := &net.UDPAddr{IP: ip, Port: port}
		key := remote.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		a := &attempt{key: key, onClose: finish}
		var once sync.Once
		opts := tmpl
		opts.OwnSocket = false
		opts.OnReady = func() { once.Do(func() { ready <- a }) }
		opts.OnClose = a.closedWith
		a.ch = reudp.Dial(attemptSocket{c: c, key: key}, remote, opts)
		attempts = append(attempts, a)
		go func() {
			<-a.ch.Done()
			failed <- a
		}()
	}
	if len(attempts) == 0 {
		return nil, last
	}

	discard := func(keep *attempt) {
		for _, a := range attempts {
			if a != keep {
				a.ch.Discard()
				c.setPeerHandler(a.key, nil)
			}
		}
	}
	live := len(attempts)
	for {
		select {
		case a := <-ready:
			discard(a)
			if !a.claim() {
				return nil, reudp.ErrClosed
			}
			if tmpl.OnReady != nil {
				tmpl.OnReady()
			}
			return a.ch, nil
		case a := <-failed:
			if err := a.ch.Err(); err != nil {
				last = err
			}
			log.Printf("rendezvous peer %s: %v", a.key, last)
			if live--; live == 0 {
				discard(nil)
				return nil, last
			}
		case <-c.wake:
			st := c.state()
			if st.err == nil {
				st.err = c.relayIfNeeded(ctx, st)
			}
			if st.err != nil {
				discard(nil)
				return nil, st.err
			}
		case <-ctx.Done():
			discard(nil)
			return nil, c.timeoutErr(ctx)
		}
	}
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

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
