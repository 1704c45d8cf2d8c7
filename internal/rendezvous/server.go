package rendezvous

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"dev.c0redev.peerlink/internal/reudp"
)

const maxPendingPins = 4096

type pinPair struct {
	a, b     *net.UDPAddr
	localNet bool
}

// Server answers PIN=<pin>: the two endpoints presenting the same pin learn each other's public address.
type Server struct {
	// Validate rejects unknown pins with ERR_UNKNOWN_PIN; nil accepts any.
	Validate func(pin string) bool
	// Relay delivers peer's address to the endpoint to out of band; nil sends PEER=<ip:port> over UDP.
	Relay func(pin string, to, peer *net.UDPAddr)

	mu      sync.Mutex
	sock    reudp.Socket
	pending *lru.Cache
}

func NewServer() *Server {
	c, _ := lru.New(maxPendingPins)
	return &Server{pending: c}
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) (*net.UDPAddr, error) {
	sock, err := reudp.ListenUDP(addr)
	if err != nil {
		return nil, err
	}
	s.Serve(sock)
	return sock.LocalAddr(), nil
}

// Serve takes over sock.
func (s *Server) Serve(sock reudp.Socket) {
	s.mu.Lock()
	s.sock = sock
	s.mu.Unlock()
	sock.SetHandler(s.handle)
}

func (s *Server) Close() error {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.Close()
}

func (s *Server) send(to *net.UDPAddr, msg string) {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if err := sock.WriteTo([]byte(msg), to); err != nil {
		log.Printf("rendezvous server send to %s: %v", to, err)
	}
}

func (s *Server) handle(p []byte, from *net.UDPAddr) {
	msg := string(p)
	if !strings.HasPrefix(msg, msgPin) {
		log.Printf("rendezvous server: unknown message from %s", from)
		return
	}
	pin := strings.TrimSpace(strings.TrimPrefix(msg, msgPin))
	if pin == "" || (s.Validate != nil && !s.Validate(pin)) {
		s.send(from, msgError+CodeUnknownPin)
		return
	}

	s.mu.Lock()
	var pp *pinPair
	if v, ok := s.pending.Get(pin); ok {
		pp = v.(*pinPair)
	} else {
		pp = &pinPair{a: from}
		s.pending.Add(pin, pp)
		s.mu.Unlock()
		s.send(from, msgPinAck)
		return
	}
	switch {
	case sameUDPAddr(pp.a, from) || sameUDPAddr(pp.b, from):
		// retransmitted PIN
		localNet := pp.localNet
		s.mu.Unlock()
		if localNet {
			s.send(from, msgError+CodeLocalNet)
		} else {
			s.send(from, msgPinAck)
		}
		return
	case pp.b != nil:
		s.mu.Unlock()
		s.send(from, msgError+CodePinInUse)
		return
	}
	pp.b = from
	pp.localNet = pp.a.IP.Equal(from.IP)
	a, b, localNet := pp.a, pp.b, pp.localNet
	s.mu.Unlock()

	if localNet {
		log.Printf("rendezvous pin %s: both endpoints at %s, local network fallback", pin, from.IP)
		s.send(a, msgError+CodeLocalNet)
		s.send(b, msgError+CodeLocalNet)
		return
	}
	s.relay(pin, a, b)
	s.relay(pin, b, a)
	s.send(b, msgPinAck)
}

func (s *Server) relay(pin string, to, peer *net.UDPAddr) {
	if s.Relay != nil {
		s.Relay(pin, to, peer)
		return
	}
	s.send(to, fmt.Sprintf("%s%s", msgPeer, peer.String()))
}
