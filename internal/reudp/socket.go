package reudp

import (
	"net"
	"sync"
)

// Socket is the unreliable datagram side of a Channel.
type Socket interface {
	WriteTo(p []byte, addr *net.UDPAddr) error
	// SetHandler replaces the receiver for incoming datagrams; nil drops them.
	SetHandler(h func(p []byte, from *net.UDPAddr))
	Close() error
}

// UDPSocket binds a net.UDPConn; one read goroutine feeds the current handler.
type UDPSocket struct {
	conn    *net.UDPConn
	mu      sync.RWMutex
	handler func(p []byte, from *net.UDPAddr)
	once    sync.Once
	done    chan struct{}
}

// ListenUDP on addr ("" or ":0" = any port).
func ListenUDP(addr string) (*UDPSocket, error) {
	if addr == "" {
		addr = ":0"
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	s := &UDPSocket{conn: conn, done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h == nil {
			continue
		}
		p := make([]byte, n)
		copy(p, buf[:n])
		h(p, from)
	}
}

func (s *UDPSocket) WriteTo(p []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(p, addr)
	return err
}

func (s *UDPSocket) SetHandler(h func(p []byte, from *net.UDPAddr)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// LocalAddr bound address.
func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Port bound port.
func (s *UDPSocket) Port() int { return s.LocalAddr().Port }

func (s *UDPSocket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
