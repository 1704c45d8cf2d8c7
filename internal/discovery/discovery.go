// Package discovery: directory of fingerprint -> device name + transport addresses.
package discovery

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	cmdGet = "get"
	cmdPut = "put"

	DefaultRecordTTL = 10 * time.Minute
	maxRecords       = 4096
)

// Record: where a device can be reached. Addrs are "scheme://host:port" (tcp, quic).
type Record struct {
	Fingerprint string
	DeviceName  string
	Addrs       []string
}

// HostPorts returns the host:port parts of Addrs with the given scheme.
func (r *Record) HostPorts(scheme string) []string {
	if r == nil {
		return nil
	}
	prefix := scheme + "://"
	var out []string
	for _, a := range r.Addrs {
		if strings.HasPrefix(a, prefix) {
			out = append(out, strings.TrimPrefix(a, prefix))
		}
	}
	return out
}

func (r *Record) equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.DeviceName != o.DeviceName || len(r.Addrs) != len(o.Addrs) {
		return false
	}
	for i := range r.Addrs {
		if r.Addrs[i] != o.Addrs[i] {
			return false
		}
	}
	return true
}

type entry struct {
	rec     Record
	expires time.Time
}

// Server: in-memory directory, TCP get/put, entries expire after TTL.
type Server struct {
	TTL time.Duration

	mu sync.Mutex
	ln net.Listener
	// records fingerprint -> entry, bounded
	records *lru.Cache
	// mail fingerprint -> []mail
	mail *lru.Cache
}

func NewServer() *Server {
	c, _ := lru.New(maxRecords)
	m, _ := lru.New(maxMailboxes)
	return &Server{TTL: DefaultRecordTTL, records: c, mail: m}
}

// Put stores a record (empty fingerprint or no addrs ignored).
func (s *Server) Put(rec Record) {
	if rec.Fingerprint == "" || len(rec.Addrs) == 0 {
		return
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	s.records.Add(rec.Fingerprint, entry{rec: rec, expires: time.Now().Add(ttl)})
}

// Get returns the record for fingerprint, nil if unknown or expired.
func (s *Server) Get(fingerprint string) *Record {
	v, ok := s.records.Get(fingerprint)
	if !ok {
		return nil
	}
	e := v.(entry)
	if time.Now().After(e.expires) {
		s.records.Remove(fingerprint)
		return nil
	}
	rec := e.rec
	return &rec
}

// ListenAndServe TCP on addr. get\nfp\n -> name\naddrs\n or not_found\n; put\nfp\nname\naddrs\n -> ok\n;
// send\nfp\njson\n -> ok\n; recv\nfp\n -> n\n then n json lines.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return
	}
	cmd := strings.TrimSpace(strings.ToLower(line))
	switch cmd {
	case cmdGet:
		line2, _ := br.ReadString('\n')
		rec := s.Get(strings.TrimSpace(line2))
		if rec == nil {
			conn.Write([]byte("not_found\n"))
		} else {
			conn.Write([]byte(rec.DeviceName + "\n" + strings.Join(rec.Addrs, ",") + "\n"))
		}
	case cmdPut:
		lines := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			l, err := br.ReadString('\n')
			if err != nil {
				return
			}
			lines = append(lines, strings.TrimSpace(l))
		}
		s.Put(Record{Fingerprint: lines[0], DeviceName: lines[1], Addrs: splitAddrs(lines[2])})
		conn.Write([]byte("ok\n"))
	case cmdSend, cmdRecv:
		s.handleMail(cmd, conn, br)
	}
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Lookup asks bootstrap peers for fingerprint; nil if nobody knows it. One try per peer.
func Lookup(fingerprint string, bootstrapPeers []string, timeout time.Duration) *Record {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if fingerprint == "" {
		return nil
	}
	for _, peer := range bootstrapPeers {
		peer = strings.TrimSpace(peer)
		if peer == "" {
			continue
		}
		if rec := lookupOne(fingerprint, peer, timeout); rec != nil {
			return rec
		}
	}
	return nil
}

func lookupOne(fingerprint, peer string, timeout time.Duration) *Record {
	conn, err := net.DialTimeout("tcp", peer, timeout)
	if err != nil {
		return nil
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte("get\n" + fingerprint + "\n")); err != nil {
		return nil
	}
	br := bufio.NewReader(conn)
	name, err := br.ReadString('\n')
	if err != nil {
		return nil
	}
	name = strings.TrimSpace(name)
	if name == "not_found" {
		return nil
	}
	addrs, err := br.ReadString('\n')
	if err != nil {
		return nil
	}
	rec := &Record{Fingerprint: fingerprint, DeviceName: name, Addrs: splitAddrs(addrs)}
	if len(rec.Addrs) == 0 {
		return nil
	}
	return rec
}

// Announce puts rec to every bootstrap peer; returns how many acknowledged.
func Announce(rec Record, bootstrapPeers []string, timeout time.Duration) int {
	if rec.Fingerprint == "" || len(rec.Addrs) == 0 {
		return 0
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	n := 0
	for _, peer := range bootstrapPeers {
		peer = strings.TrimSpace(peer)
		if peer == "" {
			continue
		}
		if announceOne(rec, peer, timeout) {
			n++
		}
	}
	return n
}

func announceOne(rec Record, peer string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", peer, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	name := strings.ReplaceAll(rec.DeviceName, "\n", " ")
	if _, err := fmt.Fprintf(conn, "put\n%s\n%s\n%s\n", rec.Fingerprint, name, strings.Join(rec.Addrs, ",")); err != nil {
		return false
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	return err == nil && strings.TrimSpace(line) == "ok"
}
