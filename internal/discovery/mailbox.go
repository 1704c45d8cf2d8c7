package discovery

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	cmdSend = "send"
	cmdRecv = "recv"

	// MailTTL: undelivered messages older than this are dropped.
	MailTTL        = 2 * time.Minute
	maxMailboxes   = 4096
	maxMailPerPeer = 64
)

// Message kinds carried for rendezvous signaling.
const (
	KindInit   = "init"
	KindPeer   = "peer"
	KindReject = "reject"
)

// Message is one signaling note for a device, held by the directory until fetched.
type Message struct {
	Kind       string   `json:"kind"`
	From       string   `json:"from,omitempty"`
	DeviceName string   `json:"deviceName,omitempty"`
	Pin        string   `json:"pin,omitempty"`
	Server     string   `json:"server,omitempty"`
	Addrs      []string `json:"addrs,omitempty"`
	Port       int      `json:"port,omitempty"`
	Code       string   `json:"code,omitempty"`
}

type mail struct {
	raw string
	at  time.Time
}

// Deliver queues raw (one JSON line) for fingerprint. Oldest messages are dropped past the per-device bound.
func (s *Server) Deliver(to, raw string) {
	if to == "" || raw == "" || strings.ContainsRune(raw, '\n') {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var box []mail
	if v, ok := s.mail.Get(to); ok {
		box = v.([]mail)
	}
	box = append(box, mail{raw: raw, at: time.Now()})
	if len(box) > maxMailPerPeer {
		box = box[len(box)-maxMailPerPeer:]
	}
	s.mail.Add(to, box)
}

// Collect removes and returns the pending messages for fingerprint.
func (s *Server) Collect(fingerprint string) []string {
	s.mu.Lock()
	v, ok := s.mail.Get(fingerprint)
	if ok {
		s.mail.Remove(fingerprint)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	var out []string
	for _, m := range v.([]mail) {
		if time.Since(m.at) <= MailTTL {
			out = append(out, m.raw)
		}
	}
	return out
}

func (s *Server) handleMail(cmd string, conn net.Conn, br *bufio.Reader) {
	to, err := br.ReadString('\n')
	if err != nil {
		return
	}
	to = strings.TrimSpace(to)
	switch cmd {
	case cmdSend:
		raw, err := br.ReadString('\n')
		if err != nil {
			return
		}
		s.Deliver(to, strings.TrimSpace(raw))
		conn.Write([]byte("ok\n"))
	case cmdRecv:
		msgs := s.Collect(to)
		var b strings.Builder
		fmt.Fprintf(&b, "%d\n", len(msgs))
		for _, m := range msgs {
			b.WriteString(m + "\n")
		}
		conn.Write([]byte(b.String()))
	}
}

// Send leaves m for device to at the first directory peer that accepts it.
func Send(to string, m Message, bootstrapPeers []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var last error = fmt.Errorf("discovery: no directory peers")
	for _, peer := range bootstrapPeers {
		peer = strings.TrimSpace(peer)
		if peer == "" {
			continue
		}
		if last = sendOne(to, raw, peer, timeout); last == nil {
			return nil
		}
	}
	return last
}

func sendOne(to string, raw []byte, peer string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", peer, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := fmt.Fprintf(conn, "%s\n%s\n%s\n", cmdSend, to, raw); err != nil {
		return err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "ok" {
		return fmt.Errorf("discovery send to %s: %q", peer, strings.TrimSpace(line))
	}
	return nil
}

// Recv fetches pending messages for fingerprint from every directory peer.
func Recv(fingerprint string, bootstrapPeers []string, timeout time.Duration) []Message {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	var out []Message
	for _, peer := range bootstrapPeers {
		peer = strings.TrimSpace(peer)
		if peer == "" {
			continue
		}
		out = append(out, recvOne(fingerprint, peer, timeout)...)
	}
	return out
}

func recvOne(fingerprint, peer string, timeout time.Duration) []Message {
	conn, err := net.DialTimeout("tcp", peer, timeout)
	if err != nil {
		return nil
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := fmt.Fprintf(conn, "%s\n%s\n", cmdRecv, fingerprint); err != nil {
		return nil
	}
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 {
		return nil
	}
	var out []Message
	for i := 0; i < n; i++ {
		l, err := br.ReadString('\n')
		if err != nil {
			break
		}
		var m Message
		if err := json.Unmarshal([]byte(strings.TrimSpace(l)), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
