package node

import (
	"context"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"dev.c0redev.peerlink/internal/discovery"
	"dev.c0redev.peerlink/internal/idwords"
	"dev.c0redev.peerlink/internal/transport"
)

const (
	mailPollInterval = 2 * time.Second
	maxOpenPins      = 256
)

type mailer interface {
	Send(to string, m discovery.Message) error
	Recv(fingerprint string) []discovery.Message
}

type inviteHandler interface {
	HandleInit(inv transport.Invite)
	HandlePeerData(pin string, addrs []string, port int)
	HandleReject(pin, code string)
}

var _ transport.Rejecter = (*mailSignaling)(nil)

// mailSignaling carries rendezvous invites and same-network peer data through the directory mailbox.
type mailSignaling struct {
	self, name, server string
	mail               mailer
	h                  inviteHandler
	interval           time.Duration
	// pin -> counterpart fingerprint
	pins *lru.Cache
}

func newMailSignaling(self, name, server string, mail mailer, h inviteHandler) *mailSignaling {
	pins, _ := lru.New(maxOpenPins)
	return &mailSignaling{self: self, name: name, server: server, mail: mail, h: h, interval: mailPollInterval, pins: pins}
}

func (s *mailSignaling) RequestInit(_ context.Context, fingerprint string) (transport.Invite, error) {
	pin := idwords.Pin()
	s.pins.Add(pin, fingerprint)
	err := s.mail.Send(fingerprint, discovery.Message{
		Kind:       discovery.KindInit,
		From:       s.self,
		DeviceName: s.name,
		Pin:        pin,
		Server:     s.server,
	})
	if err != nil {
		s.pins.Remove(pin)
		return transport.Invite{}, err
	}
	return transport.Invite{Pin: pin, Server: s.server, Fingerprint: fingerprint}, nil
}

func (s *mailSignaling) RequestLocalRelay(_ context.Context, pin string, addrs []string, port int) error {
	v, ok := s.pins.Get(pin)
	if !ok {
		return fmt.Errorf("signaling: no counterpart for pin %s", pin)
	}
	return s.mail.Send(v.(string), discovery.Message{
		Kind:  discovery.KindPeer,
		From:  s.self,
		Pin:   pin,
		Addrs: addrs,
		Port:  port,
	})
}

// RejectInit tells the inviter its rendezvous failed on this side.
func (s *mailSignaling) RejectInit(_ context.Context, inv transport.Invite, code string) error {
	if inv.Fingerprint == "" {
		return fmt.Errorf("signaling: no inviter for pin %s", inv.Pin)
	}
	return s.mail.Send(inv.Fingerprint, discovery.Message{
		Kind: discovery.KindReject,
		From: s.self,
		Pin:  inv.Pin,
		Code: code,
	})
}

func (s *mailSignaling) poll() {
	for _, m := range s.mail.Recv(s.self) {
		if !idwords.ValidPin(m.Pin) {
			log.Printf("signaling: dropping %s message with bad pin from %s", m.Kind, m.From)
			continue
		}
		switch m.Kind {
		case discovery.KindInit:
			if m.From == "" || m.Server == "" {
				continue
			}
			s.pins.Add(m.Pin, m.From)
			s.h.HandleInit(transport.Invite{Pin: m.Pin, Server: m.Server, Fingerprint: m.From, DeviceName: m.DeviceName})
		case discovery.KindPeer:
			s.h.HandlePeerData(m.Pin, m.Addrs, m.Port)
		case discovery.KindReject:
			s.h.HandleReject(m.Pin, m.Code)
		default:
			log.Printf("signaling: unknown message kind %q", m.Kind)
		}
	}
}

func (s *mailSignaling) run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.poll()
		}
	}
}
