// Package netsvc: connection manager over pluggable transport interfaces.
package netsvc

import (
	"context"

	"dev.c0redev.peerlink/internal/rpc"
)

// Candidate: one way to reach a device through one interface.
type Candidate struct {
	Fingerprint string   `json:"fingerprint"`
	DeviceName  string   `json:"deviceName,omitempty"`
	Type        string   `json:"connectionType"`
	Addrs       []string `json:"addrs,omitempty"`
	Port        int      `json:"port,omitempty"`
}

// Events is handed to each interface on Start.
type Events interface {
	// Incoming: a remote opened a channel to us.
	Incoming(ch rpc.Channel)
	// CandidateAvailable: a device became observable (auto-connect feed).
	CandidateAvailable(c Candidate)
}

// Interface is one transport (LAN TCP, QUIC, rendezvous).
type Interface interface {
	Type() string
	// Secure transports need no symmetric key negotiation.
	Secure() bool
	Start(ctx context.Context, ev Events) error
	Stop() error
	// Candidates for fingerprint; empty fingerprint lists everything known.
	Candidates(ctx context.Context, fingerprint string) ([]Candidate, error)
	Connect(ctx context.Context, c Candidate) (rpc.Channel, error)
}

// ConnectionInfo describes the primary connection to a device.
type ConnectionInfo struct {
	Fingerprint    string `json:"fingerprint"`
	DeviceName     string `json:"deviceName"`
	ConnectionType string `json:"connectionType"`
	Standby        int    `json:"standby"`
}

type EventKind int

const (
	Added EventKind = iota
	Removed
)

func (k EventKind) String() string {
	if k == Added {
		return "add"
	}
	return "remove"
}

// ConnectionEvent is dispatched on Manager.Events.
type ConnectionEvent struct {
	Kind EventKind      `json:"kind"`
	Info ConnectionInfo `json:"info"`
}

type ifaceEvents struct {
	m     *Manager
	iface Interface
}

func (e *ifaceEvents) Incoming(ch rpc.Channel) {
	e.m.accept(e.iface, ch)
}

func (e *ifaceEvents) CandidateAvailable(c Candidate) {
	c.Type = e.iface.Type()
	e.m.candidateAvailable(e.iface, c)
}
