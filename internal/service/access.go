package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

var (
	ErrNotExposed   = errors.New("service: not exposed")
	ErrAccessDenied = errors.New("service: access denied")
)

// PeerInfo: a paired device.
type PeerInfo struct {
	Fingerprint string    `json:"fingerprint"`
	DeviceName  string    `json:"deviceName"`
	PairedAt    time.Time `json:"pairedAt"`
}

// PeerDirectory answers whether a fingerprint is paired; nil info means unknown.
type PeerDirectory interface {
	Peer(fingerprint string) (*PeerInfo, error)
}

// accessError carries the text sent back to the remote caller.
type accessError struct {
	msg string
	err error
}

func (e *accessError) Error() string { return e.msg }
func (e *accessError) Unwrap() error { return e.err }

// CheckAccess: exposed methods only; non allow-all methods need a paired caller.
func CheckAccess(fingerprint, fqn string, m Method, peers PeerDirectory) error {
	if !m.Exposed {
		return &accessError{msg: fmt.Sprintf("Method %s is not exposed.", fqn), err: ErrNotExposed}
	}
	if m.AllowAll {
		return nil
	}
	if peers == nil {
		return &accessError{msg: "Access denied.", err: ErrAccessDenied}
	}
	info, err := peers.Peer(fingerprint)
	if err != nil {
		log.Printf("service peer lookup %s: %v", fingerprint, err)
	}
	if info == nil {
		return &accessError{msg: "Access denied.", err: ErrAccessDenied}
	}
	return nil
}

// Caller describes the remote side of an inbound call.
type Caller struct {
	Fingerprint    string    `json:"fingerprint"`
	ConnectionType string    `json:"connectionType"`
	Peer           *PeerInfo `json:"peerInfo,omitempty"`
	FQN            string    `json:"fqn"`
}

type callerKey struct{}

func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller injected for WantsContext methods.
func CallerFrom(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	return c, ok && c != nil
}
