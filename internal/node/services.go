package node

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"dev.c0redev.peerlink/internal/netsvc"
	"dev.c0redev.peerlink/internal/rpc"
	"dev.c0redev.peerlink/internal/service"
)

const (
	MethodPeerInfo    = "app.peerInfo"
	MethodEcho        = "app.echo"
	MethodWhoAmI      = "app.whoami"
	MethodConnections = "app.connections"
	SignalHeartbeat   = "app.heartbeat"
)

// PeerInfo answers app.peerInfo.
type PeerInfo struct {
	Fingerprint string               `json:"fingerprint"`
	DeviceName  string               `json:"deviceName"`
	Methods     []service.MethodInfo `json:"methods"`
}

// Heartbeat is dispatched on app.heartbeat while anyone listens.
type Heartbeat struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
}

func (n *Node) registerBuiltins() error {
	methods := []struct {
		fqn string
		m   service.Method
	}{
		{MethodPeerInfo, service.Method{Fn: n.peerInfo, Exposed: true, AllowAll: true, Doc: "device name, fingerprint and exposed methods"}},
		{MethodEcho, service.Method{Fn: echo, Exposed: true, AllowAll: n.cfg.AllowAll, Doc: "returns its arguments"}},
		{MethodWhoAmI, service.Method{Fn: whoami, Exposed: true, AllowAll: true, WantsContext: true, Doc: "the caller as this device sees it"}},
		{MethodConnections, service.Method{Fn: n.connections, Exposed: true, Doc: "connected devices"}},
	}
	for _, x := range methods {
		if err := n.Registry.Register(x.fqn, x.m); err != nil {
			return err
		}
	}
	return n.Registry.RegisterSignal(SignalHeartbeat, n.heartbeat)
}

func (n *Node) peerInfo(context.Context, *rpc.Args) (any, error) {
	var exposed []service.MethodInfo
	for _, m := range n.Registry.Methods() {
		if m.Exposed {
			exposed = append(exposed, m)
		}
	}
	return PeerInfo{Fingerprint: n.Fingerprint(), DeviceName: n.name, Methods: exposed}, nil
}

func echo(_ context.Context, args *rpc.Args) (any, error) {
	out := make([]json.RawMessage, 0, args.Len())
	for i := 0; i < args.Len(); i++ {
		out = append(out, args.Raw(i))
	}
	return out, nil
}

func whoami(ctx context.Context, _ *rpc.Args) (any, error) {
	c, _ := service.CallerFrom(ctx)
	return c, nil
}

func (n *Node) connections(context.Context, *rpc.Args) (any, error) {
	devs := n.Manager.ConnectedDevices()
	if devs == nil {
		devs = []netsvc.ConnectionInfo{}
	}
	return devs, nil
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	tick := time.NewTicker(n.HeartbeatInterval)
	defer tick.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			if !n.heartbeat.HasListeners() {
				continue
			}
			seq++
			n.heartbeat.Dispatch(Heartbeat{Seq: seq, Time: now.UTC()})
		}
	}
}
