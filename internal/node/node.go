// Package node: a peerlink device. Identity, paired-peer store, transports, connection manager
// and the built-in app services, wired from config.
package node

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"dev.c0redev.peerlink/internal/config"
	"dev.c0redev.peerlink/internal/crypto"
	"dev.c0redev.peerlink/internal/discovery"
	"dev.c0redev.peerlink/internal/idwords"
	"dev.c0redev.peerlink/internal/netsvc"
	"dev.c0redev.peerlink/internal/rpc"
	"dev.c0redev.peerlink/internal/service"
	"dev.c0redev.peerlink/internal/store"
	"dev.c0redev.peerlink/internal/transport"
)

const (
	dbFile           = "peerlink.db"
	lookupCacheSize  = 1024
	directoryTimeout = 3 * time.Second
	watchInterval    = 30 * time.Second
)

// Node is one running device.
type Node struct {
	cfg  *config.Config
	name string

	ID       *crypto.Identity
	DB       *store.DB
	Registry *service.Registry
	Manager  *netsvc.Manager

	dir     *discovery.Client
	watcher *discovery.Watcher
	tcp     *transport.TCP
	quic    *transport.QUIC
	rv      *transport.Rendezvous
	sig     *mailSignaling

	heartbeat         *service.Signal[Heartbeat]
	HeartbeatInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from cfg; nothing listens until Start.
func New(cfg *config.Config) (*Node, error) {
	id, err := crypto.LoadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	name := cfg.DeviceName
	if name == "" {
		host, _ := os.Hostname()
		name = idwords.DeviceName(host)
	}
	n := &Node{
		cfg:               cfg,
		name:              name,
		ID:                id,
		DB:                db,
		Registry:          service.NewRegistry(),
		heartbeat:         service.NewSignal[Heartbeat](true),
		HeartbeatInterval: 10 * time.Second,
	}
	if err := n.registerBuiltins(); err != nil {
		db.Close()
		return nil, err
	}

	n.dir = &discovery.Client{
		Peers:   cfg.DirectoryPeers,
		Timeout: directoryTimeout,
		Cache:   discovery.NewLookupCache(cfg.LookupCacheTTL, lookupCacheSize),
	}
	tdir := &transport.Directory{Cache: db, Known: n.pairedFingerprints}
	if len(cfg.DirectoryPeers) > 0 {
		tdir.Resolver = n.dir
	}
	n.tcp = transport.NewTCP(cfg.TCPAddr, tdir)
	n.tcp.DialTimeout = cfg.ConnectTimeout
	n.quic = transport.NewQUIC(cfg.QUICAddr, tdir)
	n.quic.DialTimeout = cfg.ConnectTimeout
	ifaces := []netsvc.Interface{n.tcp, n.quic}

	if cfg.RendezvousAddr != "" && len(cfg.DirectoryPeers) > 0 {
		n.rv = transport.NewRendezvous(nil)
		n.rv.STUNURL = cfg.STUNURL
		n.sig = newMailSignaling(id.ID(), name, cfg.RendezvousAddr, n.dir, n.rv)
		n.rv.Signaling = n.sig
		ifaces = append(ifaces, n.rv)
	}

	n.Manager, err = netsvc.New(netsvc.Options{
		Crypto:         id,
		DeviceName:     name,
		Registry:       n.Registry,
		Peers:          db,
		Interfaces:     ifaces,
		PingInterval:   cfg.PingInterval,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	n.watcher = discovery.NewWatcher(n.dir, watchInterval, n.observe)
	return n, nil
}

// Name of this device.
func (n *Node) Name() string { return n.name }

// Fingerprint of this device.
func (n *Node) Fingerprint() string { return n.ID.ID() }

// Start listens, announces, and begins auto-connecting to paired and configured devices.
func (n *Node) Start(ctx context.Context) error {
	netsvc.SetVerbose(n.cfg.Verbose)
	ctx, n.cancel = context.WithCancel(ctx)
	if err := n.Manager.Start(ctx); err != nil {
		n.cancel()
		return err
	}
	for _, fp := range n.cfg.AutoConnect {
		n.Manager.AddAutoConnect(fp, "config")
		n.watcher.Watch(fp)
	}
	for _, fp := range n.pairedFingerprints() {
		n.Manager.AddAutoConnect(fp, "paired")
		n.watcher.Watch(fp)
	}
	log.Printf("node %s (%s) up", n.name, n.Fingerprint())

	if len(n.cfg.DirectoryPeers) > 0 {
		n.goRun(func() { n.announceLoop(ctx) })
		n.goRun(func() { n.watcher.Run(ctx) })
	}
	if n.sig != nil {
		n.goRun(func() { n.sig.run(ctx) })
	}
	n.goRun(func() { n.heartbeatLoop(ctx) })
	return nil
}

func (n *Node) goRun(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Close stops every loop and connection and closes the store.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	err := n.Manager.Stop()
	n.wg.Wait()
	n.heartbeat.DetachAll()
	if cerr := n.DB.Close(); err == nil {
		err = cerr
	}
	return err
}

// Call connects to fingerprint if needed and invokes method there.
func (n *Node) Call(ctx context.Context, fingerprint, method string, args ...any) (*rpc.Result, error) {
	remote, err := n.Manager.Connect(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return remote.Call(ctx, method, args...)
}

// Pair trusts fingerprint for methods that are not open to everyone, and auto-connects to it.
func (n *Node) Pair(fingerprint, deviceName string) error {
	if err := n.DB.AddPeer(fingerprint, deviceName); err != nil {
		return err
	}
	n.Manager.AddAutoConnect(fingerprint, "paired")
	n.watcher.Watch(fingerprint)
	return nil
}

// Unpair reverses Pair.
func (n *Node) Unpair(fingerprint string) error {
	if err := n.DB.RemovePeer(fingerprint); err != nil {
		return err
	}
	n.Manager.RemoveAutoConnect(fingerprint, "paired")
	n.watcher.Unwatch(fingerprint)
	return nil
}

func (n *Node) pairedFingerprints() []string {
	peers, err := n.DB.Peers()
	if err != nil {
		log.Println("node paired peers:", err)
		return nil
	}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Fingerprint)
	}
	return out
}

func (n *Node) observe(rec discovery.Record) {
	netsvc.Debugf("node discovered %s at %v", rec.Fingerprint, rec.Addrs)
	n.tcp.Observe(rec)
	n.quic.Observe(rec)
}

// Record this node announces to the directory.
func (n *Node) Record() discovery.Record {
	rec := discovery.Record{Fingerprint: n.Fingerprint(), DeviceName: n.name}
	hosts := n.cfg.AdvertiseAddrs
	if len(hosts) == 0 {
		var err error
		if hosts, err = transport.InterfaceAddrs(); err != nil {
			log.Println("node interface addrs:", err)
		}
	}
	for _, l := range []struct {
		scheme string
		addr   net.Addr
	}{{"tcp", n.tcp.Addr()}, {"quic", n.quic.Addr()}} {
		port := portOf(l.addr)
		if port == 0 {
			continue
		}
		for _, h := range hosts {
			rec.Addrs = append(rec.Addrs, l.scheme+"://"+net.JoinHostPort(h, strconv.Itoa(port)))
		}
	}
	return rec
}

func (n *Node) announceLoop(ctx context.Context) {
	announce := func() {
		rec := n.Record()
		if len(rec.Addrs) == 0 {
			return
		}
		if got := n.dir.Announce(rec); got == 0 {
			log.Println("node announce: no directory accepted")
		} else {
			netsvc.Debugf("node announced %d addrs to %d directories", len(rec.Addrs), got)
		}
	}
	announce()
	tick := time.NewTicker(n.cfg.AnnounceInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			announce()
		}
	}
}

func portOf(a net.Addr) int {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.Port
	case *net.UDPAddr:
		return v.Port
	}
	return 0
}
