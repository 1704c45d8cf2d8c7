// Package reudp: reliable, ordered message delivery over an unreliable datagram socket.
package reudp

import (
	"encoding/binary"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// Packet types.
const (
	TypeData     uint8 = 0
	TypeAck      uint8 = 1
	TypeHello    uint8 = 2
	TypeHelloAck uint8 = 3
	TypeBye      uint8 = 4
	TypePing     uint8 = 5
)

const (
	HeaderSize     = 5
	MaxPacketSize  = 1200
	MaxChunkSize   = MaxPacketSize - HeaderSize
	DefaultReorder = 256
)

var (
	ErrHandshakeTimeout    = errors.New("reudp: no answer to hello")
	ErrRetransmitExhausted = errors.New("reudp: retransmit limit reached")
	ErrLivenessTimeout     = errors.New("reudp: remote silent")
	ErrRemoteClosed        = errors.New("reudp: closed by remote")
	ErrClosed              = errors.New("reudp: channel closed")
)

// State of a Channel.
type State int

const (
	StateHandshaking State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	}
	return "closed"
}

// Options for Dial; zero values take defaults.
type Options struct {
	RetryInterval        time.Duration // hello resend, 700ms
	MaxHandshakeAttempts int           // 8
	RetransmitTimeout    time.Duration // 600ms
	MaxRetransmits       int           // 8
	AckBatch             int           // 6
	AckDelay             time.Duration // 400ms
	PingInterval         time.Duration // 10s
	IdleTimeout          time.Duration // 30s
	ReorderLimit         int           // 256

	// Interested false puts this side in standby; must not call into the Channel.
	Interested func() bool
	// OwnSocket closes the socket with the channel.
	OwnSocket bool

	OnReady   func()
	OnMessage func([]byte)
	OnClose   func(error)
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 700 * time.Millisecond
	}
	if o.MaxHandshakeAttempts <= 0 {
		o.MaxHandshakeAttempts = 8
	}
	if o.RetransmitTimeout <= 0 {
		o.RetransmitTimeout = 600 * time.Millisecond
	}
	if o.MaxRetransmits <= 0 {
		o.MaxRetransmits = 8
	}
	if o.AckBatch <= 0 {
		o.AckBatch = 6
	}
	if o.AckDelay <= 0 {
		o.AckDelay = 400 * time.Millisecond
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.ReorderLimit <= 0 {
		o.ReorderLimit = DefaultReorder
	}
	return o
}

type outPacket struct {
	pkt      []byte
	attempts int
	timer    *time.Timer
}

// Channel: one remote address on a Socket.
type Channel struct {
	sock   Socket
	remote *net.UDPAddr
	opts   Options

	mu            sync.Mutex
	state         State
	sendSeq       uint32
	sendBase      uint32
	recvSeq       uint32
	window        map[uint32]*outPacket
	reorder       map[uint32][]byte
	ackPending    int
	ackTimer      *time.Timer
	helloTimer    *time.Timer
	helloAttempts int
	pingTimer     *time.Timer
	idleTimer     *time.Timer
	standby       bool
	remoteStandby bool
	remoteClosed  bool
	err           error

	deliverMu sync.Mutex
	onMessage func([]byte)
	early     [][]byte

	halt *idem.IdemCloseChan
}

// Dial takes over sock's handler for packets from remote and starts the handshake.
func Dial(sock Socket, remote *net.UDPAddr, opts Options) *Channel {
	c := &Channel{
		sock:      sock,
		remote:    remote,
		opts:      opts.withDefaults(),
		sendSeq:   1,
		sendBase:  1,
		recvSeq:   1,
		window:    make(map[uint32]*outPacket),
		reorder:   make(map[uint32][]byte),
		onMessage: opts.OnMessage,
		halt:      idem.NewIdemCloseChan(),
	}
	sock.SetHandler(c.handle)
	c.mu.Lock()
	c.sendHelloLocked()
	c.mu.Unlock()
	return c
}

// Remote address.
func (c *Channel) Remote() *net.UDPAddr { return c.remote }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready true once any valid packet arrived from remote.
func (c *Channel) Ready() bool { return c.State() == StateReady }

// Done closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.halt.Chan }

// Err close cause; nil while open or after a graceful close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetStandby marks this side as no longer interested; both sides standby = graceful close.
func (c *Channel) SetStandby(v bool) {
	c.mu.Lock()
	c.standby = v
	c.mu.Unlock()
}

func header(t uint8, seq uint32) []byte {
	b := make([]byte, HeaderSize)
	b[0] = t
	binary.BigEndian.PutUint32(b[1:], seq)
	return b
}

func (c *Channel) write(p []byte) {
	if err := c.sock.WriteTo(p, c.remote); err != nil {
		log.Println("reudp write:", err)
	}
}

func (c *Channel) sendHelloLocked() {
	if c.state != StateHandshaking {
		return
	}
	if c.helloAttempts >= c.opts.MaxHandshakeAttempts {
		c.closeLocked(ErrHandshakeTimeout, false)
		return
	}
	c.helloAttempts++
	c.write(header(TypeHello, 0))
	c.helloTimer = time.AfterFunc(c.opts.RetryInterval, func() {
		c.mu.Lock()
		c.sendHelloLocked()
		c.mu.Unlock()
		c.fireClose()
	})
}

// Send chunks data into DATA packets of at most MaxChunkSize bytes each.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing || c.state == StateClosed {
		return ErrClosed
	}
	if len(data) == 0 {
		c.sendPacketLocked(nil)
		return nil
	}
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		c.sendPacketLocked(data[off : off+n])
		off += n
	}
	return nil
}

func (c *Channel) sendPacketLocked(chunk []byte) {
	seq := c.sendSeq
	c.sendSeq++
	pkt := append(header(TypeData, seq), chunk...)
	op := &outPacket{pkt: pkt}
	c.window[seq] = op
	c.write(pkt)
	op.timer = time.AfterFunc(c.opts.RetransmitTimeout, func() { c.retransmit(seq) })
}

func (c *Channel) retransmit(seq uint32) {
	c.mu.Lock()
	op, ok := c.window[seq]
	if !ok || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if op.attempts >= c.opts.MaxRetransmits {
		log.Printf("reudp seq=%d unacked after %d retransmits, closing", seq, op.attempts)
		c.closeLocked(ErrRetransmitExhausted, false)
		c.mu.Unlock()
		c.fireClose()
		return
	}
	op.attempts++
	c.write(op.pkt)
	op.timer = time.AfterFunc(c.opts.RetransmitTimeout, func() { c.retransmit(seq) })
	c.mu.Unlock()
}

func (c *Channel) handle(p []byte, from *net.UDPAddr) {
	if !sameAddr(from, c.remote) || len(p) < HeaderSize {
		return
	}
	t := p[0]
	seq := binary.BigEndian.Uint32(p[1:HeaderSize])

	var deliver [][]byte
	var becameReady bool

	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	if t > TypePing {
		c.mu.Unlock()
		return
	}
	if c.state == StateHandshaking {
		becameReady = true
		c.state = StateReady
		if c.helloTimer != nil {
			c.helloTimer.Stop()
		}
		c.pingTimer = time.AfterFunc(c.opts.PingInterval, c.ping)
		c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, c.idle)
	} else {
		c.idleTimer.Reset(c.opts.IdleTimeout)
	}

	switch t {
	case TypeData:
		deliver = c.receiveDataLocked(seq, p[HeaderSize:])
	case TypeAck:
		c.ackLocked(seq)
	case TypeHello:
		c.write(header(TypeHelloAck, 0))
	case TypeHelloAck:
	case TypeBye:
		c.remoteClosed = true
		if c.standby {
			// remote finished the dual-standby teardown first
			c.closeLocked(nil, false)
		} else {
			c.closeLocked(ErrRemoteClosed, false)
		}
	case TypePing:
		c.remoteStandby = len(p) > HeaderSize && p[HeaderSize] == 1
		if c.remoteStandby && c.standby {
			c.closeLocked(nil, true)
		}
	}
	c.mu.Unlock()

	if becameReady && c.opts.OnReady != nil {
		c.opts.OnReady()
	}
	c.deliver(deliver)
	c.fireClose()
}

func (c *Channel) receiveDataLocked(seq uint32, payload []byte) [][]byte {
	var out [][]byte
	switch {
	case seq == c.recvSeq:
		out = append(out, payload)
		c.recvSeq++
		c.ackPending++
		for {
			next, ok := c.reorder[c.recvSeq]
			if !ok {
				break
			}
			delete(c.reorder, c.recvSeq)
			out = append(out, next)
			c.recvSeq++
			c.ackPending++
		}
	case seq > c.recvSeq:
		if _, dup := c.reorder[seq]; !dup && len(c.reorder) < c.opts.ReorderLimit {
			c.reorder[seq] = payload
		}
		return nil
	default:
		// already delivered; re-ack so a lost ACK does not exhaust the sender
		c.ackPending++
	}

	if c.ackPending >= c.opts.AckBatch {
		c.flushAckLocked()
	} else if c.ackTimer == nil {
		c.ackTimer = time.AfterFunc(c.opts.AckDelay, func() {
			c.mu.Lock()
			c.ackTimer = nil
			if c.state == StateReady && c.ackPending > 0 {
				c.flushAckLocked()
			}
			c.mu.Unlock()
		})
	}
	return out
}

func (c *Channel) flushAckLocked() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	c.ackPending = 0
	c.write(header(TypeAck, c.recvSeq-1))
}

// ackLocked retires every cached packet up to and including seq.
func (c *Channel) ackLocked(seq uint32) {
	if seq >= c.sendSeq {
		seq = c.sendSeq - 1
	}
	for ; c.sendBase <= seq; c.sendBase++ {
		if op, ok := c.window[c.sendBase]; ok {
			op.timer.Stop()
			delete(c.window, c.sendBase)
		}
	}
}

func (c *Channel) ping() {
	standby := c.opts.Interested != nil && !c.opts.Interested()
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	if standby {
		c.standby = true
	}
	flag := byte(0)
	if c.standby {
		flag = 1
	}
	c.write(append(header(TypePing, 0), flag))
	if c.standby && c.remoteStandby {
		c.closeLocked(nil, true)
	} else {
		c.pingTimer = time.AfterFunc(c.opts.PingInterval, c.ping)
	}
	c.mu.Unlock()
	c.fireClose()
}

func (c *Channel) idle() {
	c.mu.Lock()
	if c.state == StateReady {
		log.Printf("reudp %s silent for %s, closing", c.remote, c.opts.IdleTimeout)
		c.closeLocked(ErrLivenessTimeout, false)
	}
	c.mu.Unlock()
	c.fireClose()
}

// Close sends BYE if ready; idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closeLocked(nil, true)
	c.mu.Unlock()
	c.fireClose()
	return nil
}

// Discard closes without BYE; the remote is left to time out.
func (c *Channel) Discard() {
	c.mu.Lock()
	c.closeLocked(nil, false)
	c.mu.Unlock()
	c.fireClose()
}

// closeLocked moves to Closing; fireClose (outside the lock) finishes.
func (c *Channel) closeLocked(err error, bye bool) {
	if c.state == StateClosing || c.state == StateClosed {
		return
	}
	if bye && c.state == StateReady && !c.remoteClosed {
		c.write(header(TypeBye, 0))
	}
	c.state = StateClosing
	c.err = err
	for _, t := range []*time.Timer{c.helloTimer, c.ackTimer, c.pingTimer, c.idleTimer} {
		if t != nil {
			t.Stop()
		}
	}
	for _, op := range c.window {
		op.timer.Stop()
	}
	c.window = map[uint32]*outPacket{}
	c.reorder = map[uint32][]byte{}
}

func (c *Channel) fireClose() {
	c.mu.Lock()
	if c.state != StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	err := c.err
	c.mu.Unlock()

	if c.opts.OwnSocket {
		c.sock.Close()
	}
	if err != nil {
		c.halt.CloseWithReason(err)
	} else {
		c.halt.Close()
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(err)
	}
}

func (c *Channel) deliver(msgs [][]byte) {
	if len(msgs) == 0 {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.onMessage == nil {
		c.early = append(c.early, msgs...)
		return
	}
	for _, m := range msgs {
		c.onMessage(m)
	}
}

// Run delivers messages to onMessage (including any received before Run) until close; returns the cause.
func (c *Channel) Run(onMessage func([]byte)) error {
	c.deliverMu.Lock()
	c.onMessage = onMessage
	early := c.early
	c.early = nil
	for _, m := range early {
		onMessage(m)
	}
	c.deliverMu.Unlock()

	<-c.halt.Chan
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}
