package rpc

import (
	"io"
	"sync"
)

// Channel is a byte-oriented, ordered link. Chunk boundaries carry no meaning.
type Channel interface {
	Send(p []byte) error
	// Run delivers received chunks to onMessage until the link ends; returns the cause.
	Run(onMessage func([]byte)) error
	Close() error
}

// standbyAware links (reliable datagram) take part in dual-standby teardown themselves.
type standbyAware interface {
	SetStandby(bool)
}

type connChannel struct {
	conn io.ReadWriteCloser
	mu   sync.Mutex
}

// ConnChannel adapts a stream connection (TCP, QUIC stream).
func ConnChannel(conn io.ReadWriteCloser) Channel {
	return &connChannel{conn: conn}
}

func (c *connChannel) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(p)
	return err
}

func (c *connChannel) Run(onMessage func([]byte)) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			onMessage(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return err
		}
	}
}

func (c *connChannel) Close() error { return c.conn.Close() }
