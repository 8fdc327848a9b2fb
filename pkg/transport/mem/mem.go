// Package mem is an in-process transport over net.Pipe. Useful for tests and
// for hosts that run every sandbox in one process.
package mem

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"sandbus/pkg/protocol"
	"sandbus/pkg/protocol/codec"
	"sandbus/pkg/transport"
)

const maxFrame = 1 << 24

// Bus links dialing sandboxes to one accepting coordinator. Dials arriving
// before OnAccept is registered are queued, not dropped.
type Bus struct {
	mu      sync.Mutex
	accept  func(ch transport.Channel, instance *uint32)
	pending []pendingDial
}

type pendingDial struct {
	ch       *channel
	instance *uint32
}

func New() *Bus { return &Bus{} }

// OnAccept registers the coordinator-side callback and drains any queued
// dials in arrival order.
func (b *Bus) OnAccept(fn func(ch transport.Channel, instance *uint32)) {
	b.mu.Lock()
	b.accept = fn
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, p := range queued {
		fn(p.ch, p.instance)
	}
}

// Dial opens a channel pair, hands the far end to the acceptor and returns
// the near end. name is the dialer's role wire name.
func (b *Bus) Dial(name string, instance *uint32) (transport.Channel, error) {
	c1, c2 := net.Pipe()
	srv := newChannel(name, c1)
	cli := newChannel(name, c2)

	b.mu.Lock()
	fn := b.accept
	if fn == nil {
		b.pending = append(b.pending, pendingDial{ch: srv, instance: instance})
	}
	b.mu.Unlock()
	if fn != nil {
		fn(srv, instance)
	}
	return cli, nil
}

// channel frames envelopes over one net.Pipe end: u32 LE length prefix, CBOR
// body. Every envelope crosses the codec, so nothing non-serializable leaks
// between sandboxes even in-process.
type channel struct {
	name string
	conn net.Conn
	wire codec.Codec

	wmu sync.Mutex
	bw  *bufio.Writer

	mu           sync.Mutex
	handler      func(*protocol.Envelope)
	backlog      []*protocol.Envelope
	onDisconnect func()
	closed       bool
}

func newChannel(name string, conn net.Conn) *channel {
	c := &channel{
		name: name,
		conn: conn,
		wire: codec.CBOR(),
		bw:   bufio.NewWriter(conn),
	}
	go c.readLoop()
	return c
}

func (c *channel) Name() string { return c.name }

func (c *channel) Post(env *protocol.Envelope) error {
	frame, err := protocol.EncodeWire(c.wire, env)
	if err != nil {
		return err
	}
	if len(frame) > maxFrame {
		return errors.New("mem: frame too large")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(frame)))
	if _, err := c.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(frame); err != nil {
		return err
	}
	return c.bw.Flush()
}

// OnMessage registers the inbound callback and replays envelopes that
// arrived before registration, preserving post order.
func (c *channel) OnMessage(fn func(env *protocol.Envelope)) {
	c.mu.Lock()
	held := c.backlog
	c.backlog = nil
	c.handler = fn
	c.mu.Unlock()
	for _, env := range held {
		fn(env)
	}
}

func (c *channel) OnDisconnect(fn func()) {
	c.mu.Lock()
	fired := c.closed
	c.onDisconnect = fn
	c.mu.Unlock()
	if fired {
		fn()
	}
}

func (c *channel) Close() error {
	return c.conn.Close()
}

// readLoop pumps frames off the pipe for the channel's lifetime. net.Pipe has
// no buffering, so the pump must run before any handler is registered or
// Post on the far end would block forever.
func (c *channel) readLoop() {
	br := bufio.NewReader(c.conn)
	for {
		var lenbuf [4]byte
		if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
			c.dead()
			return
		}
		n := int(binary.LittleEndian.Uint32(lenbuf[:]))
		if n < 0 || n > maxFrame {
			c.conn.Close()
			c.dead()
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			c.dead()
			return
		}
		env, err := protocol.DecodeWire(c.wire, buf)
		if err != nil {
			continue
		}
		c.mu.Lock()
		fn := c.handler
		if fn == nil {
			c.backlog = append(c.backlog, env)
		}
		c.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	}
}

func (c *channel) dead() {
	c.mu.Lock()
	fired := c.closed
	c.closed = true
	fn := c.onDisconnect
	c.mu.Unlock()
	if !fired && fn != nil {
		fn()
	}
}
