// Package frame models the shared same-origin message surface between a
// mediator sandbox and the page it is attached to. Every listener on the
// surface sees every packet, the sender's own listener included; receivers
// filter by namespace and declared role.
package frame

import (
	"sync"

	"go.uber.org/zap"

	"sandbus/pkg/protocol"
	"sandbus/pkg/protocol/codec"
)

// Boundary control commands.
const (
	CmdVerifyListening = "verify-listening"
	CmdRouteMessage    = "route-message"
)

// Packet is one boundary control message.
type Packet struct {
	Cmd     string
	Scope   string             // namespace isolation key
	Role    string             // sender's declared role wire name
	Payload *protocol.Envelope // route-message only
	Reply   *Port              // verify-listening private reply end
}

// Bus is an in-process broadcast surface. Envelope payloads are passed
// through the wire codec on every broadcast, so each listener receives its
// own structurally-cloned copy and nothing non-serializable leaks across.
type Bus struct {
	mu   sync.Mutex
	subs map[int]func(Packet)
	next int
	wire codec.Codec
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Packet)), wire: codec.CBOR()}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (b *Bus) Subscribe(fn func(Packet)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Broadcast delivers p to every listener, synchronously, outside the bus
// lock. The Reply port is shared (ports transfer, they do not clone); the
// envelope payload is cloned per listener.
func (b *Bus) Broadcast(p Packet) {
	var frame []byte
	if p.Payload != nil {
		var err error
		frame, err = protocol.EncodeWire(b.wire, p.Payload)
		if err != nil {
			zap.L().Error("boundary packet not serializable", zap.Error(err))
			return
		}
	}
	b.mu.Lock()
	subs := make([]func(Packet), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		out := p
		if frame != nil {
			env, err := protocol.DecodeWire(b.wire, frame)
			if err != nil {
				zap.L().Error("boundary packet clone failed", zap.Error(err))
				continue
			}
			out.Payload = env
		}
		fn(out)
	}
}

// Port is one end of a private two-ended acknowledgment channel, the
// handshake's analogue of a transferred message port.
type Port struct {
	peer  *Port
	acked chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Pipe returns two linked ports. An Ack on one end is observable on the
// other's Acked channel.
func Pipe() (*Port, *Port) {
	a := &Port{acked: make(chan struct{}, 1), done: make(chan struct{})}
	b := &Port{acked: make(chan struct{}, 1), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Ack signals the other end. Repeated acks collapse into one; an ack after
// the pair is closed is dropped.
func (p *Port) Ack() {
	select {
	case <-p.peer.done:
	case p.peer.acked <- struct{}{}:
	default:
	}
}

// Acked yields a token when the other end acknowledged.
func (p *Port) Acked() <-chan struct{} { return p.acked }

// Close abandons this end; the peer's acks become no-ops.
func (p *Port) Close() {
	p.once.Do(func() { close(p.done) })
}
