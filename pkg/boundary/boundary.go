// Package boundary crosses the untrusted page edge. Traffic in either
// direction runs a two-phase handshake: probe until the far side proves it is
// listening, then relay the envelope exactly once.
package boundary

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"sandbus/pkg/endpoint"
	"sandbus/pkg/frame"
	"sandbus/pkg/protocol"
)

// DefaultProbeTimeout bounds one liveness probe before the attempt restarts.
// There is no backoff and no retry bound: the page may simply not have
// loaded yet.
const DefaultProbeTimeout = 300 * time.Millisecond

// ErrNamespaceUnset is returned when page-boundary traffic is attempted
// before a namespace has been configured. The namespace is the sole
// isolation key between unrelated users of this protocol on one page.
var ErrNamespaceUnset = errors.New("boundary: namespace not configured")

// phase of one relay attempt.
type phase uint8

const (
	phaseProbing phase = iota
	phaseAwaitingAck
	phaseRelaying
)

func (p phase) String() string {
	switch p {
	case phaseProbing:
		return "probing"
	case phaseAwaitingAck:
		return "awaiting-ack"
	case phaseRelaying:
		return "relaying"
	default:
		return "unknown"
	}
}

// Boundary owns one sandbox's edge of the mediator/page surface.
type Boundary struct {
	bus       *frame.Bus
	role      endpoint.Role
	namespace func() string // current namespace; empty until configured
	deliver   func(*protocol.Envelope)
	timeout   time.Duration

	done      chan struct{}
	closeOnce sync.Once
	unsub     func()
}

// New attaches a boundary to bus. deliver receives inbound envelopes that
// passed the namespace/role checks; namespace is consulted live so it can be
// configured after construction.
func New(bus *frame.Bus, role endpoint.Role, namespace func() string, deliver func(*protocol.Envelope), timeout time.Duration) *Boundary {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	b := &Boundary{
		bus:       bus,
		role:      role,
		namespace: namespace,
		deliver:   deliver,
		timeout:   timeout,
		done:      make(chan struct{}),
	}
	b.unsub = bus.Subscribe(b.onPacket)
	return b
}

// Close tears the boundary down; in-flight relay attempts stop at their next
// timer tick.
func (b *Boundary) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.unsub()
	})
}

// Relay ships env across the window edge asynchronously. It fails only when
// no namespace is configured; everything after that is retried forever.
func (b *Boundary) Relay(env *protocol.Envelope) error {
	if b.namespace() == "" {
		return ErrNamespaceUnset
	}
	go b.relayLoop(env)
	return nil
}

// relayLoop drives one envelope through the probe/ack/relay states. Each
// failed probe abandons its private reply port and starts a fresh attempt.
func (b *Boundary) relayLoop(env *protocol.Envelope) {
	for attempt := 1; ; attempt++ {
		st := phaseProbing
		zap.L().Debug("probing window edge",
			zap.String("phase", st.String()),
			zap.Int("attempt", attempt),
			zap.String("message", env.MessageID))
		local, remote := frame.Pipe()
		b.bus.Broadcast(frame.Packet{
			Cmd:   frame.CmdVerifyListening,
			Scope: b.namespace(),
			Role:  b.role.String(),
			Reply: remote,
		})
		st = phaseAwaitingAck
		timer := time.NewTimer(b.timeout)
		select {
		case <-local.Acked():
			timer.Stop()
			st = phaseRelaying
			zap.L().Debug("page boundary acknowledged",
				zap.String("phase", st.String()),
				zap.Int("attempt", attempt),
				zap.String("message", env.MessageID))
			b.bus.Broadcast(frame.Packet{
				Cmd:     frame.CmdRouteMessage,
				Scope:   b.namespace(),
				Role:    b.role.String(),
				Payload: env,
			})
			local.Close()
			return
		case <-timer.C:
			local.Close()
			zap.L().Debug("page probe unanswered, retrying",
				zap.String("phase", st.String()),
				zap.Int("attempt", attempt),
				zap.String("message", env.MessageID))
		case <-b.done:
			timer.Stop()
			local.Close()
			return
		}
	}
}

// onPacket handles inbound boundary traffic. Packets from a different
// namespace, or echoing our own role, are ignored; nothing is processed at
// all until a namespace is configured.
func (b *Boundary) onPacket(p frame.Packet) {
	ns := b.namespace()
	if ns == "" || p.Scope != ns || p.Role == b.role.String() {
		return
	}
	switch p.Cmd {
	case frame.CmdVerifyListening:
		if p.Reply != nil {
			p.Reply.Ack()
		}
	case frame.CmdRouteMessage:
		if p.Payload == nil {
			return
		}
		env := p.Payload
		if b.role == endpoint.RoleMediator {
			// Whatever the page claims, its traffic enters the trusted
			// side as page-originated.
			env.Origin = endpoint.Endpoint{Role: endpoint.RolePage}
		}
		b.deliver(env)
	}
}
