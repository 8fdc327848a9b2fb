// Package transport defines the point-to-point channel collaborators the
// relay expects from its host. A channel delivers envelopes in post order;
// there is no broadcast and no addressing below the channel itself.
package transport

import "sandbus/pkg/protocol"

// Channel is one end of an ordered point-to-point envelope link.
type Channel interface {
	// Name is the role name the remote side declared when connecting.
	Name() string
	// Post ships one envelope to the other end.
	Post(env *protocol.Envelope) error
	// OnMessage registers the inbound envelope callback. Envelopes arrive
	// one at a time, in post order.
	OnMessage(fn func(env *protocol.Envelope))
	// OnDisconnect registers a callback fired once when the link dies.
	OnDisconnect(fn func())
	Close() error
}

// Dialer opens an upstream channel toward the coordinator, declaring the
// caller's role name and, when bound to one, its content instance.
type Dialer interface {
	Dial(name string, instance *uint32) (Channel, error)
}

// Acceptor surfaces inbound channels on the coordinator side together with
// the instance id the connecting sandbox declared.
type Acceptor interface {
	OnAccept(fn func(ch Channel, instance *uint32))
}
