package boundary

import (
	"sync"
	"testing"
	"time"

	"sandbus/pkg/endpoint"
	"sandbus/pkg/frame"
	"sandbus/pkg/protocol"
)

func fixedNS(ns string) func() string { return func() string { return ns } }

// probeCounter records verify/route packets seen on the bus and acks probes
// starting from the given attempt.
type probeCounter struct {
	mu        sync.Mutex
	verifies  int
	routes    []*protocol.Envelope
	ackFrom   int
	roleName  string
	namespace string
}

func (c *probeCounter) attach(bus *frame.Bus) {
	bus.Subscribe(func(p frame.Packet) {
		if p.Scope != c.namespace || p.Role == c.roleName {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		switch p.Cmd {
		case frame.CmdVerifyListening:
			c.verifies++
			if c.verifies >= c.ackFrom && p.Reply != nil {
				p.Reply.Ack()
			}
		case frame.CmdRouteMessage:
			c.routes = append(c.routes, p.Payload)
		}
	})
}

func (c *probeCounter) snapshot() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifies, len(c.routes)
}

func TestRelayWithoutNamespaceFails(t *testing.T) {
	bus := frame.NewBus()
	b := New(bus, endpoint.RoleMediator, fixedNS(""), func(*protocol.Envelope) {}, time.Millisecond)
	defer b.Close()
	if err := b.Relay(&protocol.Envelope{Hops: []string{}}); err != ErrNamespaceUnset {
		t.Fatalf("expected ErrNamespaceUnset, got %v", err)
	}
}

func TestRelayProbesThenRoutesOnce(t *testing.T) {
	bus := frame.NewBus()
	c := &probeCounter{ackFrom: 1, roleName: "content-script", namespace: "ns"}
	c.attach(bus)

	b := New(bus, endpoint.RolePage, fixedNS("ns"), func(*protocol.Envelope) {}, 20*time.Millisecond)
	defer b.Close()

	env := protocol.NewMessage(endpoint.Endpoint{Role: endpoint.RolePage}, endpoint.Endpoint{Role: endpoint.RoleCoordinator}, "txn", "ping", nil)
	if err := b.Relay(env); err != nil {
		t.Fatalf("relay: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		v, r := c.snapshot()
		if v == 1 && r == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("want 1 probe and 1 route, got %d/%d", v, r)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayRetriesUnansweredProbe(t *testing.T) {
	bus := frame.NewBus()
	c := &probeCounter{ackFrom: 2, roleName: "content-script", namespace: "ns"} // ignore the first probe
	c.attach(bus)

	b := New(bus, endpoint.RolePage, fixedNS("ns"), func(*protocol.Envelope) {}, 20*time.Millisecond)
	defer b.Close()

	env := protocol.NewMessage(endpoint.Endpoint{Role: endpoint.RolePage}, endpoint.Endpoint{Role: endpoint.RoleCoordinator}, "txn", "ping", nil)
	if err := b.Relay(env); err != nil {
		t.Fatalf("relay: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		v, r := c.snapshot()
		if r == 1 {
			if v != 2 {
				t.Fatalf("want exactly one extra probe, got %d", v)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("route never sent; probes=%d", v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInboundNamespaceAndRoleFiltering(t *testing.T) {
	bus := frame.NewBus()
	delivered := make(chan *protocol.Envelope, 1)
	b := New(bus, endpoint.RoleMediator, fixedNS("ns"), func(e *protocol.Envelope) { delivered <- e }, time.Millisecond)
	defer b.Close()

	env := protocol.NewMessage(endpoint.Endpoint{Role: endpoint.RolePage}, endpoint.Endpoint{Role: endpoint.RoleCoordinator}, "txn", "ping", nil)

	// wrong namespace: ignored
	bus.Broadcast(frame.Packet{Cmd: frame.CmdRouteMessage, Scope: "other", Role: "window", Payload: env})
	// own role echoed back: ignored
	bus.Broadcast(frame.Packet{Cmd: frame.CmdRouteMessage, Scope: "ns", Role: "content-script", Payload: env})
	select {
	case <-delivered:
		t.Fatalf("filtered packet was delivered")
	case <-time.After(50 * time.Millisecond):
	}

	bus.Broadcast(frame.Packet{Cmd: frame.CmdRouteMessage, Scope: "ns", Role: "window", Payload: env})
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatalf("matching packet not delivered")
	}
}

func TestMediatorRewritesInboundOrigin(t *testing.T) {
	bus := frame.NewBus()
	delivered := make(chan *protocol.Envelope, 1)
	b := New(bus, endpoint.RoleMediator, fixedNS("ns"), func(e *protocol.Envelope) { delivered <- e }, time.Millisecond)
	defer b.Close()

	// the page claims to be the coordinator
	forged := protocol.NewMessage(endpoint.Endpoint{Role: endpoint.RoleCoordinator}, endpoint.Endpoint{Role: endpoint.RoleCoordinator}, "txn", "ping", nil)
	bus.Broadcast(frame.Packet{Cmd: frame.CmdRouteMessage, Scope: "ns", Role: "window", Payload: forged})

	select {
	case got := <-delivered:
		if got.Origin.Role != endpoint.RolePage {
			t.Fatalf("forged origin survived: %+v", got.Origin)
		}
	case <-time.After(time.Second):
		t.Fatalf("packet not delivered")
	}
}

func TestVerifyProbeIsAcked(t *testing.T) {
	bus := frame.NewBus()
	b := New(bus, endpoint.RolePage, fixedNS("ns"), func(*protocol.Envelope) {}, time.Millisecond)
	defer b.Close()

	local, remote := frame.Pipe()
	bus.Broadcast(frame.Packet{Cmd: frame.CmdVerifyListening, Scope: "ns", Role: "content-script", Reply: remote})
	select {
	case <-local.Acked():
	case <-time.After(time.Second):
		t.Fatalf("probe was not acknowledged")
	}
}
