package frame

import (
	"testing"
	"time"

	"sandbus/pkg/endpoint"
	"sandbus/pkg/protocol"
)

func TestPipeAck(t *testing.T) {
	local, remote := Pipe()
	remote.Ack()
	select {
	case <-local.Acked():
	case <-time.After(time.Second):
		t.Fatalf("ack never arrived")
	}
	// duplicate acks collapse; a closed pair drops them silently
	remote.Ack()
	local.Close()
	remote.Ack()
}

func TestBroadcastReachesAllListeners(t *testing.T) {
	b := NewBus()
	got := make(chan string, 2)
	b.Subscribe(func(p Packet) { got <- "one:" + p.Cmd })
	unsub := b.Subscribe(func(p Packet) { got <- "two:" + p.Cmd })

	b.Broadcast(Packet{Cmd: CmdVerifyListening, Scope: "ns", Role: "content-script"})
	seen := map[string]bool{<-got: true, <-got: true}
	if !seen["one:verify-listening"] || !seen["two:verify-listening"] {
		t.Fatalf("broadcast missed a listener: %v", seen)
	}

	unsub()
	b.Broadcast(Packet{Cmd: CmdVerifyListening, Scope: "ns", Role: "content-script"})
	if msg := <-got; msg != "one:verify-listening" {
		t.Fatalf("unexpected listener after unsubscribe: %s", msg)
	}
}

func TestBroadcastClonesPayload(t *testing.T) {
	b := NewBus()
	var received *protocol.Envelope
	b.Subscribe(func(p Packet) { received = p.Payload })

	orig := protocol.NewMessage(
		endpoint.At(endpoint.RoleMediator, 1),
		endpoint.Endpoint{Role: endpoint.RolePage},
		"txn", "ping", map[string]any{"n": 1},
	)
	b.Broadcast(Packet{Cmd: CmdRouteMessage, Scope: "ns", Role: "content-script", Payload: orig})

	if received == nil || received == orig {
		t.Fatalf("listener must get its own copy")
	}
	received.Hops = append(received.Hops, "r1")
	if len(orig.Hops) != 0 {
		t.Fatalf("copy shares state with the original")
	}
	if received.Payload.(map[string]any)["n"].(int64) != 1 {
		t.Fatalf("payload did not survive the clone: %#v", received.Payload)
	}
}
