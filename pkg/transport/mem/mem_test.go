package mem

import (
	"testing"
	"time"

	"sandbus/pkg/endpoint"
	"sandbus/pkg/protocol"
	"sandbus/pkg/transport"
)

func ping(payload any) *protocol.Envelope {
	return protocol.NewMessage(
		endpoint.At(endpoint.RoleMediator, 1),
		endpoint.Endpoint{Role: endpoint.RoleCoordinator},
		"txn-1", "ping", payload,
	)
}

func TestDialReachesAcceptor(t *testing.T) {
	b := New()
	accepted := make(chan transport.Channel, 1)
	b.OnAccept(func(ch transport.Channel, instance *uint32) {
		if instance == nil || *instance != 7 {
			t.Errorf("instance not carried: %v", instance)
		}
		accepted <- ch
	})

	inst := uint32(7)
	cli, err := b.Dial("content-script", &inst)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	var srv transport.Channel
	select {
	case srv = <-accepted:
	case <-time.After(time.Second):
		t.Fatalf("acceptor never saw the dial")
	}
	if srv.Name() != "content-script" {
		t.Fatalf("unexpected channel name %q", srv.Name())
	}

	got := make(chan *protocol.Envelope, 1)
	srv.OnMessage(func(env *protocol.Envelope) { got <- env })
	if err := cli.Post(ping(map[string]any{"n": 1})); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case env := <-got:
		if env.MessageID != "ping" {
			t.Fatalf("unexpected envelope %+v", env)
		}
		if env.Payload.(map[string]any)["n"].(int64) != 1 {
			t.Fatalf("payload mangled in transit: %#v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("envelope never arrived")
	}
}

func TestDialBeforeOnAcceptIsQueued(t *testing.T) {
	b := New()
	if _, err := b.Dial("devtools", nil); err != nil {
		t.Fatalf("dial: %v", err)
	}
	accepted := make(chan string, 1)
	b.OnAccept(func(ch transport.Channel, _ *uint32) { accepted <- ch.Name() })
	select {
	case name := <-accepted:
		if name != "devtools" {
			t.Fatalf("queued dial lost its name: %q", name)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued dial never surfaced")
	}
}

func TestEnvelopesBeforeHandlerAreReplayedInOrder(t *testing.T) {
	b := New()
	accepted := make(chan transport.Channel, 1)
	b.OnAccept(func(ch transport.Channel, _ *uint32) { accepted <- ch })

	cli, err := b.Dial("content-script", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	srv := <-accepted

	for i := 1; i <= 3; i++ {
		if err := cli.Post(ping(map[string]any{"n": i})); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	// let the read pump drain the pipe before the handler shows up
	time.Sleep(50 * time.Millisecond)

	got := make(chan int64, 3)
	srv.OnMessage(func(env *protocol.Envelope) {
		got <- env.Payload.(map[string]any)["n"].(int64)
	})
	for want := int64(1); want <= 3; want++ {
		select {
		case n := <-got:
			if n != want {
				t.Fatalf("order broken: got %d want %d", n, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("envelope %d never replayed", want)
		}
	}
}

func TestCloseFiresDisconnectOnBothEnds(t *testing.T) {
	b := New()
	accepted := make(chan transport.Channel, 1)
	b.OnAccept(func(ch transport.Channel, _ *uint32) { accepted <- ch })

	cli, err := b.Dial("content-script", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-accepted

	cliDown := make(chan struct{})
	srvDown := make(chan struct{})
	cli.OnDisconnect(func() { close(cliDown) })
	srv.OnDisconnect(func() { close(srvDown) })

	cli.Close()
	for name, ch := range map[string]chan struct{}{"client": cliDown, "server": srvDown} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("%s never saw the disconnect", name)
		}
	}
}

func TestPostedEnvelopeDoesNotAlias(t *testing.T) {
	b := New()
	accepted := make(chan transport.Channel, 1)
	b.OnAccept(func(ch transport.Channel, _ *uint32) { accepted <- ch })

	cli, _ := b.Dial("content-script", nil)
	defer cli.Close()
	srv := <-accepted

	got := make(chan *protocol.Envelope, 1)
	srv.OnMessage(func(env *protocol.Envelope) { got <- env })

	orig := ping(nil)
	if err := cli.Post(orig); err != nil {
		t.Fatalf("post: %v", err)
	}
	env := <-got
	env.Hops = append(env.Hops, "r1")
	if len(orig.Hops) != 0 {
		t.Fatalf("received envelope shares state with the sender's copy")
	}
}
