package hub

import (
	"testing"

	"sandbus/pkg/protocol"
	"sandbus/pkg/transport"
)

type nullChannel struct{ name string }

func (c *nullChannel) Name() string                       { return c.name }
func (c *nullChannel) Post(*protocol.Envelope) error      { return nil }
func (c *nullChannel) OnMessage(func(*protocol.Envelope)) {}
func (c *nullChannel) OnDisconnect(func())                {}
func (c *nullChannel) Close() error                       { return nil }

var _ transport.Channel = (*nullChannel)(nil)

func env(id string) *protocol.Envelope {
	return &protocol.Envelope{MessageID: id, Hops: []string{}}
}

func TestConnectDrainsBacklogInOrder(t *testing.T) {
	h := New()
	h.Enqueue("content-script@7", env("first"))
	h.Enqueue("content-script@7", env("second"))
	h.Enqueue("content-script@9", env("elsewhere"))

	queued := h.Connect("content-script@7", &nullChannel{name: "content-script"})
	if len(queued) != 2 || queued[0].MessageID != "first" || queued[1].MessageID != "second" {
		t.Fatalf("unexpected drain %v", queued)
	}
	if h.Backlogged("content-script@7") != 0 {
		t.Fatalf("backlog not cleared")
	}
	if h.Backlogged("content-script@9") != 1 {
		t.Fatalf("unrelated backlog touched")
	}
}

func TestFlushIsExactlyOnce(t *testing.T) {
	h := New()
	h.Enqueue("content-script@7", env("once"))
	if got := h.Connect("content-script@7", &nullChannel{}); len(got) != 1 {
		t.Fatalf("expected one entry, got %d", len(got))
	}
	h.Disconnect("content-script@7")
	// a later, distinct connect of the same id must not redeliver
	if got := h.Connect("content-script@7", &nullChannel{}); len(got) != 0 {
		t.Fatalf("entry redelivered: %v", got)
	}
}

func TestDisconnectKeepsBacklog(t *testing.T) {
	h := New()
	h.Connect("devtools@4", &nullChannel{})
	h.Disconnect("devtools@4")
	if _, ok := h.Channel("devtools@4"); ok {
		t.Fatalf("registry entry survived disconnect")
	}
	h.Enqueue("devtools@4", env("late"))
	h.Disconnect("devtools@4") // disconnect of an absent id is harmless
	if got := h.Connect("devtools@4", &nullChannel{}); len(got) != 1 || got[0].MessageID != "late" {
		t.Fatalf("backlog lost across disconnect: %v", got)
	}
}

func TestEnqueueNoDedup(t *testing.T) {
	h := New()
	e := env("dup")
	h.Enqueue("content-script@1", e)
	h.Enqueue("content-script@1", e)
	if got := h.Connect("content-script@1", &nullChannel{}); len(got) != 2 {
		t.Fatalf("identical enqueues must both deliver, got %d", len(got))
	}
}
