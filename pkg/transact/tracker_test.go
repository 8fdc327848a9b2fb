package transact

import (
	"errors"
	"strconv"
	"testing"
)

func TestOpenSettleResolves(t *testing.T) {
	tr := New()
	out := tr.Open("t1")
	if !tr.Settle("t1", Outcome{Payload: 42}) {
		t.Fatalf("settle returned false")
	}
	o := <-out
	if o.Err != nil || o.Payload.(int) != 42 {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if tr.Pending() != 0 {
		t.Fatalf("entry not removed")
	}
}

func TestSettleRejects(t *testing.T) {
	tr := New()
	out := tr.Open("t2")
	want := errors.New("remote failed")
	tr.Settle("t2", Outcome{Err: want})
	if o := <-out; o.Err != want {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestSettleUnknownIsNoOp(t *testing.T) {
	tr := New()
	if tr.Settle("nope", Outcome{}) {
		t.Fatalf("expected false for unknown id")
	}
}

func TestDuplicateSettle(t *testing.T) {
	tr := New()
	tr.Open("t3")
	if !tr.Settle("t3", Outcome{Payload: 1}) {
		t.Fatalf("first settle failed")
	}
	if tr.Settle("t3", Outcome{Payload: 2}) {
		t.Fatalf("second settle must be a no-op")
	}
}

func TestUnansweredTransactionLeaks(t *testing.T) {
	// No expiry is deliberate; the table must simply keep growing.
	tr := New()
	for i := 0; i < 100; i++ {
		tr.Open("t" + strconv.Itoa(i))
	}
	if tr.Pending() != 100 {
		t.Fatalf("expected 100 pending entries, got %d", tr.Pending())
	}
}
