package conn

import (
	"testing"

	"github.com/m-lab/bmi-rdma/addr"
)

func testAddr(port int) addr.Addr {
	return addr.Addr{Scheme: addr.SchemeRDMA, Host: "127.0.0.1", Port: port}
}

func TestCreditAccounting(t *testing.T) {
	c := New(testAddr(7174), "peer", 4, 1024)
	for i := 0; i < 4; i++ {
		if !c.ConsumeSendCredit() {
			t.Fatalf("ConsumeSendCredit failed on iteration %d, expected 4 available", i)
		}
	}
	if c.ConsumeSendCredit() {
		t.Error("ConsumeSendCredit succeeded with no credit remaining")
	}
	c.RefillSendCredit(2)
	if !c.ConsumeSendCredit() || !c.ConsumeSendCredit() {
		t.Error("ConsumeSendCredit should succeed twice after refilling 2")
	}
}

func TestReturnCreditTakeResets(t *testing.T) {
	c := New(testAddr(7175), "peer", 4, 1024)
	c.IncReturnCredit()
	c.IncReturnCredit()
	if got := c.TakeReturnCredit(); got != 2 {
		t.Errorf("TakeReturnCredit() = %d, want 2", got)
	}
	if got := c.TakeReturnCredit(); got != 0 {
		t.Errorf("TakeReturnCredit() after drain = %d, want 0", got)
	}
}

func TestUnrefDoesNotSignalFreeWhileLive(t *testing.T) {
	c := New(testAddr(7176), "peer", 4, 1024)
	c.Ref()
	c.Ref()
	if c.Unref() {
		t.Error("Unref should not signal free while refcount > 0")
	}
	if c.Unref() {
		t.Error("Unref should not signal free on a connection that is neither closed nor cancelled")
	}
}

func TestUnrefSignalsFreeAtZeroWhenCancelled(t *testing.T) {
	c := New(testAddr(7177), "peer", 4, 1024)
	c.Ref()
	c.MarkCancelled()
	if !c.Unref() {
		t.Error("Unref reaching refcount 0 on a cancelled connection should signal free")
	}
}

func TestTableLifecycle(t *testing.T) {
	table := NewTable()
	a := testAddr(7178)
	c := New(a, "peer", 4, 1024)
	table.Put(c)

	got, ok := table.Get(a)
	if !ok || got != c {
		t.Fatalf("Get after Put = (%v, %v), want (%v, true)", got, ok, c)
	}
	if len(table.All()) != 1 {
		t.Errorf("All() len = %d, want 1", len(table.All()))
	}

	n := table.Remove(a)
	if n != 0 {
		t.Errorf("Remove returned %d remaining, want 0", n)
	}
	if _, ok := table.Get(a); ok {
		t.Error("Get after Remove should report not-found")
	}
}
