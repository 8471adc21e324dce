package memcache

import (
	"errors"
	"testing"
)

var errRegisterFailed = errors.New("register failed")

func TestRegisterCoalescesOverlap(t *testing.T) {
	c := New(NewSoftRegistrar())
	h1, err := c.Register(0x1000, 64)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h2, err := c.Register(0x1000, 32)
	if err != nil {
		t.Fatalf("Register (repeat): %v", err)
	}
	if h1 != h2 {
		t.Errorf("second Register of an already-covered range got a different handle: %v vs %v", h1, h2)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestDeregisterRefcount(t *testing.T) {
	c := New(NewSoftRegistrar())
	c.Register(0x2000, 16)
	c.Register(0x2000, 16)
	if err := c.Deregister(0x2000, 16); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if c.Len() != 1 {
		t.Error("entry should still be tracked after one of two refs is dropped")
	}
	if err := c.Deregister(0x2000, 16); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if c.Len() != 1 {
		t.Error("entry should remain in the free LRU, not be removed, until evicted")
	}
}

type failingRegistrar struct {
	fail bool
}

func (r *failingRegistrar) Register(addr uintptr, length int) (Handle, error) {
	if r.fail {
		return Handle{}, errRegisterFailed
	}
	return Handle{Lkey: uint32(addr), Rkey: uint32(addr)}, nil
}

func (r *failingRegistrar) Deregister(addr uintptr, length int) error { return nil }

func TestEvictionOnRegisterFailure(t *testing.T) {
	reg := &failingRegistrar{}
	c := New(reg)

	if _, err := c.Register(1, 16); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c.Deregister(1, 16) // now free and evictable

	reg.fail = true
	if _, err := c.Register(2, 16); err == nil {
		t.Fatal("expected Register to fail while reg.fail is set")
	} else if err != ErrNoMem {
		t.Errorf("Register error = %v, want ErrNoMem", err)
	}
}
