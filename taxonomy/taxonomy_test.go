package taxonomy

import (
	"errors"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := New(Resource, "post_send", errors.New("pool exhausted"))
	want := "post_send: Resource: pool exhausted"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorStringNilCause(t *testing.T) {
	e := New(Cancelled, "cancel", nil)
	want := "cancel: Cancelled"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := New(Peer, "recv", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestIs(t *testing.T) {
	e := New(Oversize, "post_recv", nil)
	if !Is(e, Oversize) {
		t.Error("Is(e, Oversize) = false, want true")
	}
	if Is(e, Protocol) {
		t.Error("Is(e, Protocol) = true, want false")
	}
	if Is(errors.New("plain"), Oversize) {
		t.Error("Is on a non-taxonomy error should be false")
	}
}

func TestClassStringUnknown(t *testing.T) {
	var c Class = 99
	if got := c.String(); got != "Unknown" {
		t.Errorf("String() = %q, want Unknown", got)
	}
}
