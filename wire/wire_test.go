package wire

import (
	"testing"

	"github.com/go-test/deep"
)

func TestEagerRoundTrip(t *testing.T) {
	h := Header{Type: EagerSendUnexpected, CreditReturn: 7}
	payload := []byte("hello, bmi")
	buf := make([]byte, EagerSizeOf(len(payload)))
	n := PutEager(buf, h, 42, payload)
	if n != len(buf) {
		t.Fatalf("PutEager returned %d, want %d", n, len(buf))
	}

	got, err := ParseEager(buf)
	if err != nil {
		t.Fatalf("ParseEager: %v", err)
	}
	want := Eager{Header: h, Tag: 42, Payload: payload}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
}

func TestEagerShortBuffer(t *testing.T) {
	if _, err := ParseEager([]byte{1, 2, 3}); err != ErrShortBuffer {
		t.Errorf("ParseEager on short buffer = %v, want ErrShortBuffer", err)
	}
}

func TestRTSRoundTrip(t *testing.T) {
	m := RTSMsg{Header: Header{Type: RTS, CreditReturn: 3}, Tag: 9, MopID: 12345, TotalLen: 1 << 20}
	buf := make([]byte, RTSSize)
	m.Put(buf)

	got, err := ParseRTS(buf)
	if err != nil {
		t.Fatalf("ParseRTS: %v", err)
	}
	if diff := deep.Equal(got, m); diff != nil {
		t.Error(diff)
	}
}

func TestCTSRoundTrip(t *testing.T) {
	m := CTSMsg{
		Header:   Header{Type: CTS, CreditReturn: 0},
		RTSMopID: 555,
		TotalLen: 4096,
		Segments: []Segment{
			{Addr: 0x1000, Len: 2048, Rkey: 1},
			{Addr: 0x2000, Len: 2048, Rkey: 2},
		},
	}
	buf := make([]byte, m.Size())
	m.Put(buf)

	got, err := ParseCTS(buf)
	if err != nil {
		t.Fatalf("ParseCTS: %v", err)
	}
	if diff := deep.Equal(got, m); diff != nil {
		t.Error(diff)
	}
}

func TestCTSShortSegmentTable(t *testing.T) {
	m := CTSMsg{Header: Header{Type: CTS}, Segments: []Segment{{Addr: 1, Len: 1, Rkey: 1}}}
	buf := make([]byte, m.Size())
	m.Put(buf)
	if _, err := ParseCTS(buf[:len(buf)-1]); err != ErrShortBuffer {
		t.Errorf("ParseCTS on truncated segment table = %v, want ErrShortBuffer", err)
	}
}

func TestRTSDoneRoundTrip(t *testing.T) {
	m := RTSDoneMsg{Header: Header{Type: RTSDone, CreditReturn: 2}, MopID: 777}
	buf := make([]byte, RTSDoneSize)
	m.Put(buf)

	got, err := ParseRTSDone(buf)
	if err != nil {
		t.Fatalf("ParseRTSDone: %v", err)
	}
	if diff := deep.Equal(got, m); diff != nil {
		t.Error(diff)
	}
}

func TestTypeHeaderSize(t *testing.T) {
	if TypeHeaderSize(EagerSend) != 4 {
		t.Error("EagerSend type header should carry the 4-byte tag")
	}
	if TypeHeaderSize(BYE) != 0 {
		t.Error("BYE has no type-specific header")
	}
}

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		EagerSend: "EAGER_SEND", RTS: "RTS", CTS: "CTS",
		RTSDone: "RTS_DONE", BYE: "BYE", Credit: "CREDIT",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", typ, got, want)
		}
	}
}
