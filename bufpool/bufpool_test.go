package bufpool

import "testing"

func TestGetPutCycle(t *testing.T) {
	p := New(4, 128)
	if p.Len() != 4 || p.FreeCount() != 4 {
		t.Fatalf("fresh pool: Len=%d FreeCount=%d, want 4/4", p.Len(), p.FreeCount())
	}

	bh, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.FreeCount() != 3 || p.InFlightCount() != 1 {
		t.Errorf("after one Get: FreeCount=%d InFlightCount=%d, want 3/1", p.FreeCount(), p.InFlightCount())
	}

	p.Put(bh)
	if p.FreeCount() != 4 {
		t.Errorf("after Put: FreeCount=%d, want 4", p.FreeCount())
	}
}

func TestGetExhausted(t *testing.T) {
	p := New(2, 16)
	if _, err := p.Get(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(); err != ErrEmpty {
		t.Errorf("Get on exhausted pool = %v, want ErrEmpty", err)
	}
}

func TestAtReturnsSameBacking(t *testing.T) {
	p := New(2, 16)
	bh, _ := p.Get()
	bh.Buf[0] = 0xAB
	if got := p.At(bh.Index).Buf[0]; got != 0xAB {
		t.Errorf("At(%d).Buf[0] = %x, want 0xAB", bh.Index, got)
	}
}
