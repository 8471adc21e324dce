package protoengine

import "testing"

func TestSendStateTerminal(t *testing.T) {
	terminal := []SendState{SendWaitingUserTest, SendCancelled, SendError}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	nonTerminal := []SendState{SendWaitingBuffer, SendWaitingCts, SendWaitingDataSendCompletion}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestRecvStateIsBitmask(t *testing.T) {
	s := RecvRtsWaitingCtsBuffer | RecvRtsWaitingUserPost
	if !s.Has(RecvRtsWaitingCtsBuffer) || !s.Has(RecvRtsWaitingUserPost) {
		t.Error("combined RecvState should report both set bits")
	}
	if s.Has(RecvCancelled) {
		t.Error("combined RecvState should not report an unset bit")
	}
	if s.Terminal() {
		t.Error("RtsWaitingCtsBuffer|RtsWaitingUserPost should not be terminal")
	}
	if !(RecvCancelled | RecvRtsWaitingCtsBuffer).Terminal() {
		t.Error("a state with RecvCancelled set should be terminal")
	}
}
