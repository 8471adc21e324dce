// Package protoengine implements the SQ/RQs state machines, credit
// accounting, and the eager/rendezvous decision described in spec.md §4.1:
// the protocol engine. This is the densest subsystem in the spec (24% of
// the implementation budget) and the one with the least teacher precedent
// — the teacher parses kernel-owned netlink state, it never drives its own
// wire protocol's state machine — so the state vocabulary below is taken
// verbatim from spec.md §3/§8, and the dispatch/credit/queueing shape
// borrows the teacher's saver.Saver pattern of "one mutex-guarded map
// keyed by a stable id, drained by a single loop" (saver/saver.go), scaled
// from one cache sweep per polling cycle to one state transition per
// arriving wire message.
package protoengine

// SendState enumerates the states a posted send work item passes through.
type SendState int

// Send states, in the order spec.md §3 lists them.
//
// SendWaitingRtsSendCompletionGotCts models the race where a CTS arrives
// before the RTS send itself has locally completed; it is declared for
// completeness against that list but never reached here; see DESIGN.md.
const (
	SendWaitingBuffer SendState = iota
	SendWaitingEagerSendCompletion
	SendWaitingRtsSendCompletion
	SendWaitingCts
	SendWaitingRtsSendCompletionGotCts
	SendWaitingDataSendCompletion
	SendWaitingRtsDoneBuffer
	SendWaitingRtsDoneSendCompletion
	SendWaitingUserTest
	SendCancelled
	SendError
)

func (s SendState) String() string {
	names := [...]string{
		"WaitingBuffer", "WaitingEagerSendCompletion", "WaitingRtsSendCompletion",
		"WaitingCts", "WaitingRtsSendCompletionGotCts", "WaitingDataSendCompletion",
		"WaitingRtsDoneBuffer", "WaitingRtsDoneSendCompletion", "WaitingUserTest",
		"Cancelled", "Error",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "Unknown"
	}
	return names[s]
}

// Terminal reports whether s is one a completed op sits in between
// completion and reaping by test().
func (s SendState) Terminal() bool {
	return s == SendWaitingUserTest || s == SendCancelled || s == SendError
}

// RecvState is a bitset: the spec calls out that "some states are
// concurrent" (a recv can be, e.g., both RtsWaitingCtsBuffer and not yet
// RtsWaitingRtsDone), so this is a bitmask rather than an exclusive enum.
type RecvState uint16

// Recv state bits, in the order spec.md §3 lists them.
const (
	RecvWaitingIncoming RecvState = 1 << iota
	RecvEagerWaitingUserPost
	RecvEagerWaitingUserTest
	RecvEagerWaitingUserTestUnexpected
	RecvRtsWaitingUserPost
	RecvRtsWaitingCtsBuffer
	RecvRtsWaitingCtsSendCompletion
	RecvRtsWaitingRtsDone
	RecvRtsWaitingUserTest
	RecvCancelled
	RecvError
)

func (s RecvState) Has(bit RecvState) bool { return s&bit != 0 }

// Terminal reports whether s has reached a state a completed op sits in
// between completion and reaping by test().
func (s RecvState) Terminal() bool {
	return s.Has(RecvEagerWaitingUserTest) || s.Has(RecvEagerWaitingUserTestUnexpected) ||
		s.Has(RecvRtsWaitingUserTest) || s.Has(RecvCancelled) || s.Has(RecvError)
}
