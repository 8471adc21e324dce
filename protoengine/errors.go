package protoengine

import (
	"errors"

	"github.com/m-lab/bmi-rdma/taxonomy"
)

var (
	errMismatchedLength   = errors.New("protoengine: buflist total_len does not match declared length")
	errUnexpectedTooLarge = errors.New("protoengine: unexpected send exceeds the eager threshold")
	errNoBackend          = errors.New("protoengine: connection has no live backend link")
	errPeerDisconnected   = errors.New("protoengine: peer disconnected")
)

func newPeerErr() *taxonomy.Error {
	return taxonomy.New(taxonomy.Peer, "recv", errPeerDisconnected)
}
