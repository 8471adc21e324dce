package memcache

import "sync/atomic"

// SoftRegistrar is a Registrar that hands out synthetic lkey/rkey pairs
// instead of calling into a verbs memory-registration API — there is no
// such binding anywhere in the retrieved corpus to wrap (see
// SPEC_FULL.md §2, the same reasoning that governs the oob.Backend
// boundary). It never fails, which is adequate for the TCP backend: the
// "registration" it stands in for is really just minting an opaque
// addressing token the CTS segment table carries over the wire.
type SoftRegistrar struct {
	next uint32
}

// NewSoftRegistrar creates a Registrar with no backing hardware.
func NewSoftRegistrar() *SoftRegistrar {
	return &SoftRegistrar{}
}

// Register implements Registrar.
func (r *SoftRegistrar) Register(addr uintptr, length int) (Handle, error) {
	k := atomic.AddUint32(&r.next, 1)
	return Handle{Lkey: k, Rkey: k}, nil
}

// Deregister implements Registrar.
func (r *SoftRegistrar) Deregister(addr uintptr, length int) error {
	return nil
}
