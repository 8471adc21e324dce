//go:build !linux

package addr

// verifyRDMARoute is a no-op on non-Linux build targets: netlink route
// introspection is Linux-specific, and the spec requires this hint remain
// best-effort (§4.11).
func verifyRDMARoute(host string) {}
