//go:build linux

package addr

import (
	"log"
	"net"

	"github.com/vishvananda/netlink"
)

// verifyRDMARoute is a best-effort check that resolving host egresses
// through a link whose name suggests an RDMA-capable NIC (ConnectX/IB
// naming conventions use "ib"/"roce" prefixes in practice; lacking a verbs
// binding in this corpus, we settle for "the route exists and names some
// link", checked on the Directory's first Lookup of a host, never in Parse,
// and without requiring a live fabric). A missing route is logged; every
// failure is swallowed — §4.11 makes this advisory only.
func verifyRDMARoute(host string) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return
		}
		ip = ips[0]
	}
	routes, err := netlink.RouteGet(ip)
	if err != nil || len(routes) == 0 {
		log.Printf("addr: no route to %s found via netlink (advisory only): %v", host, err)
		return
	}
	link, err := netlink.LinkByIndex(routes[0].LinkIndex)
	if err != nil {
		return
	}
	log.Printf("addr: %s resolved via link %s", host, link.Attrs().Name)
}
