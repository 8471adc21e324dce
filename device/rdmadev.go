// Package device implements the process-wide transport device object
// (spec.md §9 "Global state → device object" and §6 "Process-wide state"):
// one value, created by an init routine, that every connection and pool
// hangs off of, plus the RDMA device discovery and counter exposure that
// back the get_info transport op.
//
// Discovery is grounded directly on yuuki-rdma_exporter's collector.go,
// which is the only example in the retrieved corpus that talks to real
// RDMA hardware state (via /sys/class/infiniband, through Mellanox/rdmamap)
// rather than simulating a fabric.
package device

import (
	"log"
	"strconv"
	"sync"

	"github.com/Mellanox/rdmamap"
	"github.com/m-lab/bmi-rdma/metrics"
)

// PortStat is one exported counter for one device port.
type PortStat struct {
	Device string
	Port   int
	Name   string
	Value  uint64
}

// Discover enumerates local RDMA devices and their per-port sysfs counters.
// Errors for an individual device are logged and skipped, matching the
// teacher corpus's "continue with other devices even if one fails" idiom.
func Discover() []PortStat {
	var out []PortStat
	devices := rdmamap.GetRdmaDeviceList()
	if len(devices) == 0 {
		log.Println("device: no RDMA devices found (running without a fabric?)")
		return nil
	}
	for _, dev := range devices {
		stats, err := rdmamap.GetRdmaSysfsAllPortsStats(dev)
		if err != nil {
			log.Printf("device: failed to read sysfs stats for %s: %v", dev, err)
			continue
		}
		for _, portStats := range stats.PortStats {
			for _, s := range portStats.Stats {
				out = append(out, PortStat{Device: dev, Port: portStats.Port, Name: s.Name, Value: s.Value})
			}
			for _, s := range portStats.HwStats {
				out = append(out, PortStat{Device: dev, Port: portStats.Port, Name: s.Name, Value: s.Value})
			}
		}
	}
	return out
}

// ExportMetrics republishes the most recent Discover() snapshot onto the
// Prometheus gauges declared in metrics/metrics.go, filtering to the two
// counters the spec's get_info diagnostics care about: link rate and
// per-device VF presence (surfaced here simply as a count of distinct
// ports reporting, since the retrieved rdmamap usage never exercises the
// VF-enumeration calls — counting ports is the honest thing we can derive
// from what the corpus actually demonstrates).
func ExportMetrics() {
	stats := Discover()
	byDevice := map[string]map[int]bool{}
	for _, s := range stats {
		if s.Name == "rate" || s.Name == "link_rate" {
			metrics.DevicePortRateBytes.WithLabelValues(s.Device, portLabel(s.Port)).Set(float64(s.Value))
		}
		if byDevice[s.Device] == nil {
			byDevice[s.Device] = map[int]bool{}
		}
		byDevice[s.Device][s.Port] = true
	}
	for dev, ports := range byDevice {
		metrics.DeviceVFCount.WithLabelValues(dev).Set(float64(len(ports)))
	}
}

func portLabel(p int) string {
	return strconv.Itoa(p)
}

// Device is the single process-wide transport device object. Per Design
// Note 9 ("Global state → device object"), this replaces the source's
// process-wide pointer with hidden linkage: one value, owned by Init, with
// every component holding a non-owning reference via *Device.
type Device struct {
	initMu sync.Mutex
	inited bool

	PortStats []PortStat
}

var (
	globalMu sync.Mutex
	global   *Device
)

// Init brings up the process-wide device exactly once, protected by the
// init mutex the spec requires (§5).
func Init() *Device {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return global
	}
	d := &Device{}
	d.PortStats = Discover()
	d.inited = true
	global = d
	return d
}

// Get returns the process-wide device, or nil if Init has not been called.
func Get() *Device {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Finalize tears down the process-wide device. The caller must have
// already proven every connection's refcount is zero (spec.md §9
// "Finalization proves the refcount is zero"); Finalize itself just clears
// the global pointer.
func Finalize() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
