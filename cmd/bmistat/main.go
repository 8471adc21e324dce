// bmistat renders the local RDMA device port counters as CSV, mirroring
// cmd/csvtool's use of gocarina/gocsv to flatten structured records onto
// stdout. It does not attach to a running bmid and prints no connection
// state.
//
// This is the same data bmi.Interface.GetInfo(bmi.InfoDevicePortStats)
// exposes to a live application; bmistat reads device.Init() directly
// instead of going through a bmi.Interface because it never posts
// send/recv traffic of its own, so standing up a full Interface (backend,
// connection table, engine) just to make one get_info call would be pure
// overhead.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/m-lab/bmi-rdma/device"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// portStatRow is the CSV-flattened view of one device.PortStat.
type portStatRow struct {
	Device string `csv:"device"`
	Port   int    `csv:"port"`
	Name   string `csv:"counter"`
	Value  uint64 `csv:"value"`
}

func main() {
	flag.Parse()

	dev := device.Init()
	defer device.Finalize()

	rows := make([]*portStatRow, 0, len(dev.PortStats))
	for _, s := range dev.PortStats {
		rows = append(rows, &portStatRow{Device: s.Device, Port: s.Port, Name: s.Name, Value: s.Value})
	}

	if err := gocsv.Marshal(rows, os.Stdout); err != nil {
		log.Fatalf("bmistat: could not render CSV: %v", err)
	}
}
