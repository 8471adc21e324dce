// Package config declares the tunables of spec.md §6 as command-line
// flags, read the way the teacher's main.go reads its own: plain
// `flag`, widened to accept environment variables via
// github.com/m-lab/go/flagx.ArgsFromEnv so the daemon is configurable in
// a container without a wrapper script.
package config

import (
	"flag"

	"github.com/m-lab/go/flagx"
)

// Tunables holds the spec's listed defaults (§6).
type Tunables struct {
	EagerBufNum     int
	EagerBufSize    int
	ListenBacklog   int
	AcceptTimeoutMS int
	ListenAddr      string
	PromAddr        string
}

var (
	eagerBufNum     = flag.Int("bmi.eager_buf_num", 32, "Number of eager send/recv buffers per connection.")
	eagerBufSize    = flag.Int("bmi.eager_buf_size", 2*1024*1024, "Size in bytes of each eager buffer.")
	listenBacklog   = flag.Int("bmi.listen_backlog", 16384, "OOB listen socket backlog hint.")
	acceptTimeoutMS = flag.Int("bmi.accept_timeout_ms", 2000, "Accept/connect timeout in milliseconds; parsed into Tunables but not applied by the OOB backends.")
	listenAddr      = flag.String("bmi.listen", "rdma://0.0.0.0:7174", "Address this process listens for BMI connections on.")
	promAddr        = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
)

// Parse parses the command line and environment into a Tunables. Call
// after flag.Parse() has not yet been called; Parse calls it.
func Parse() Tunables {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)
	return Tunables{
		EagerBufNum:     *eagerBufNum,
		EagerBufSize:    *eagerBufSize,
		ListenBacklog:   *listenBacklog,
		AcceptTimeoutMS: *acceptTimeoutMS,
		ListenAddr:      *listenAddr,
		PromAddr:        *promAddr,
	}
}
