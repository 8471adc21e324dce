// bmid runs one BMI process: it listens for inbound connections on the
// configured OOB address, drives every connection's protocol engine, and
// exports Prometheus metrics, mirroring the shape of the teacher's own
// main.go (flag/flagx configuration, rtx.Must for fatal setup errors,
// prometheusx for the metrics server).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/bmi-rdma/addr"
	"github.com/m-lab/bmi-rdma/bmi"
	"github.com/m-lab/bmi-rdma/config"
	"github.com/m-lab/bmi-rdma/device"
	"github.com/m-lab/bmi-rdma/oob"
	"github.com/m-lab/bmi-rdma/poller"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	cfg := config.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	promSrv := prometheusx.MustStartPrometheus(cfg.PromAddr)
	defer promSrv.Shutdown(ctx)

	dev := device.Init()
	defer device.Finalize()
	log.Printf("bmid: discovered %d RDMA port counters", len(dev.PortStats))

	listenAddr, err := addr.Parse(cfg.ListenAddr)
	rtx.Must(err, "Could not parse -bmi.listen %q", cfg.ListenAddr)

	backend := oob.NewCMBackend(cfg.ListenBacklog)
	rtx.Must(backend.Listen(listenAddr), "Could not listen on %s", listenAddr)

	iface := bmi.Init(bmi.Config{
		EagerBufNum:  cfg.EagerBufNum,
		EagerBufSize: cfg.EagerBufSize,
		Reconnect:    true,
	}, backend)
	defer iface.Finalize()

	p := poller.New(backend, iface.Table, iface.Engine, poller.Config{
		EagerBufNum:  cfg.EagerBufNum,
		EagerBufSize: cfg.EagerBufSize,
	})
	go p.IdleSweep(ctx, 30*time.Second)

	log.Printf("bmid: listening on %s", listenAddr)
	err = p.Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Fatalf("bmid: accept loop exited: %v", err)
	}
	log.Print("bmid: shutting down")
}
