//go:build linux

// Command recv attaches to a controller bound to uio_pci_generic and
// prints receive rates until interrupted.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/e1000rx-go/config"
	"github.com/romshark/e1000rx-go/e1000"
	"github.com/romshark/e1000rx-go/ifacestat"
	"github.com/romshark/e1000rx-go/pci"
	"github.com/romshark/e1000rx-go/stats"
)

var version = "dev"

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	fConfig := flag.String("config", "e1000rx.yaml", "path to config YAML file")
	fPCI := flag.String("pci", "", "PCI address, e.g. 0000:02:01.0")
	fUIO := flag.String("uio", "", "UIO device node, e.g. /dev/uio0")
	fDump := flag.Bool("dump", false, "print the head/tail snapshot every second")
	flag.Parse()

	conf, err := config.Load(*fConfig)
	fatalIf(err, "reading config")
	if *fPCI != "" {
		conf.Device.PCI = *fPCI
	}
	if *fUIO != "" {
		conf.Device.UIO = *fUIO
	}
	fatalIf(conf.ValidateDevice(), "invalid device config")

	l := logrus.New()
	fatalIf(config.ConfigureLogger(l, conf.Logging), "configuring logger")

	registry := metrics.NewRegistry()
	exporter, err := stats.Start(l, conf.Stats, registry, version)
	fatalIf(err, "starting stats")
	defer exporter.Close()

	pdev, err := pci.Open(conf.Device.PCI, conf.Device.UIO, conf.Device.BARSize, l)
	fatalIf(err, "opening PCI device")
	defer pdev.Close()

	var totalPackets atomic.Uint64
	var totalBytes atomic.Uint64

	dc := conf.DeviceConfig()
	dc.Logger = l
	dc.Registry = registry
	dc.Handler = func(p *e1000.Packet) {
		totalPackets.Add(1)
		totalBytes.Add(uint64(p.Len))
	}

	dev, err := e1000.Attach(pdev, dc)
	fatalIf(err, "attaching %s", conf.Device.PCI)

	fmt.Fprintf(os.Stderr, "e1000 RX: device=%s uio=%s ring=%d\n",
		dev.Name(), conf.Device.UIO, dev.RingSize())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return report(gctx, dev, *fDump, &totalPackets, &totalBytes)
	})
	err = g.Wait()

	before := ifacestat.Snapshot(registry, []string{dev.Name()})
	dev.Detach()
	fmt.Fprintln(os.Stderr)
	fatalIf(ifacestat.Print(os.Stderr, before, nil), "printing device counters")
	if err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "receiving")
	}
}

func report(
	ctx context.Context, dev *e1000.Device, dump bool, totalPackets, totalBytes *atomic.Uint64,
) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)

	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()

		pkts := totalPackets.Load()
		bytes := totalBytes.Load()

		pps := float64(pkts-lastPackets) / elapsed
		mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6

		maxPPS = max(maxPPS, pps)
		maxMbps = max(maxMbps, mbps)

		fmt.Printf(
			"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
			pkts, pps, mbps, maxPPS, maxMbps,
		)

		if dump {
			b, err := io.ReadAll(dev.Endpoint())
			if err != nil {
				return fmt.Errorf("reading head/tail: %w", err)
			}
			v := binary.LittleEndian.Uint32(b)
			fmt.Printf("head=%d tail=%d\n", v>>16, v&0xFFFF)
		}

		lastPackets = pkts
		lastBytes = bytes
		lastTime = now
	}
}
