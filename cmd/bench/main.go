// Command bench drives the receive engine against a simulated controller:
// a generator writes UDP frames into the descriptor ring at a configured
// rate while the driver services it, then a final report is printed.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000rx-go/config"
	"github.com/romshark/e1000rx-go/e1000"
	"github.com/romshark/e1000rx-go/ifacestat"
	"github.com/romshark/e1000rx-go/ratelimit"
	"github.com/romshark/e1000rx-go/sim"
	"github.com/romshark/e1000rx-go/stats"
)

var version = "dev"

const deviceName = "sim0"

type Config struct {
	config.Config `yaml:",inline"`

	Traffic struct {
		SrcMAC  string `yaml:"src-mac"`
		DestMAC string `yaml:"dest-mac"`
		SrcIP   string `yaml:"src-ip"`
		DstIP   string `yaml:"dst-ip"`
		SrcPort int    `yaml:"src-port"`
		DstPort int    `yaml:"dst-port"`
		// Rate is in frames per second, 0 is unthrottled.
		Rate uint64 `yaml:"rate"`
	} `yaml:"traffic"`

	MTU   uint64 `yaml:"mtu"`
	Count uint64 `yaml:"count"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fCount := flag.Uint64("n", 0, "frame count")
	fPktSize := flag.Uint("l", 0, "frame size")
	fRate := flag.Uint64("r", 0, "frames per second")
	fRing := flag.Int("ring", 0, "ring size")
	fMaxPerPass := flag.Int("max-per-pass", 0, "descriptors per servicing pass")
	fLogLevel := flag.String("log", "", "log level")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.MTU = uint64(*fPktSize)
	}
	if *fRate != 0 {
		conf.Traffic.Rate = *fRate
	}
	if *fRing != 0 {
		conf.Ring.Size = *fRing
	}
	if *fMaxPerPass != 0 {
		conf.Ring.MaxPerPass = *fMaxPerPass
	}
	if *fLogLevel != "" {
		conf.Logging.Level = *fLogLevel
	}

	// Validate

	if err := conf.Config.Validate(); err != nil {
		return nil, err
	}
	if _, err := net.ParseMAC(conf.Traffic.SrcMAC); err != nil {
		return nil, fmt.Errorf("invalid traffic.src-mac %q: %w", conf.Traffic.SrcMAC, err)
	}
	if _, err := net.ParseMAC(conf.Traffic.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid traffic.dest-mac %q: %w", conf.Traffic.DestMAC, err)
	}
	if ip := net.ParseIP(conf.Traffic.SrcIP); ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid traffic.src-ip %q", conf.Traffic.SrcIP)
	}
	if ip := net.ParseIP(conf.Traffic.DstIP); ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid traffic.dst-ip %q", conf.Traffic.DstIP)
	}
	if conf.Traffic.DstPort <= 0 || conf.Traffic.DstPort > 65535 {
		return nil, errors.New("traffic.dst-port must be between 1-65535")
	}
	if conf.Traffic.SrcPort <= 0 || conf.Traffic.SrcPort > 65535 {
		return nil, errors.New("traffic.src-port must be between 1-65535")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	bufSize := uint64(conf.DeviceConfig().BufferSize)
	if bufSize == 0 {
		bufSize = e1000.DefaultBufferSize
	}
	if conf.MTU < 64 || conf.MTU > min(1500, bufSize) {
		return nil, errors.New("unsupported mtu")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

const (
	ethLen = 14
	ipLen  = 20
	udpLen = 8

	seqOffset = ethLen + ipLen + udpLen
)

func buildUDPPacket(
	buf []byte,
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP net.IP,
	srcPort, dstPort uint16,
	seq uint32,
	pktSize uint32,
) uint32 {
	minSize := uint32(seqOffset + 4)
	if pktSize < minSize {
		pktSize = minSize
	}

	payloadLen := pktSize - seqOffset

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))

	binary.BigEndian.PutUint32(udp[8:], seq)

	return pktSize
}

type Stats struct {
	Offered   atomic.Uint64
	Overruns  atomic.Uint64
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	Reordered atomic.Uint64

	Elapsed atomic.Int64
}

// receiver returns the frame handler. It runs on the servicing task only,
// so lastSeq needs no synchronization.
func receiver(st *Stats) func(*e1000.Packet) {
	var lastSeq uint32
	first := true
	return func(p *e1000.Packet) {
		st.RxPackets.Add(1)
		st.RxBytes.Add(uint64(p.Len))
		if len(p.Buf) < seqOffset+4 {
			return
		}
		seq := binary.BigEndian.Uint32(p.Buf[seqOffset:])
		if !first && seq <= lastSeq {
			st.Reordered.Add(1)
		}
		first = false
		lastSeq = seq
	}
}

func runGenerator(ctx context.Context, conf *Config, nic *sim.NIC, st *Stats) error {
	srcMAC, _ := net.ParseMAC(conf.Traffic.SrcMAC)
	dstMAC, _ := net.ParseMAC(conf.Traffic.DestMAC)
	srcIP := net.ParseIP(conf.Traffic.SrcIP).To4()
	dstIP := net.ParseIP(conf.Traffic.DstIP).To4()
	srcPort := uint16(conf.Traffic.SrcPort)
	dstPort := uint16(conf.Traffic.DstPort)

	throttle := ratelimit.New(conf.Traffic.Rate)
	buf := make([]byte, conf.MTU)

	start := time.Now()
	defer func() { st.Elapsed.Store(time.Since(start).Nanoseconds()) }()

	for seq := uint32(0); uint64(seq) < conf.Count; seq++ {
		if err := throttle.Wait(ctx, 1); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n := buildUDPPacket(buf, srcMAC, dstMAC, srcIP, dstIP, srcPort, dstPort, seq, uint32(conf.MTU))
		st.Offered.Add(1)

		switch err := nic.Receive(buf[:n]); {
		case errors.Is(err, sim.ErrOverrun):
			st.Overruns.Add(1)
		case err != nil:
			return fmt.Errorf("injecting frame %d: %w", seq, err)
		}
	}
	return nil
}

func runReporter(ctx context.Context, done <-chan struct{}, st *Stats) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var lastOffered, lastRxPkts, lastRxBytes uint64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-t.C:
		}

		now := time.Now()
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		offered := st.Offered.Load()
		rxPkts := st.RxPackets.Load()
		rxBytes := st.RxBytes.Load()

		offeredPPS := uint64(float64(offered-lastOffered) / dt)
		rxPPS := uint64(float64(rxPkts-lastRxPkts) / dt)
		rxMbps := float64((rxBytes-lastRxBytes)*8) / 1e6 / dt

		lastOffered, lastRxPkts, lastRxBytes = offered, rxPkts, rxBytes

		fmt.Printf(
			"OFFERED=%d RX=%d OFFERED-PPS=%d RX-PPS=%d RX-Mbps=%.1f OVERRUNS=%d\n",
			offered, rxPkts, offeredPPS, rxPPS, rxMbps, st.Overruns.Load(),
		)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	l := logrus.New()
	fatalIf(config.ConfigureLogger(l, conf.Logging), "configuring logger")

	registry := metrics.NewRegistry()
	exporter, err := stats.Start(l, conf.Stats, registry, version)
	fatalIf(err, "starting stats")
	defer exporter.Close()

	var st Stats

	nic := sim.New(deviceName, l)
	dc := conf.DeviceConfig()
	dc.Logger = l
	dc.Registry = registry
	dc.Handler = receiver(&st)

	dev, err := e1000.Attach(nic, dc)
	fatalIf(err, "attaching simulated device")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return runGenerator(gctx, conf, nic, &st)
	})
	g.Go(func() error {
		runReporter(gctx, done, &st)
		return nil
	})
	genErr := g.Wait()

	// Let the servicing task drain what is left in the ring.
	dev.Flush()
	snapshot := ifacestat.Snapshot(registry, []string{deviceName})
	dev.Detach()

	if genErr != nil && !errors.Is(genErr, context.Canceled) {
		fatalIf(genErr, "generating traffic")
	}

	offered := st.Offered.Load()
	rxPackets := st.RxPackets.Load()
	rxBytes := st.RxBytes.Load()

	drops := offered - rxPackets
	elapsed := float64(st.Elapsed.Load()) / 1e9
	offeredAvgPPS := uint64(float64(offered) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Offered:           %d packets\n", offered)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" Offered Avg PPS:   %d\n", offeredAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" Reordered:         %d\n", st.Reordered.Load())
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(max(offered, 1))*100)
	p.Print("\n")

	fatalIf(ifacestat.Print(os.Stdout, snapshot, map[string]string{
		deviceName: "simulated 8254x",
	}), "printing device counters")
}
