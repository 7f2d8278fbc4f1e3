// Package ifacestat names the per-device receive counters and takes
// snapshots of them from a metrics registry.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
)

type Counter int

const (
	RxPackets Counter = iota
	RxBytes
	RxErrors
	RxNotDone
	RxOverruns
	Interrupts
	SpuriousInterrupts
	ServicePasses
	CappedPasses
	AbandonedPasses
)

// All lists every counter.
var All = []Counter{
	RxPackets, RxBytes, RxErrors, RxNotDone, RxOverruns,
	Interrupts, SpuriousInterrupts,
	ServicePasses, CappedPasses, AbandonedPasses,
}

func (c Counter) String() string {
	switch c {
	case RxPackets:
		return "rx.packets"
	case RxBytes:
		return "rx.bytes"
	case RxErrors:
		return "rx.errors"
	case RxNotDone:
		return "rx.not_done"
	case RxOverruns:
		return "rx.overruns"
	case Interrupts:
		return "irq.count"
	case SpuriousInterrupts:
		return "irq.spurious"
	case ServicePasses:
		return "service.passes"
	case CappedPasses:
		return "service.capped"
	case AbandonedPasses:
		return "service.abandoned"
	}
	return ""
}

// Name returns the registry name of the counter for device.
func (c Counter) Name(device string) string { return device + "." + c.String() }

// Per-device values.
type IfaceStats map[Counter]uint64

// Multi-device stats.
type Stats map[string]IfaceStats

// Snapshot reads the counters of all devices from r.
// Counters that were never registered read as zero.
func Snapshot(r metrics.Registry, devices []string, counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = All
	}
	s := make(Stats, len(devices))
	for _, dev := range devices {
		vals := make(IfaceStats, len(counters))
		for _, ctr := range counters {
			var v uint64
			if m, ok := r.Get(ctr.Name(dev)).(metrics.Counter); ok {
				v = uint64(m.Count())
			}
			vals[ctr] = v
		}
		s[dev] = vals
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for dev, now := range s {
		prev := old[dev]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[dev] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	devs := make([]string, 0, len(s))
	for dev := range s {
		devs = append(devs, dev)
	}
	slices.Sort(devs)

	for _, dev := range devs {
		stats := s[dev]

		if alias, ok := aliases[dev]; ok {
			fmt.Fprintf(w, "%s (%s):\n", dev, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", dev)
		}

		rxBytes := stats[RxBytes]
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			stats[RxPackets], humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		fmt.Fprintf(w, "  ERR  %-12d  not-done %-6d overruns %d\n",
			stats[RxErrors], stats[RxNotDone], stats[RxOverruns],
		)
		fmt.Fprintf(w, "  IRQ  %-12d  spurious %d\n",
			stats[Interrupts], stats[SpuriousInterrupts],
		)
		_, err := fmt.Fprintf(w, "  SVC  %-12d  capped %-8d abandoned %d\n",
			stats[ServicePasses], stats[CappedPasses], stats[AbandonedPasses],
		)
		if err != nil {
			return err
		}
	}

	return nil
}
