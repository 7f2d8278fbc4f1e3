package e1000

import (
	"github.com/rcrowley/go-metrics"

	"github.com/romshark/e1000rx-go/ifacestat"
)

type counters struct {
	packets   metrics.Counter
	bytes     metrics.Counter
	errors    metrics.Counter
	notDone   metrics.Counter
	overruns  metrics.Counter
	irqs      metrics.Counter
	spurious  metrics.Counter
	passes    metrics.Counter
	capped    metrics.Counter
	abandoned metrics.Counter
}

func newCounters(device string, r metrics.Registry) *counters {
	c := func(ctr ifacestat.Counter) metrics.Counter {
		return metrics.GetOrRegisterCounter(ctr.Name(device), r)
	}
	return &counters{
		packets:   c(ifacestat.RxPackets),
		bytes:     c(ifacestat.RxBytes),
		errors:    c(ifacestat.RxErrors),
		notDone:   c(ifacestat.RxNotDone),
		overruns:  c(ifacestat.RxOverruns),
		irqs:      c(ifacestat.Interrupts),
		spurious:  c(ifacestat.SpuriousInterrupts),
		passes:    c(ifacestat.ServicePasses),
		capped:    c(ifacestat.CappedPasses),
		abandoned: c(ifacestat.AbandonedPasses),
	}
}
