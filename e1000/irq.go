package e1000

import "github.com/romshark/e1000rx-go/regs"

// handleIRQ is the interrupt front end. Reading ICR acknowledges every
// pending cause. The ring itself is left to the servicing task.
func (d *Device) handleIRQ() bool {
	cause := d.regs.Read32(regs.ICR)
	if cause == 0 {
		// Shared line, not ours.
		d.stats.spurious.Inc(1)
		return false
	}
	d.stats.irqs.Inc(1)
	if cause&regs.IntRXO != 0 {
		d.stats.overruns.Inc(1)
	}

	d.work.Schedule()

	d.regs.Write32(regs.IMS, rxInterrupts)
	return true
}
