package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000rx-go/dma"
	"github.com/romshark/e1000rx-go/regs"
	"github.com/romshark/e1000rx-go/rxring"
	"github.com/romshark/e1000rx-go/test"
)

func TestRegisterSemantics(t *testing.T) {
	n := New("sim0", test.NewLogger())
	w, err := n.MapBAR(0)
	require.NoError(t, err)

	n.write32(regs.ICR, 0) // no-op
	n.mu.Lock()
	n.regs[regs.ICR] = regs.IntRXT0 | regs.IntRXO
	n.mu.Unlock()

	assert.Equal(t, uint32(regs.IntRXT0|regs.IntRXO), w.Read32(regs.ICR))
	assert.Zero(t, w.Read32(regs.ICR), "ICR clears on read")

	w.Write32(regs.IMS, regs.IntRXT0)
	w.Write32(regs.IMS, regs.IntRXO)
	assert.Equal(t, uint32(regs.IntRXT0|regs.IntRXO), w.Read32(regs.IMS))
	w.Write32(regs.IMC, regs.IntRXT0)
	assert.Equal(t, uint32(regs.IntRXO), w.Read32(regs.IMS))

	w.Write32(regs.CTRL, regs.CtrlLinkUp)
	assert.NotZero(t, w.Read32(regs.STATUS)&regs.StatusLinkUp)

	w.Write32(regs.CTRL, regs.CtrlReset)
	assert.Zero(t, w.Read32(regs.CTRL), "reset self clears")
	assert.Zero(t, w.Read32(regs.IMS))
	assert.Zero(t, w.Read32(regs.STATUS))

	require.NoError(t, w.Close())
	assert.Error(t, w.Close())
	assert.Zero(t, n.State().Mapped)
}

func TestBus_Outstanding(t *testing.T) {
	n := New("sim0", test.NewLogger())
	b := n.Bus()

	buf, err := b.Alloc(100)
	require.NoError(t, err)
	addr, err := b.Map(buf)
	require.NoError(t, err)
	r, err := b.AllocCoherent(64)
	require.NoError(t, err)
	assert.Equal(t, Outstanding{Allocs: 1, Mappings: 1, Coherent: 1}, b.Outstanding())

	mem, err := b.resolve(addr+10, 4)
	require.NoError(t, err)
	mem[0] = 0xAB
	assert.Equal(t, byte(0xAB), buf[10])

	_, err = b.resolve(addr+98, 4)
	assert.ErrorIs(t, err, ErrBadAddress)

	require.NoError(t, b.Unmap(addr, 100))
	assert.ErrorIs(t, b.Unmap(addr, 100), ErrNotMapped)
	require.NoError(t, b.Free(buf))
	assert.ErrorIs(t, b.Free(buf), ErrUnknownBuffer)
	require.NoError(t, b.FreeCoherent(r))

	assert.True(t, b.Outstanding().Zero())
	unmaps, frees := b.BadReleases()
	assert.Equal(t, 1, unmaps)
	assert.Equal(t, 1, frees)
}

func TestBus_DMAMask(t *testing.T) {
	n := New("sim0", test.NewLogger())
	require.NoError(t, n.SetDMAMask(32))
	r, err := n.Bus().AllocCoherent(16)
	require.NoError(t, err)
	assert.Less(t, uint64(r.Addr), uint64(1)<<32)

	require.NoError(t, n.SetDMAMask(64))
	r, err = n.Bus().AllocCoherent(16)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint64(r.Addr), uint64(1)<<32)
}

func TestBus_Faults(t *testing.T) {
	n := New("sim0", test.NewLogger())
	n.SetFaults(Faults{AllocAt: 2, MapAt: 1})
	b := n.Bus()

	buf, err := b.Alloc(8)
	require.NoError(t, err)
	_, err = b.Alloc(8)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = b.Map(buf)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = b.Map(buf)
	assert.NoError(t, err)
}

func TestLine(t *testing.T) {
	n := New("sim0", test.NewLogger())
	l := n.Line()

	l.Raise()
	_, _, unhandled := l.Counts()
	assert.Equal(t, 1, unhandled)

	calls := 0
	require.NoError(t, l.Request(func() bool {
		calls++
		if calls == 1 {
			// Raised from within the handler: latched, not nested.
			l.Raise()
		}
		return true
	}))
	assert.ErrorIs(t, l.Request(func() bool { return true }), ErrLineBusy)

	l.Raise()
	assert.Equal(t, 2, calls)
	raised, handled, _ := l.Counts()
	assert.Equal(t, 3, raised)
	assert.Equal(t, 2, handled)

	require.NoError(t, l.Free())
	assert.False(t, l.Requested())
	assert.Error(t, l.Free())
}

// setupRing programs a 4 descriptor ring the way the driver does.
func setupRing(t *testing.T, n *NIC) (regs.Window, *rxring.Ring) {
	t.Helper()
	w, err := n.MapBAR(0)
	require.NoError(t, err)

	pool, err := dma.Allocate(n.Bus(), 4, 2048)
	require.NoError(t, err)
	ring, err := rxring.Init(w, n.Bus(), pool)
	require.NoError(t, err)
	return w, ring
}

func TestReceive(t *testing.T) {
	n := New("sim0", test.NewLogger())

	assert.ErrorIs(t, n.Receive(test.Frame(60, 1)), ErrReceiverDisabled)

	w, ring := setupRing(t, n)
	w.Write32(regs.RCTL, regs.RctlSetup)

	frame := test.Frame(60, 7)
	require.NoError(t, n.Receive(frame))

	v := ring.Inspect(0)
	assert.True(t, v.Done())
	assert.Equal(t, uint8(rxring.StatusDD|rxring.StatusEOP), v.Status)
	assert.Equal(t, uint16(60), v.Length)
	assert.Equal(t, frame, ring.Buffer(0)[:60])
	assert.Equal(t, uint32(1), w.Read32(regs.RDH))
	assert.Equal(t, uint32(regs.IntRXT0), w.Read32(regs.ICR))

	assert.ErrorIs(t, n.Receive(test.Frame(2049, 1)), ErrFrameTooLarge)
}

func TestReceive_Overrun(t *testing.T) {
	n := New("sim0", test.NewLogger())
	w, _ := setupRing(t, n)
	w.Write32(regs.RCTL, regs.RctlSetup)

	// Tail is at 3: descriptors 0, 1 and 2 are free.
	for i := range 3 {
		require.NoError(t, n.Receive(test.Frame(64, byte(i))))
	}
	assert.ErrorIs(t, n.Receive(test.Frame(64, 9)), ErrOverrun)
	assert.NotZero(t, w.Read32(regs.ICR)&regs.IntRXO)

	s := n.State()
	assert.Equal(t, 3, s.Received)
	assert.Equal(t, 1, s.Overruns)
	assert.Equal(t, 1, s.Dropped)
}

func TestReceive_RaisesWhenUnmasked(t *testing.T) {
	n := New("sim0", test.NewLogger())
	w, _ := setupRing(t, n)
	w.Write32(regs.RCTL, regs.RctlSetup)

	var causes []uint32
	require.NoError(t, n.Line().Request(func() bool {
		causes = append(causes, w.Read32(regs.ICR))
		return true
	}))

	require.NoError(t, n.Receive(test.Frame(64, 1)))
	assert.Empty(t, causes, "masked")

	// Unmasking with a pending cause asserts the line.
	w.Write32(regs.IMS, regs.IntRXT0)
	require.Equal(t, []uint32{regs.IntRXT0}, causes)

	require.NoError(t, n.Receive(test.Frame(64, 2)))
	assert.Equal(t, []uint32{regs.IntRXT0, regs.IntRXT0}, causes)
}

func TestBufferSize(t *testing.T) {
	assert.Equal(t, 2048, bufferSize(regs.RctlSetup))
	assert.Equal(t, 1024, bufferSize(1<<16))
	assert.Equal(t, 512, bufferSize(2<<16))
	assert.Equal(t, 256, bufferSize(3<<16))
}

func TestWriteRecording(t *testing.T) {
	n := New("sim0", test.NewLogger())
	w, err := n.MapBAR(0)
	require.NoError(t, err)

	w.Write32(regs.RCTL, 1)
	n.RecordWrites(true)
	w.Write32(regs.RDT, 3)
	w.Write32(regs.IMC, regs.IntAll)

	assert.Equal(t, []Write{
		{Offset: regs.RDT, Value: 3},
		{Offset: regs.IMC, Value: regs.IntAll},
	}, n.Writes())
}
